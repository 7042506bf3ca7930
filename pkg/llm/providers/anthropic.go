package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/llm"
)

// defaultAnthropicMaxTokens bounds output when neither the call nor the
// provider config sets a limit (the Anthropic API requires one).
const defaultAnthropicMaxTokens = 8192

// AnthropicProvider serves requests through the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
	cfg    *config.LLMProviderConfig
}

// NewAnthropicProvider builds a provider from its config entry.
func NewAnthropicProvider(name string, cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic provider %q: environment variable %s is not set", name, cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		name:   name,
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

// Name implements llm.Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Generate implements llm.Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.Options.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxOutputTokens
	}
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, messages := toAnthropicMessages(req.Messages, req.Options.JSONMode)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if req.Options.Stream != nil && text != "" {
		// The facade treats Anthropic streaming as a single final delta.
		req.Options.Stream(text)
	}

	return &llm.Response{
		Text:  text,
		Model: string(message.Model),
		Usage: budget.TokenUsage{
			CachedTokens:   int(message.Usage.CacheReadInputTokens),
			NewInputTokens: int(message.Usage.InputTokens),
			OutputTokens:   int(message.Usage.OutputTokens),
		},
	}, nil
}

// toAnthropicMessages maps normalized messages: system and developer
// content join the system prompt; the rest alternate as user/assistant
// turns. JSON mode is enforced by instruction — the Messages API has no
// response_format switch.
func toAnthropicMessages(messages []llm.Message, jsonMode bool) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			blocks := toAnthropicBlocks(msg)
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	if jsonMode {
		systemParts = append(systemParts,
			"Respond with a single valid JSON object and nothing else. No prose, no markdown fences.")
	}
	return strings.Join(systemParts, "\n\n"), out
}

func toAnthropicBlocks(msg *llm.Message) []anthropic.ContentBlockParamUnion {
	if len(msg.Items) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, item := range msg.Items {
		switch item.Type {
		case llm.ContentTypeText:
			blocks = append(blocks, anthropic.NewTextBlock(item.Text))
		case llm.ContentTypeImage:
			if item.ImageURL != "" {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: item.ImageURL}))
			} else {
				blocks = append(blocks, anthropic.NewImageBlockBase64(item.MediaType, item.ImageB64))
			}
		}
	}
	return blocks
}
