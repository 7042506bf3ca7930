// Package providers contains the concrete LLM backends behind the facade.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/llm"
)

// OpenAIProvider serves requests through the OpenAI API (or any
// OpenAI-compatible endpoint via base_url).
type OpenAIProvider struct {
	name   string
	client *openai.Client
	cfg    *config.LLMProviderConfig
}

// NewOpenAIProvider builds a provider from its config entry.
func NewOpenAIProvider(name string, cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider %q: environment variable %s is not set", name, cfg.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

// Name implements llm.Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Generate implements llm.Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ccr := openai.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: toOpenAIMessages(req.Messages),
	}

	maxTokens := req.Options.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxOutputTokens
	}
	if maxTokens > 0 {
		ccr.MaxCompletionTokens = maxTokens
	}
	if req.Options.JSONMode {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if req.Options.ReasoningEffort != "" {
		ccr.ReasoningEffort = string(req.Options.ReasoningEffort)
	}
	for _, tool := range req.Options.Tools {
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.ParametersSchema),
			},
		})
	}

	if req.Options.Stream != nil {
		return p.generateStream(ctx, ccr, req.Options.Stream)
	}

	resp, err := p.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}

	return &llm.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: usageFromOpenAI(&resp.Usage),
	}, nil
}

// generateStream runs a streaming completion, forwarding text deltas.
func (p *OpenAIProvider) generateStream(ctx context.Context, ccr openai.ChatCompletionRequest, cb llm.StreamCallback) (*llm.Response, error) {
	ccr.Stream = true
	ccr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, fmt.Errorf("openai stream failed: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var text string
	var usage budget.TokenUsage
	model := ccr.Model
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, fmt.Errorf("openai stream receive failed: %w", recvErr)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = usageFromOpenAI(chunk.Usage)
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				text += delta
				cb(delta)
			}
		}
	}

	return &llm.Response{Text: text, Model: model, Usage: usage}, nil
}

// toOpenAIMessages maps normalized messages to the OpenAI payload shape.
// Developer messages become system messages (older models reject the
// developer role); image items become multi-part content.
func toOpenAIMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		ccm := openai.ChatCompletionMessage{
			Role: openAIRole(msg.Role),
		}
		if msg.Role == llm.RoleTool {
			ccm.ToolCallID = msg.ToolCallID
			ccm.Name = msg.ToolName
		}
		if len(msg.Items) == 0 {
			ccm.Content = msg.Content
		} else {
			for _, item := range msg.Items {
				switch item.Type {
				case llm.ContentTypeText:
					ccm.MultiContent = append(ccm.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: item.Text,
					})
				case llm.ContentTypeImage:
					url := item.ImageURL
					if url == "" {
						url = fmt.Sprintf("data:%s;base64,%s", item.MediaType, item.ImageB64)
					}
					ccm.MultiContent = append(ccm.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: url},
					})
				}
			}
		}
		out = append(out, ccm)
	}
	return out
}

func openAIRole(role llm.Role) string {
	switch role {
	case llm.RoleSystem, llm.RoleDeveloper:
		return openai.ChatMessageRoleSystem
	case llm.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case llm.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func usageFromOpenAI(u *openai.Usage) budget.TokenUsage {
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	return budget.TokenUsage{
		CachedTokens:   cached,
		NewInputTokens: u.PromptTokens - cached,
		OutputTokens:   u.CompletionTokens,
	}
}
