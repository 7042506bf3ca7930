package toolindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/models"
)

func gmailSearchSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "description": "Gmail search query"},
			"max_results": map[string]any{"type": "integer", "default": 10},
		},
		"required": []any{"query"},
	}
}

func newTestIndex() *Index {
	idx := New(nil)
	idx.Add(BuildDescriptor("gmail", "gmail_search", "", "", "Search emails in a Gmail mailbox", gmailSearchSchema(), nil))
	idx.Add(BuildDescriptor("gmail", "gmail_send", "", "", "Send an email through Gmail", nil, nil))
	idx.Add(BuildDescriptor("slack", "post_message", "", "", "Post a message to a Slack channel", nil, nil))
	idx.Add(BuildDescriptor("shopify", "orders_list", "", "", "List recent Shopify orders", nil, nil))
	return idx
}

func TestGetTool(t *testing.T) {
	idx := newTestIndex()

	d, ok := idx.GetTool("gmail.gmail_search")
	require.True(t, ok)
	assert.Equal(t, "gmail", d.Provider)
	assert.Equal(t, "gmail_search(query)", d.Signature)

	_, ok = idx.GetTool("gmail.missing")
	assert.False(t, ok)
}

func TestResolveMCPToolName(t *testing.T) {
	idx := New(nil)
	idx.Add(BuildDescriptor("gmail", "gmail_search", "", "GMAIL_SEARCH_V2", "", nil, nil))
	idx.Add(BuildDescriptor("gmail", "gmail_send", "", "", "", nil, nil))

	name, err := idx.ResolveMCPToolName("gmail", "gmail_search")
	require.NoError(t, err)
	assert.Equal(t, "GMAIL_SEARCH_V2", name)

	name, err = idx.ResolveMCPToolName("gmail", "gmail_send")
	require.NoError(t, err)
	assert.Equal(t, "gmail_send", name)

	_, err = idx.ResolveMCPToolName("gmail", "missing")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestGetInventory(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	t.Run("auto mode returns full tree", func(t *testing.T) {
		tree, err := idx.GetInventory(ctx, "user-1", models.ToolConstraints{})
		require.NoError(t, err)
		require.Len(t, tree, 3)
		assert.Equal(t, "gmail", tree[0].Provider)
		assert.ElementsMatch(t, []string{"gmail_search", "gmail_send"}, tree[0].Tools)
	})

	t.Run("custom provider allow-list narrows", func(t *testing.T) {
		tree, err := idx.GetInventory(ctx, "user-1", models.ToolConstraints{
			Mode:      models.ConstraintModeCustom,
			Providers: []string{"slack"},
		})
		require.NoError(t, err)
		require.Len(t, tree, 1)
		assert.Equal(t, "slack", tree[0].Provider)
	})

	t.Run("custom tool allow-list narrows", func(t *testing.T) {
		tree, err := idx.GetInventory(ctx, "user-1", models.ToolConstraints{
			Mode:  models.ConstraintModeCustom,
			Tools: []string{"gmail.gmail_search"},
		})
		require.NoError(t, err)
		require.Len(t, tree, 1)
		assert.Equal(t, []string{"gmail_search"}, tree[0].Tools)
	})
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) AuthorizedProviders(context.Context, string) ([]string, error) {
	return []string{}, nil
}

func TestAuthorization(t *testing.T) {
	idx := New(denyAllAuthorizer{})
	idx.Add(BuildDescriptor("gmail", "gmail_search", "", "", "", nil, nil))

	tree, err := idx.GetInventory(context.Background(), "user-1", models.ToolConstraints{})
	require.NoError(t, err)
	assert.Empty(t, tree)

	ok, reason := idx.CheckAvailability(context.Background(), "user-1", "gmail", "gmail_search")
	assert.False(t, ok)
	assert.Contains(t, reason, "not authorized")
}

func TestCheckAvailability(t *testing.T) {
	idx := newTestIndex()
	ok, reason := idx.CheckAvailability(context.Background(), "user-1", "gmail", "gmail_search")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = idx.CheckAvailability(context.Background(), "user-1", "gmail", "missing")
	assert.False(t, ok)
	assert.Contains(t, reason, "not in the catalog")
}

func TestValidateArgs(t *testing.T) {
	idx := newTestIndex()

	t.Run("valid args pass", func(t *testing.T) {
		d, _ := idx.GetTool("gmail.gmail_search")
		assert.NoError(t, ValidateArgs(d, map[string]any{"query": "from:alice", "max_results": 3}))
	})

	t.Run("missing required arg fails", func(t *testing.T) {
		d, _ := idx.GetTool("gmail.gmail_search")
		assert.Error(t, ValidateArgs(d, map[string]any{"max_results": 3}))
	})

	t.Run("empty args accepted when nothing is required", func(t *testing.T) {
		d, _ := idx.GetTool("slack.post_message")
		assert.NoError(t, ValidateArgs(d, map[string]any{}))
		assert.NoError(t, ValidateArgs(d, nil))
	})
}
