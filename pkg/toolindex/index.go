// Package toolindex maintains the catalog of available tools: descriptor
// lookup, the authorized-provider inventory view, relevance-ranked
// search, and output-schema folding/inspection.
package toolindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tandem-run/tandem/pkg/models"
)

// Sentinel errors.
var (
	ErrToolNotFound = errors.New("tool not found in index")
)

// Authorizer exposes the providers a user may access. Implementations
// are external (OAuth-backed in production); AllowAll serves tests and
// single-tenant deployments.
type Authorizer interface {
	AuthorizedProviders(ctx context.Context, userID string) ([]string, error)
}

// AllowAll authorizes every provider in the index for every user.
type AllowAll struct{}

// AuthorizedProviders implements Authorizer.
func (AllowAll) AuthorizedProviders(context.Context, string) ([]string, error) {
	return nil, nil // nil means "no restriction"
}

// DetailLevel selects how much of a descriptor a search result carries.
type DetailLevel string

const (
	DetailCompact DetailLevel = "compact"
	DetailFull    DetailLevel = "full"
)

// Index is the tool catalog. Thread-safe: the catalog is read-mostly and
// may be reloaded while runs are in flight.
type Index struct {
	mu    sync.RWMutex
	tools map[string]*models.ToolDescriptor // toolID → descriptor
	order []string                          // insertion order for stable iteration

	authorizer Authorizer
}

// New creates an empty index.
func New(authorizer Authorizer) *Index {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Index{
		tools:      make(map[string]*models.ToolDescriptor),
		authorizer: authorizer,
	}
}

// Add inserts or replaces a descriptor. The descriptor's ToolID is
// derived from provider and tool when unset.
func (x *Index) Add(desc *models.ToolDescriptor) {
	if desc.ToolID == "" {
		desc.ToolID = models.JoinToolID(desc.Provider, desc.Tool)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.tools[desc.ToolID]; !exists {
		x.order = append(x.order, desc.ToolID)
	}
	x.tools[desc.ToolID] = desc
}

// GetTool returns a descriptor by toolID.
func (x *Index) GetTool(toolID string) (*models.ToolDescriptor, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.tools[toolID]
	return d, ok
}

// ResolveMCPToolName maps a (provider, tool) pair to the MCP tool name
// used on the wire. Falls back to the tool name itself.
func (x *Index) ResolveMCPToolName(provider, tool string) (string, error) {
	d, ok := x.GetTool(models.JoinToolID(provider, tool))
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrToolNotFound, provider, tool)
	}
	if d.MCPToolName != "" {
		return d.MCPToolName, nil
	}
	return d.Tool, nil
}

// CheckAvailability reports whether a tool is visible to the user. The
// reason string is human-readable and stable enough for prompts.
func (x *Index) CheckAvailability(ctx context.Context, userID, provider, tool string) (bool, string) {
	if _, ok := x.GetTool(models.JoinToolID(provider, tool)); !ok {
		return false, fmt.Sprintf("tool %q is not in the catalog for provider %q", tool, provider)
	}
	allowed, err := x.authorizedSet(ctx, userID)
	if err != nil {
		return false, fmt.Sprintf("authorization check failed: %v", err)
	}
	if allowed != nil && !allowed[provider] {
		return false, fmt.Sprintf("provider %q is not authorized for this user", provider)
	}
	return true, ""
}

// GetInventory returns the provider tree (names only) visible to the
// user, optionally narrowed by tool constraints.
func (x *Index) GetInventory(ctx context.Context, userID string, constraints models.ToolConstraints) ([]models.ProviderTools, error) {
	allowed, err := x.authorizedSet(ctx, userID)
	if err != nil {
		return nil, err
	}

	var providerAllow, toolAllow map[string]bool
	if constraints.Mode == models.ConstraintModeCustom {
		providerAllow = toSet(constraints.Providers)
		toolAllow = toSet(constraints.Tools)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	grouped := make(map[string][]string)
	for _, id := range x.order {
		d := x.tools[id]
		if allowed != nil && !allowed[d.Provider] {
			continue
		}
		if providerAllow != nil && len(providerAllow) > 0 && !providerAllow[d.Provider] {
			continue
		}
		if toolAllow != nil && len(toolAllow) > 0 && !toolAllow[d.ToolID] && !toolAllow[d.Tool] {
			continue
		}
		grouped[d.Provider] = append(grouped[d.Provider], d.Tool)
	}

	providers := make([]string, 0, len(grouped))
	for p := range grouped {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	tree := make([]models.ProviderTools, 0, len(providers))
	for _, p := range providers {
		tree = append(tree, models.ProviderTools{Provider: p, Tools: grouped[p]})
	}
	return tree, nil
}

// authorizedSet returns the allowed-provider set for a user, or nil for
// no restriction.
func (x *Index) authorizedSet(ctx context.Context, userID string) (map[string]bool, error) {
	providers, err := x.authorizer.AuthorizedProviders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve authorized providers: %w", err)
	}
	if providers == nil {
		return nil, nil
	}
	return toSet(providers), nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[strings.TrimSpace(item)] = true
	}
	return out
}

// Len returns the number of descriptors in the index.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.tools)
}
