package toolindex

import (
	"context"
	"sort"
	"strings"

	"github.com/tandem-run/tandem/pkg/models"
)

// SearchOptions tune one catalog search.
type SearchOptions struct {
	ProviderFilter string
	DetailLevel    DetailLevel
	Limit          int
	UserID         string
}

// DefaultSearchLimit applies when a search doesn't set a limit.
const DefaultSearchLimit = 10

// MaxSearchLimit is the hard cap on a single search.
const MaxSearchLimit = 50

// Search ranks descriptors against a free-text query. Scoring is
// token-overlap based: exact tool-name and provider matches dominate,
// description and signature terms contribute, parameter names count
// least. Results are authorized-provider filtered.
func (x *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]models.SearchResultEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	allowed, err := x.authorizedSet(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var scored []models.SearchResultEntry
	for _, id := range x.order {
		d := x.tools[id]
		if allowed != nil && !allowed[d.Provider] {
			continue
		}
		if opts.ProviderFilter != "" && d.Provider != opts.ProviderFilter {
			continue
		}
		score := scoreDescriptor(d, terms)
		if score <= 0 {
			continue
		}
		entry := models.SearchResultEntry{Score: score}
		if opts.DetailLevel == DetailFull {
			entry.Descriptor = d
		} else {
			entry.Descriptor = compactDescriptor(d)
		}
		scored = append(scored, entry)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Descriptor.ToolID < scored[j].Descriptor.ToolID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// scoreDescriptor computes the relevance of one descriptor.
func scoreDescriptor(d *models.ToolDescriptor, terms []string) float64 {
	toolTokens := tokenize(d.Tool)
	descTokens := tokenize(d.Description)
	var paramTokens []string
	for _, p := range d.InputParams {
		paramTokens = append(paramTokens, tokenize(p.Name)...)
	}

	var score float64
	for _, term := range terms {
		switch {
		case term == strings.ToLower(d.Tool) || term == strings.ToLower(d.Provider):
			score += 10
		case containsToken(toolTokens, term):
			score += 5
		case containsToken(descTokens, term):
			score += 2
		case containsToken(paramTokens, term):
			score += 1
		case strings.Contains(strings.ToLower(d.Description), term):
			score += 0.5
		}
	}
	return score
}

// compactDescriptor projects a descriptor to its search-result form:
// identity, signature, description, and required params only.
func compactDescriptor(d *models.ToolDescriptor) *models.ToolDescriptor {
	return &models.ToolDescriptor{
		ToolID:          d.ToolID,
		Provider:        d.Provider,
		Tool:            d.Tool,
		Server:          d.Server,
		MCPToolName:     d.MCPToolName,
		Signature:       d.Signature,
		Description:     d.Description,
		InputParams:     d.RequiredParams(),
		OutputFields:    d.OutputFields,
		HasHiddenFields: d.HasHiddenFields,
		InputSchema:     d.InputSchema,
	}
}

// tokenize lowercases and splits a string on non-alphanumeric runs.
func tokenize(s string) []string {
	lower := strings.ToLower(s)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func containsToken(tokens []string, term string) bool {
	for _, t := range tokens {
		if t == term {
			return true
		}
	}
	return false
}
