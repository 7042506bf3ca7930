package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Forbidden top-level wrappers: the user body is already the body of an
// async main(), so wrapping it again (or self-running it) breaks the
// template.
var forbiddenWrappers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*async\s+def\s+main\s*\(`),
	regexp.MustCompile(`(?m)^\s*def\s+main\s*\(`),
	regexp.MustCompile(`(?m)^\s*if\s+__name__\s*==\s*["']__main__["']`),
	regexp.MustCompile(`asyncio\.run\s*\(`),
}

// callPattern matches "<module>.<function>(" and "await <module>.<function>("
// style provider calls in the user body.
var callPattern = regexp.MustCompile(`(?m)(?:^|[^\w.])([a-z][\w]*)\.([a-z_][\w]*)\s*\(`)

// fromModuleImport matches "from toolbox.<module> import a, b";
// toolboxImport matches "from toolbox import <name>".
var (
	fromModuleImport = regexp.MustCompile(`(?m)^\s*from\s+toolbox\.([\w]+)\s+import\s+(.+)$`)
	toolboxImport    = regexp.MustCompile(`(?m)^\s*from\s+toolbox\s+import\s+(.+)$`)
)

// nonProviderModules lists stdlib modules and other names (helpers,
// self) whose attribute calls are not provider calls.
var nonProviderModules = map[string]bool{
	"json": true, "re": true, "math": true, "datetime": true, "time": true,
	"itertools": true, "collections": true, "functools": true, "random": true,
	"string": true, "statistics": true, "helpers": true, "self": true,
}

// Analysis is the static summary of a sandbox code body.
type Analysis struct {
	// ProvidersUsed maps provider module name → function names called on it.
	ProvidersUsed map[string][]string
	// BareImports are names imported from the toolbox without a module
	// qualifier (treated as functions of unknown provider).
	BareImports []string
}

// Analyze statically inspects a code body: which provider modules it
// touches, which functions it calls on them, and whether it uses a
// forbidden top-level wrapper.
func Analyze(code string) (*Analysis, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("sandbox code is empty")
	}

	for _, pattern := range forbiddenWrappers {
		if loc := pattern.FindString(code); loc != "" {
			return nil, fmt.Errorf("sandbox code must be a bare statement body: remove %q", strings.TrimSpace(loc))
		}
	}

	analysis := &Analysis{ProvidersUsed: make(map[string][]string)}
	seen := make(map[string]map[string]bool)

	record := func(provider, fn string) {
		if nonProviderModules[provider] {
			return
		}
		if seen[provider] == nil {
			seen[provider] = make(map[string]bool)
		}
		if !seen[provider][fn] {
			seen[provider][fn] = true
			analysis.ProvidersUsed[provider] = append(analysis.ProvidersUsed[provider], fn)
		}
	}

	for _, m := range callPattern.FindAllStringSubmatch(code, -1) {
		record(m[1], m[2])
	}
	for _, m := range fromModuleImport.FindAllStringSubmatch(code, -1) {
		provider := m[1]
		for _, name := range strings.Split(m[2], ",") {
			name = strings.TrimSpace(strings.Split(strings.TrimSpace(name), " as ")[0])
			if name != "" && name != "*" {
				record(provider, name)
			}
		}
	}
	for _, m := range toolboxImport.FindAllStringSubmatch(code, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(strings.Split(strings.TrimSpace(name), " as ")[0])
			if name != "" && name != "*" {
				analysis.BareImports = append(analysis.BareImports, name)
			}
		}
	}

	return analysis, nil
}

// LooksLikeSyntaxError reports whether a sandbox failure is a Python
// syntax error (recoverable by the planner up to the retry cap).
func LooksLikeSyntaxError(stderr, errorText string) bool {
	combined := stderr + "\n" + errorText
	return strings.Contains(combined, "SyntaxError") ||
		strings.Contains(combined, "IndentationError")
}
