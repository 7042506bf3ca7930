// Package redact masks secret-looking values in event payloads and log
// records before they leave the process.
package redact

import (
	"regexp"
	"strings"
)

// MaskedValue replaces any value judged sensitive.
const MaskedValue = "***MASKED***"

// sensitiveKeys are payload keys whose values are always masked,
// case-insensitively and regardless of content.
var sensitiveKeys = []string{
	"api_key", "apikey", "authorization", "access_token", "refresh_token",
	"bearer_token", "client_secret", "password", "secret", "token",
	"private_key", "credentials",
}

// compiledPattern pairs a regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns catch inline secrets in free-form text values.
var builtinPatterns = []compiledPattern{
	{
		name:        "bearer_header",
		regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
		replacement: "Bearer " + MaskedValue,
	},
	{
		name:        "api_key_assignment",
		regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)(["']?\s*[:=]\s*["']?)[^\s"',}]{6,}`),
		replacement: "$1$2" + MaskedValue,
	},
	{
		name:        "openai_key",
		regex:       regexp.MustCompile(`sk-[A-Za-z0-9\-_]{16,}`),
		replacement: MaskedValue,
	},
}

// String applies the built-in patterns to free-form text.
func String(text string) string {
	for _, p := range builtinPatterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// Value walks a decoded JSON value, masking sensitive keys and inline
// secrets in string leaves. Returns a masked copy; the input is not
// modified.
func Value(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			if isSensitiveKey(k) {
				out[k] = MaskedValue
				continue
			}
			out[k] = Value(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = Value(child)
		}
		return out
	case string:
		return String(node)
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s {
			return true
		}
	}
	return false
}
