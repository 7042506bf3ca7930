package summarizer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate number of characters per token for
// English text. Threshold estimation only — not exact counting.
const charsPerToken = 4

// maxSummarizerInputTokens is the safety net on summarizer input: the
// prompt plus the truncated payload must fit the model context window.
const maxSummarizerInputTokens = 100000

// EstimateTokens returns an approximate token count for the given text.
// len() counts bytes, so multi-byte content overestimates slightly —
// the safe direction, since summarization then triggers a little early.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken // Round up
}

// truncateForInput cuts the payload at the summarizer input limit on a
// line boundary, avoiding splits inside multi-byte characters.
func truncateForInput(content string) string {
	maxChars := maxSummarizerInputTokens * charsPerToken
	if len(content) <= maxChars {
		return content
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: input exceeded summarization limit — original size %dB]", len(content))
}
