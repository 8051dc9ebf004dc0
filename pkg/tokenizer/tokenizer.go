package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// CountTokens provides a rough token count estimate.
// Words average ~1.33 tokens for English; long unbroken runs (URLs, code)
// fall back to ~4 runes per token.
func CountTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	byWords := len(strings.Fields(text)) * 4 / 3
	byRunes := utf8.RuneCountInString(text) / 4
	return max(byWords, byRunes, 1)
}

// FitNewest returns the longest suffix of texts whose combined estimate
// stays within budget. Order is preserved. A budget <= 0 means no limit.
func FitNewest(texts []string, budget int) []string {
	if budget <= 0 {
		return texts
	}
	used := 0
	i := len(texts)
	for i > 0 {
		n := CountTokens(texts[i-1])
		if used+n > budget {
			break
		}
		used += n
		i--
	}
	return texts[i:]
}
