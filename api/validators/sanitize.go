package validators

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText trims input and cuts it to maxRunes without splitting a character.
func SanitizeText(input string, maxRunes int) string {
	trimmed := strings.TrimSpace(input)
	if maxRunes <= 0 || utf8.RuneCountInString(trimmed) <= maxRunes {
		return trimmed
	}
	return strings.TrimSpace(string([]rune(trimmed)[:maxRunes]))
}
