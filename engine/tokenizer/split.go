package tokenizer

import (
	"strings"
	"unicode"
)

// splitWords segments normalised text. Runs of letters, digits and other
// non-punctuation runes form one word; each punctuation or symbol rune is a
// word of its own; whitespace only separates.
func splitWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
		case isPunct(r):
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			words = append(words, string(r))
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// normalize trims and lowercases input, collapsing internal whitespace runs.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
