package query

import (
	"strings"
	"unicode"
)

// tokenize splits q on whitespace. Quoted runs ("…" or '…') stay in one
// token together with their quotes, also when they start mid-token as in
// near:"new york". An unterminated quote runs to the end of the token. A
// lone "-" is glued onto the token that follows it.
func tokenize(q string) []string {
	var raw []string
	runes := []rune(q)
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) {
			r := runes[i]
			if isQuote(r) && quoteOpens(runes, start, i) {
				if end := closingQuote(runes, i+1, r); end >= 0 {
					i = end + 1
					continue
				}
			}
			i++
		}
		raw = append(raw, string(runes[start:i]))
	}

	tokens := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == "-" {
			if i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
				raw[i+1] = "-" + raw[i+1]
			}
			continue
		}
		tokens = append(tokens, raw[i])
	}
	return tokens
}

func isQuote(r rune) bool {
	return r == '"' || r == '\''
}

// quoteOpens reports whether the quote at i may open a phrase: at the
// token start, after a leading "-", or right after a modifier colon.
// Apostrophes inside words (don't) never open one.
func quoteOpens(runes []rune, start, i int) bool {
	if i == start {
		return true
	}
	prev := runes[i-1]
	return (i == start+1 && prev == '-') || prev == ':'
}

func closingQuote(runes []rune, from int, quote rune) int {
	for j := from; j < len(runes); j++ {
		if runes[j] == quote {
			return j
		}
	}
	return -1
}

// unquote strips one pair of matching surrounding quotes.
func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}

// words lowercases s and splits it into letter/digit runs.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
