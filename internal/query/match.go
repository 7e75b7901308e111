package query

import (
	"strings"

	"github.com/fedsearch/backend/internal/storage/models"
)

// Match evaluates the compiled predicate against m.
func (c *Compiled) Match(m *models.Message) bool {
	if m.CreatedAt.Before(c.Since) || !m.CreatedAt.Before(c.Until) {
		return false
	}
	if c.ID != "" && m.ID != c.ID {
		return false
	}
	if c.NotID != "" && m.ID == c.NotID {
		return false
	}
	if c.From != "" && !strings.EqualFold(m.Author.ScreenName, c.From) {
		return false
	}
	if c.NotFrom != "" && strings.EqualFold(m.Author.ScreenName, c.NotFrom) {
		return false
	}

	var textWords map[string]bool
	lazyWords := func() map[string]bool {
		if textWords == nil {
			textWords = make(map[string]bool)
			for _, w := range words(m.Text) {
				textWords[w] = true
			}
		}
		return textWords
	}
	lowerText := strings.ToLower(m.Text)

	for _, t := range c.PositiveTerms {
		if !containsTerm(lowerText, lazyWords, t) {
			return false
		}
	}
	for _, t := range c.NegativeTerms {
		if containsTerm(lowerText, lazyWords, t) {
			return false
		}
	}
	for _, p := range c.PositivePhrases {
		if !strings.Contains(lowerText, strings.ToLower(p)) {
			return false
		}
	}
	for _, p := range c.NegativePhrases {
		if strings.Contains(lowerText, strings.ToLower(p)) {
			return false
		}
	}
	for _, u := range c.PositiveMentions {
		if !containsFold(m.Mentions, u) {
			return false
		}
	}
	for _, u := range c.NegativeMentions {
		if containsFold(m.Mentions, u) {
			return false
		}
	}
	for _, h := range c.PositiveHashtags {
		if !containsFold(m.Hashtags, h) {
			return false
		}
	}
	for _, h := range c.NegativeHashtags {
		if containsFold(m.Hashtags, h) {
			return false
		}
	}
	if c.Near != "" {
		near := strings.ToLower(c.Near)
		if !strings.Contains(strings.ToLower(m.PlaceName), near) && !strings.Contains(lowerText, near) {
			return false
		}
	}

	return satisfies(m, c.PositiveConstraints, c.NegativeConstraints)
}

// containsTerm matches a term word by word. Terms without any letter or
// digit fall back to substring search.
func containsTerm(lowerText string, textWords func() map[string]bool, term string) bool {
	ws := words(term)
	if len(ws) == 0 {
		return strings.Contains(lowerText, strings.ToLower(term))
	}
	set := textWords()
	for _, w := range ws {
		if !set[w] {
			return false
		}
	}
	return true
}

func containsFold(values []string, want string) bool {
	want = strings.TrimLeft(want, "@#")
	for _, v := range values {
		if strings.EqualFold(strings.TrimLeft(v, "@#"), want) {
			return true
		}
	}
	return false
}

// HasAttribute reports whether m carries the attribute named by c. Place
// and location are answered by the same check.
func HasAttribute(m *models.Message, c Constraint) bool {
	switch c {
	case ConstraintImage:
		return len(m.Images) > 0
	case ConstraintAudio:
		return len(m.Audio) > 0
	case ConstraintVideo:
		return len(m.Videos) > 0
	case ConstraintPlace, ConstraintLocation:
		return m.PlaceName != ""
	case ConstraintLink:
		return len(m.Links) > 0
	case ConstraintMention:
		return len(m.Mentions) > 0
	case ConstraintHashtag:
		return len(m.Hashtags) > 0
	}
	return false
}

func satisfies(m *models.Message, positive, negative ConstraintSet) bool {
	for c := range positive {
		if !HasAttribute(m, c) {
			return false
		}
	}
	for c := range negative {
		if HasAttribute(m, c) {
			return false
		}
	}
	return true
}

// IndexWords returns the ASCII words every matching message must contain
// in its text. Stores use them to narrow candidates before calling Match.
func (c *Compiled) IndexWords() []string {
	var out []string
	for _, t := range c.PositiveTerms {
		for _, w := range words(t) {
			if isASCIIWord(w) {
				out = append(out, w)
			}
		}
	}
	return out
}

func isASCIIWord(w string) bool {
	for i := 0; i < len(w); i++ {
		b := w[i]
		if !(b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_') {
			return false
		}
	}
	return w != ""
}
