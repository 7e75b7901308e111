package query

import (
	"strings"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
)

// constraintToken reports whether t is /c or -/c for a known constraint.
func constraintToken(t string) (Constraint, bool, bool) {
	switch {
	case strings.HasPrefix(t, "-/"):
		c, ok := parseConstraint(t[2:])
		return c, false, ok
	case strings.HasPrefix(t, "/"):
		c, ok := parseConstraint(t[1:])
		return c, true, ok
	}
	return "", false, false
}

// RemoveConstraints strips the attribute constraints and their negations
// from text, leaving the rest of the query for display or re-query.
func RemoveConstraints(text string) string {
	var kept []string
	for _, t := range tokenize(text) {
		if _, _, ok := constraintToken(t); ok {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}

// ParseConstraints extracts only the attribute constraints of raw.
func ParseConstraints(raw string) (positive, negative ConstraintSet) {
	positive, negative = ConstraintSet{}, ConstraintSet{}
	for _, t := range tokenize(raw) {
		c, pos, ok := constraintToken(t)
		if !ok {
			continue
		}
		if pos {
			positive[c] = true
		} else {
			negative[c] = true
		}
	}
	return positive, negative
}

// ApplyConstraint filters tl in place by the constraints found in raw.
// Sources that cannot express constraints natively run through this
// before their results are merged.
func ApplyConstraint(tl *timeline.Timeline, raw string) error {
	positive, negative := ParseConstraints(raw)
	if len(positive) == 0 && len(negative) == 0 {
		return nil
	}
	return tl.Filter(func(m *models.Message) bool {
		return satisfies(m, positive, negative)
	})
}

// TranslateForScraper rewrites raw into the scrape source's native
// syntax. Constraints are dropped since the source cannot evaluate them,
// and id modifiers are dropped since ids cannot be scraped.
func TranslateForScraper(raw string) string {
	var kept []string
	for _, t := range tokenize(raw) {
		if _, _, ok := constraintToken(t); ok {
			continue
		}
		if p := strings.IndexByte(t, ':'); p > 0 {
			if m, ok := knownModifier(t[:p]); ok && (m == modID || m == modNotID) {
				continue
			}
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}
