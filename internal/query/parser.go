// Package query compiles the search query language into a predicate over
// messages.
//
// Syntax:
//
//	term -term "exact phrase" -"exact phrase"
//	@user -@user #tag -#tag
//	/image -/image (also audio, video, place, location, link, mention, hashtag)
//	id:N -id:N from:user -from:user to:user near:"place"
//	since:2015-04-01 until:2015-04-03 (local dates, _HH:MM optional)
//
// Parsing never fails. Anything that cannot be read as syntax is kept as
// a literal free-text term.
package query

import (
	"math"
	"strings"
	"time"
)

type Constraint string

const (
	ConstraintImage    Constraint = "image"
	ConstraintAudio    Constraint = "audio"
	ConstraintVideo    Constraint = "video"
	ConstraintPlace    Constraint = "place"
	ConstraintLocation Constraint = "location"
	ConstraintLink     Constraint = "link"
	ConstraintMention  Constraint = "mention"
	ConstraintHashtag  Constraint = "hashtag"
)

// Constraints lists the attribute kinds in a fixed order.
var Constraints = []Constraint{
	ConstraintImage,
	ConstraintAudio,
	ConstraintVideo,
	ConstraintPlace,
	ConstraintLocation,
	ConstraintLink,
	ConstraintMention,
	ConstraintHashtag,
}

func parseConstraint(name string) (Constraint, bool) {
	c := Constraint(strings.ToLower(name))
	for _, known := range Constraints {
		if c == known {
			return c, true
		}
	}
	return "", false
}

type ConstraintSet map[Constraint]bool

func (s ConstraintSet) Has(c Constraint) bool {
	return s[c]
}

var (
	// Epoch is the default lower time bound.
	Epoch = time.UnixMilli(0).UTC()
	// Infinity is the default upper time bound.
	Infinity = time.UnixMilli(math.MaxInt64).UTC()
)

// Compiled is the structured form of one query.
type Compiled struct {
	Raw string

	PositiveTerms    []string
	NegativeTerms    []string
	PositivePhrases  []string
	NegativePhrases  []string
	PositiveMentions []string
	NegativeMentions []string
	PositiveHashtags []string
	NegativeHashtags []string

	ID      string
	NotID   string
	From    string
	NotFrom string
	Near    string

	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time

	PositiveConstraints ConstraintSet
	NegativeConstraints ConstraintSet
}

// HasSince reports whether a lower bound was given.
func (c *Compiled) HasSince() bool {
	return c.Since.After(Epoch)
}

// HasUntil reports whether an upper bound was given.
func (c *Compiled) HasUntil() bool {
	return c.Until.Before(Infinity)
}

// HasIDModifier reports whether the query selects by message id.
func (c *Compiled) HasIDModifier() bool {
	return c.ID != "" || c.NotID != ""
}

type modifier string

const (
	modID      modifier = "id"
	modNotID   modifier = "-id"
	modFrom    modifier = "from"
	modNotFrom modifier = "-from"
	modTo      modifier = "to"
	modNear    modifier = "near"
	modSince   modifier = "since"
	modUntil   modifier = "until"
)

func knownModifier(key string) (modifier, bool) {
	switch m := modifier(strings.ToLower(key)); m {
	case modID, modNotID, modFrom, modNotFrom, modTo, modNear, modSince, modUntil:
		return m, true
	}
	return "", false
}

// Parse compiles raw. timezoneOffset is the client's offset in minutes
// as reported by JavaScript's getTimezoneOffset (UTC = local + offset).
func Parse(raw string, timezoneOffset int) *Compiled {
	c := &Compiled{
		Raw:                 raw,
		Since:               Epoch,
		Until:               Infinity,
		PositiveConstraints: ConstraintSet{},
		NegativeConstraints: ConstraintSet{},
	}

	mods := make(map[modifier]string)
	for _, t := range tokenize(raw) {
		c.classify(t, mods)
	}

	if to, ok := mods[modTo]; ok {
		c.PositiveMentions = append(c.PositiveMentions, strings.TrimPrefix(to, "@"))
	}
	c.ID = mods[modID]
	c.NotID = mods[modNotID]
	c.From = strings.TrimPrefix(mods[modFrom], "@")
	c.NotFrom = strings.TrimPrefix(mods[modNotFrom], "@")
	c.Near = mods[modNear]

	loc := clientZone(timezoneOffset)
	if s, ok := mods[modSince]; ok {
		if since, err := parseDate(s, loc); err == nil {
			c.Since = since
		}
	}
	if s, ok := mods[modUntil]; ok {
		if until, err := parseDate(s, loc); err == nil {
			if until.Hour() == 0 && until.Minute() == 0 {
				until = until.AddDate(0, 0, 1)
			}
			c.Until = until
		}
	}

	return c
}

func (c *Compiled) classify(t string, mods map[modifier]string) {
	if t == "" {
		return
	}
	switch {
	case strings.HasPrefix(t, "@") && len(t) > 1:
		c.PositiveMentions = append(c.PositiveMentions, t[1:])
		return
	case strings.HasPrefix(t, "-@") && len(t) > 2:
		c.NegativeMentions = append(c.NegativeMentions, t[2:])
		return
	case strings.HasPrefix(t, "#") && len(t) > 1:
		c.PositiveHashtags = append(c.PositiveHashtags, t[1:])
		return
	case strings.HasPrefix(t, "-#") && len(t) > 2:
		c.NegativeHashtags = append(c.NegativeHashtags, t[2:])
		return
	case strings.HasPrefix(t, "/"):
		if con, ok := parseConstraint(t[1:]); ok {
			c.PositiveConstraints[con] = true
			return
		}
	case strings.HasPrefix(t, "-/"):
		if con, ok := parseConstraint(t[2:]); ok {
			c.NegativeConstraints[con] = true
			return
		}
	}

	if p := strings.IndexByte(t, ':'); p > 0 {
		if m, ok := knownModifier(t[:p]); ok {
			value, _ := unquote(t[p+1:])
			if value != "" {
				mods[m] = value
				return
			}
		}
	}

	negative := strings.HasPrefix(t, "-") && len(t) > 1
	body := t
	if negative {
		body = t[1:]
	}
	if phrase, quoted := unquote(body); quoted {
		if phrase == "" {
			return
		}
		if negative {
			c.NegativePhrases = append(c.NegativePhrases, phrase)
		} else {
			c.PositivePhrases = append(c.PositivePhrases, phrase)
		}
		return
	}
	if negative {
		c.NegativeTerms = append(c.NegativeTerms, body)
	} else {
		c.PositiveTerms = append(c.PositiveTerms, body)
	}
}

func clientZone(timezoneOffset int) *time.Location {
	if timezoneOffset == 0 {
		return time.UTC
	}
	return time.FixedZone("client", -timezoneOffset*60)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02_15:04",
	"2006-01-02_15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
