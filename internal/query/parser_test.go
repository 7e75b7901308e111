package query

import (
	"testing"
	"time"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Scenario(t *testing.T) {
	c := Parse("hello @alice -#spam /image", 0)

	assert.Equal(t, []string{"hello"}, c.PositiveTerms)
	assert.Equal(t, []string{"alice"}, c.PositiveMentions)
	assert.Equal(t, []string{"spam"}, c.NegativeHashtags)
	assert.True(t, c.PositiveConstraints.Has(ConstraintImage))
	assert.Empty(t, c.NegativeTerms)
	assert.Empty(t, c.PositiveHashtags)
	assert.Empty(t, c.NegativeConstraints)
	assert.Equal(t, Epoch, c.Since)
	assert.Equal(t, Infinity, c.Until)
}

func TestParse_Classification(t *testing.T) {
	c := Parse(`go -java "exact words" -'not this' -@bob #golang -/video from:rob -from:ken to:@ann id:7 -id:8 near:"new york" foo:bar`, 0)

	assert.Equal(t, []string{"go", "foo:bar"}, c.PositiveTerms)
	assert.Equal(t, []string{"java"}, c.NegativeTerms)
	assert.Equal(t, []string{"exact words"}, c.PositivePhrases)
	assert.Equal(t, []string{"not this"}, c.NegativePhrases)
	assert.Equal(t, []string{"ann"}, c.PositiveMentions)
	assert.Equal(t, []string{"bob"}, c.NegativeMentions)
	assert.Equal(t, []string{"golang"}, c.PositiveHashtags)
	assert.True(t, c.NegativeConstraints.Has(ConstraintVideo))
	assert.Equal(t, "rob", c.From)
	assert.Equal(t, "ken", c.NotFrom)
	assert.Equal(t, "7", c.ID)
	assert.Equal(t, "8", c.NotID)
	assert.Equal(t, "new york", c.Near)
	assert.True(t, c.HasIDModifier())
}

func TestParse_BareDashJoinsNextToken(t *testing.T) {
	c := Parse("coffee - tea - #decaf", 0)
	assert.Equal(t, []string{"coffee"}, c.PositiveTerms)
	assert.Equal(t, []string{"tea"}, c.NegativeTerms)
	assert.Equal(t, []string{"decaf"}, c.NegativeHashtags)

	trailing := Parse("coffee -", 0)
	assert.Equal(t, []string{"coffee"}, trailing.PositiveTerms)
	assert.Empty(t, trailing.NegativeTerms)
}

func TestParse_Total(t *testing.T) {
	inputs := []string{
		"", "   ", "-", "--", "@", "#", "/", "-/", "\"", "'", "\"unterminated phrase",
		"since:", "until:garbage", "near:", ":::", "-\"\"", "/nonsense", "ünïcödé #ß",
		"don't stop", "a\tb\nc",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Parse(in, 120) }, "input %q", in)
	}

	c := Parse("/nonsense @ # until:garbage", 0)
	assert.Equal(t, []string{"/nonsense", "@", "#"}, c.PositiveTerms)
	assert.Equal(t, Infinity, c.Until)

	apostrophe := Parse("don't stop", 0)
	assert.Equal(t, []string{"don't", "stop"}, apostrophe.PositiveTerms)
}

func TestParse_Dates(t *testing.T) {
	t.Run("until at midnight includes the day", func(t *testing.T) {
		c := Parse("since:2015-04-01 until:2015-04-03", 0)
		assert.Equal(t, time.Date(2015, 4, 1, 0, 0, 0, 0, time.UTC), c.Since.UTC())
		assert.Equal(t, time.Date(2015, 4, 4, 0, 0, 0, 0, time.UTC), c.Until.UTC())
		assert.True(t, c.HasSince())
		assert.True(t, c.HasUntil())
	})

	t.Run("until with a time is exclusive as given", func(t *testing.T) {
		c := Parse("until:2015-04-03_12:30", 0)
		assert.Equal(t, time.Date(2015, 4, 3, 12, 30, 0, 0, time.UTC), c.Until.UTC())
		assert.False(t, c.HasSince())
	})

	t.Run("timezone offset shifts local dates", func(t *testing.T) {
		// UTC+2 reports -120.
		c := Parse("since:2015-04-01", -120)
		assert.Equal(t, time.Date(2015, 3, 31, 22, 0, 0, 0, time.UTC), c.Since.UTC())

		west := Parse("since:2015-04-01", 300)
		assert.Equal(t, time.Date(2015, 4, 1, 5, 0, 0, 0, time.UTC), west.Since.UTC())
	})

	t.Run("bad since keeps until", func(t *testing.T) {
		c := Parse("since:nope until:2015-04-03", 0)
		assert.Equal(t, Epoch, c.Since)
		assert.Equal(t, time.Date(2015, 4, 4, 0, 0, 0, 0, time.UTC), c.Until.UTC())
	})
}

func TestRemoveConstraints(t *testing.T) {
	assert.Equal(t, "hello @alice", RemoveConstraints("hello /image @alice -/video"))
	assert.Equal(t, "", RemoveConstraints("/image"))
	assert.Equal(t, "x /unknown", RemoveConstraints("x /unknown /LINK"))

	inputs := []string{
		"hello @alice -#spam /image",
		"/place coffee -tea \"flat white\" -/link",
		"- milk /audio since:2020-01-01",
	}
	for _, in := range inputs {
		stripped := RemoveConstraints(in)
		before := Parse(in, 0)
		after := Parse(stripped, 0)
		assert.Equal(t, before.PositiveTerms, after.PositiveTerms, in)
		assert.Equal(t, before.NegativeTerms, after.NegativeTerms, in)
		assert.Equal(t, before.PositivePhrases, after.PositivePhrases, in)
		assert.Empty(t, after.PositiveConstraints)
		assert.Empty(t, after.NegativeConstraints)
		assert.Equal(t, stripped, RemoveConstraints(stripped))
	}
}

func TestTranslateForScraper(t *testing.T) {
	assert.Equal(t, `coffee from:bob near:"new york"`, TranslateForScraper(`coffee /image from:bob id:12 near:"new york" -/link`))
}

func TestApplyConstraint(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	withImage := &models.Message{ID: "1", CreatedAt: at, Images: []string{"a.png"}}
	withPlace := &models.Message{ID: "2", CreatedAt: at, PlaceName: "Berlin"}
	plain := &models.Message{ID: "3", CreatedAt: at, Links: []string{"http://x"}}

	tl := timeline.FromMessages(timeline.OrderCreatedAt, withImage, withPlace, plain)
	require.NoError(t, ApplyConstraint(tl, "coffee /image"))
	assert.Equal(t, []string{"1"}, tl.IDs())

	tl = timeline.FromMessages(timeline.OrderID, withImage, withPlace, plain)
	require.NoError(t, ApplyConstraint(tl, "-/location"))
	assert.Equal(t, []string{"3", "1"}, tl.IDs())

	tl = timeline.FromMessages(timeline.OrderID, withImage, withPlace, plain)
	require.NoError(t, ApplyConstraint(tl, "no constraints here"))
	assert.Equal(t, 3, tl.Len())
}
