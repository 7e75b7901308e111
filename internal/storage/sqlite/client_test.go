package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "fedsearch.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

var base = time.Date(2015, 4, 2, 10, 0, 0, 0, time.UTC)

func fixtures() []*models.Message {
	return []*models.Message{
		{
			ID: "101", Author: models.User{ScreenName: "alice", Name: "Alice"}, CreatedAt: base,
			Text: "Fresh coffee in Berlin #coffee", Hashtags: []string{"coffee"}, PlaceName: "Berlin",
			Images: []string{"https://img/1.png"}, SourceType: models.SourceScraper,
		},
		{
			ID: "102", Author: models.User{ScreenName: "bob"}, CreatedAt: base.Add(time.Minute),
			Text: "Coffee with @alice", Mentions: []string{"alice"}, Hashtags: []string{"coffee", "morning"},
			SourceType: models.SourceScraper,
		},
		{
			ID: "103", Author: models.User{ScreenName: "carol"}, CreatedAt: base.Add(2 * time.Minute),
			Text: "Tea time", Hashtags: []string{"tea"}, SourceType: models.SourceUser,
		},
		{
			ID: "104", Author: models.User{ScreenName: "Alice"}, CreatedAt: base.Add(24 * time.Hour),
			Text: "coffeehouse review", Links: []string{"https://example.org"}, SourceType: models.SourceScraper,
		},
	}
}

func TestIndex_ReportsOnlyNewMessages(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	msgs := fixtures()

	fresh, err := c.Index(ctx, msgs[:2]...)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	fresh, err = c.Index(ctx, msgs...)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, "103", fresh[0].ID)
	assert.Equal(t, "104", fresh[1].ID)

	n, err := c.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestGetMessage_RoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	_, err := c.Index(ctx, fixtures()...)
	require.NoError(t, err)

	m, err := c.GetMessage(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Author.ScreenName)
	assert.Equal(t, "Alice", m.Author.Name)
	assert.True(t, base.Equal(m.CreatedAt))
	assert.Equal(t, []string{"https://img/1.png"}, m.Images)
	assert.Equal(t, "Berlin", m.PlaceName)
	assert.Equal(t, models.SourceScraper, m.SourceType)
	assert.Nil(t, m.Videos)

	_, err = c.GetMessage(ctx, "999")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestExactSearch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	_, err := c.Index(ctx, fixtures()...)
	require.NoError(t, err)

	cases := []struct {
		query string
		want  []string
	}{
		{"coffee", []string{"102", "101"}},
		{"coffee /image", []string{"101"}},
		{"coffee -#morning", []string{"101"}},
		{"from:alice", []string{"104", "101"}},
		{"-from:alice", []string{"103", "102"}},
		{"@alice", []string{"102"}},
		{"id:103", []string{"103"}},
		{"since:2015-04-03", []string{"104"}},
		{"until:2015-04-02", []string{"103", "102", "101"}},
		{"near:berlin", []string{"101"}},
		{`"tea time"`, []string{"103"}},
		{"", []string{"104", "103", "102", "101"}},
		{"nothing-matches-this", []string{}},
	}
	for _, tc := range cases {
		res, err := c.ExactSearch(ctx, tc.query, timeline.OrderCreatedAt, 0, 100, 0, nil, 0)
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.want, res.Timeline.IDs(), tc.query)
		assert.Equal(t, len(tc.want), res.Hits, tc.query)
	}
}

func TestExactSearch_Paging(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	_, err := c.Index(ctx, fixtures()...)
	require.NoError(t, err)

	res, err := c.ExactSearch(ctx, "", timeline.OrderCreatedAt, 0, 2, 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Hits)
	assert.Equal(t, []string{"103", "102"}, res.Timeline.IDs())

	res, err = c.ExactSearch(ctx, "", timeline.OrderCreatedAt, 0, 10, 10, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Hits)
	assert.Equal(t, 0, res.Timeline.Len())
}

func TestExactSearch_Aggregations(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	_, err := c.Index(ctx, fixtures()...)
	require.NoError(t, err)

	res, err := c.ExactSearch(ctx, "#coffee", timeline.OrderCreatedAt, 0, 100, 0,
		[]string{FieldHashtags, FieldScreenName, FieldCreatedAt}, 0)
	require.NoError(t, err)

	assert.Equal(t, []models.Facet{{Key: "morning", Count: 1}}, res.Aggregations[FieldHashtags],
		"the facet equal to the query is omitted")
	assert.Equal(t, []models.Facet{{Key: "alice", Count: 1}, {Key: "bob", Count: 1}}, res.Aggregations[FieldScreenName])
	assert.Equal(t, []models.Facet{{Key: "2015-04-02", Count: 2}}, res.Aggregations[FieldCreatedAt])

	res, err = c.ExactSearch(ctx, "#coffee", timeline.OrderCreatedAt, 0, 100, 0, []string{FieldScreenName}, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.Facet{{Key: "alice", Count: 1}}, res.Aggregations[FieldScreenName])
}

func TestQueryEntries(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	missing, err := c.GetQueryEntry(ctx, "coffee")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entries := []*models.QueryEntry{
		{Query: "coffee", QueryLength: 6, SourceType: models.SourceScraper, RetrievalLast: now, RetrievalNext: now.Add(-time.Minute), QueryCount: 3, MessagePeriod: 1500 * time.Millisecond, MessagesPerDay: 57600},
		{Query: "coffee beans", QueryLength: 12, RetrievalLast: now, RetrievalNext: now.Add(-time.Hour), QueryCount: 1},
		{Query: "tea", QueryLength: 3, RetrievalLast: now, RetrievalNext: now.Add(time.Hour), QueryCount: 7},
	}
	for _, e := range entries {
		require.NoError(t, c.PutQueryEntry(ctx, e))
	}

	got, err := c.GetQueryEntry(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, models.SourceScraper, got.SourceType)
	assert.Equal(t, 1500*time.Millisecond, got.MessagePeriod)
	assert.Equal(t, 57600, got.MessagesPerDay)
	assert.True(t, now.Equal(got.RetrievalLast))
	assert.True(t, got.QueryFirst.IsZero())

	defaulted, err := c.GetQueryEntry(ctx, "tea")
	require.NoError(t, err)
	assert.Equal(t, models.SourceUser, defaulted.SourceType)

	due, err := c.DueQueryEntries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "coffee beans", due[0].Query)
	assert.Equal(t, "coffee", due[1].Query)

	due, err = c.DueQueryEntries(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	got.QueryCount = 4
	require.NoError(t, c.PutQueryEntry(ctx, got))
	again, err := c.GetQueryEntry(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, 4, again.QueryCount)

	suggested, err := c.SuggestQueryEntries(ctx, SuggestOptions{Prefix: "coff", OrderBy: "query_count", Descending: true})
	require.NoError(t, err)
	require.Len(t, suggested, 2)
	assert.Equal(t, "coffee", suggested[0].Query)

	all, err := c.SuggestQueryEntries(ctx, SuggestOptions{OrderBy: "'; DROP TABLE query_entries; --"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "coffee beans", all[0].Query)

	total, err := c.CountQueryEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	pending, err := c.CountDueQueryEntries(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}
