package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedsearch/backend/internal/retrieval"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
)

var base = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func msg(id, author string, offset time.Duration) *models.Message {
	return &models.Message{
		ID:        id,
		Author:    models.User{ScreenName: author},
		CreatedAt: base.Add(offset),
		Text:      "coffee " + id,
	}
}

type fakeLocal struct {
	mu     sync.Mutex
	msgs   []*models.Message
	hits   int
	aggs   map[string][]models.Facet
	err    error
	counts []int
	fields [][]string
	limits []int
}

func (f *fakeLocal) ExactSearch(_ context.Context, _ string, order timeline.Order, _, count, _ int, fields []string, facetLimit int) (*LocalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, count)
	f.fields = append(f.fields, fields)
	f.limits = append(f.limits, facetLimit)
	if f.err != nil {
		return nil, f.err
	}
	return &LocalResult{Timeline: timeline.FromMessages(order, f.msgs...), Hits: f.hits, Aggregations: f.aggs}, nil
}

type fakeScraper struct {
	mu      sync.Mutex
	all     []*models.Message
	fresh   []*models.Message
	err     error
	release chan struct{}
	queries []string
}

func (f *fakeScraper) Scrape(_ context.Context, nativeQuery string, order timeline.Order, _ int, _ string) (*timeline.Timeline, *timeline.Timeline, error) {
	f.mu.Lock()
	f.queries = append(f.queries, nativeQuery)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return timeline.FromMessages(order, f.all...), timeline.FromMessages(order, f.fresh...), nil
}

func (f *fakeScraper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakePeer struct {
	mu    sync.Mutex
	msgs  []*models.Message
	err   error
	modes []Source
}

func (f *fakePeer) RemoteSearch(_ context.Context, _ string, order timeline.Order, _, _ int, mode Source) (*timeline.Timeline, error) {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return timeline.FromMessages(order, f.msgs...), nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	authors [][]string
}

func (f *fakeNotifier) Notify(tl *timeline.Timeline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authors = append(f.authors, tl.Authors())
}

type fakeRecorder struct {
	mu    sync.Mutex
	obs   []retrieval.Observation
	blind []string
}

func (f *fakeRecorder) Observe(_ context.Context, o retrieval.Observation) (*models.QueryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, o)
	return &models.QueryEntry{Query: o.Query}, nil
}

func (f *fakeRecorder) ObserveBlind(_ context.Context, q string) (*models.QueryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blind = append(f.blind, q)
	return nil, nil
}

func (f *fakeRecorder) observations() []retrieval.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retrieval.Observation(nil), f.obs...)
}

type fixture struct {
	local    *fakeLocal
	scraper  *fakeScraper
	peer     *fakePeer
	notifier *fakeNotifier
	recorder *fakeRecorder
	engine   *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		local:    &fakeLocal{},
		scraper:  &fakeScraper{},
		peer:     &fakePeer{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
	}
	e, err := NewEngine(f.local, cfg,
		WithScraper(f.scraper),
		WithPeer(f.peer),
		WithNotifier(f.notifier),
		WithRecorder(f.recorder),
	)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

func TestSearchAll_MergesEverySource(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0), msg("2", "ben", time.Second)}
	f.local.hits = 57
	f.peer.msgs = []*models.Message{msg("2", "ben", time.Second), msg("3", "cat", 2*time.Second)}
	f.scraper.all = []*models.Message{msg("3", "cat", 2*time.Second), msg("4", "dan", 3*time.Second)}
	f.scraper.fresh = []*models.Message{msg("4", "dan", 3*time.Second)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceAll, Count: 10})
	require.NoError(t, err)

	assert.Equal(t, []string{"4", "3", "2", "1"}, resp.Timeline.IDs())
	assert.Len(t, resp.Messages, 4)
	assert.Equal(t, 57, resp.Hits)
	assert.Equal(t, 1, resp.NewRecords)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, []Source{SourceCache}, f.peer.modes, "peers are asked for their cache")
	assert.Equal(t, []string{"coffee"}, f.scraper.queries)

	obs := f.recorder.observations()
	require.Len(t, obs, 1, "one user search is one sample")
	assert.Equal(t, models.SourceScraper, obs[0].Source)
	assert.True(t, obs[0].ByUser)
	assert.Equal(t, "coffee", obs[0].Query)
	assert.Empty(t, f.recorder.blind)

	require.Len(t, f.notifier.authors, 1)
	assert.Equal(t, []string{"dan", "cat", "ben", "ann"}, f.notifier.authors[0])
}

func TestSearchAll_HitsAtLeastMergedSize(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}
	f.local.hits = 1
	f.peer.msgs = []*models.Message{msg("2", "ben", time.Second), msg("3", "cat", 2*time.Second)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Hits)
	assert.Equal(t, []string{"3", "2"}, resp.Timeline.IDs(), "truncated to count")
}

func TestSearchAll_SlowScraperIsAbandoned(t *testing.T) {
	f := newFixture(t, Config{ScrapeWait: 150 * time.Millisecond, FederationWait: 50 * time.Millisecond})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}
	f.peer.msgs = []*models.Message{msg("2", "ben", time.Second)}
	f.scraper.release = make(chan struct{})
	f.scraper.all = []*models.Message{msg("9", "zed", time.Hour)}
	f.scraper.fresh = f.scraper.all

	begin := time.Now()
	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Count: 10})
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, []string{"2", "1"}, resp.Timeline.IDs())
	assert.Zero(t, resp.NewRecords)

	close(f.scraper.release)
	assert.Eventually(t, func() bool { return len(f.recorder.observations()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"2", "1"}, resp.Timeline.IDs(), "late results never reach the response")
}

func TestSearchAll_ContextCancelStopsWaiting(t *testing.T) {
	f := newFixture(t, Config{ScrapeWait: time.Minute})
	f.scraper.release = make(chan struct{})
	defer close(f.scraper.release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err := f.engine.Search(ctx, Request{Query: "coffee"})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestSearchAll_FailingSourcesAreIsolated(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}
	f.local.hits = 1
	f.scraper.err = errors.New("blocked")
	f.peer.err = errors.New("peer down")

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, resp.Timeline.IDs())
	assert.Empty(t, f.recorder.observations())
}

func TestSearchAll_LocalFailureStillReturnsExternal(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.err = errors.New("database is locked")
	f.peer.msgs = []*models.Message{msg("2", "ben", 0)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, resp.Timeline.IDs())
	assert.Equal(t, 1, resp.Hits)
}

func TestSearchAll_EmptyQuerySkipsExternalSources(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "   "})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Timeline.Len())
	assert.Zero(t, f.scraper.calls())
	assert.Empty(t, f.peer.modes)
}

func TestSearch_ExternalResultsAreConstrained(t *testing.T) {
	f := newFixture(t, Config{})
	withImage := msg("5", "eve", 0)
	withImage.Images = []string{"https://img.example.org/5.jpg"}
	f.peer.msgs = []*models.Message{withImage, msg("6", "fay", time.Second)}
	f.scraper.all = []*models.Message{msg("7", "gus", 2 * time.Second)}
	f.scraper.fresh = f.scraper.all

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee /image"})
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, resp.Timeline.IDs())
	assert.Equal(t, []string{"coffee"}, f.scraper.queries, "constraints are not sent to the scraper")
}

func TestSearch_IDQueryForcesCache(t *testing.T) {
	for _, source := range []Source{SourceAll, SourceScrape} {
		t.Run(string(source), func(t *testing.T) {
			f := newFixture(t, Config{})
			f.local.msgs = []*models.Message{msg("42", "ann", 0)}

			resp, err := f.engine.Search(context.Background(), Request{Query: "id:42", Source: source})
			require.NoError(t, err)
			assert.Equal(t, SourceCache, resp.Source)
			assert.Equal(t, []string{"42"}, resp.Timeline.IDs())
			assert.Zero(t, f.scraper.calls())
			assert.Equal(t, []string{"id:42"}, f.recorder.blind)
		})
	}
}

func TestSearchScrape_MergesAllResults(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}
	f.scraper.all = []*models.Message{msg("3", "cat", time.Second), msg("4", "dan", 2*time.Second)}
	f.scraper.fresh = []*models.Message{msg("4", "dan", 2*time.Second)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceScrape})
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, resp.Timeline.IDs(), "the local index is not consulted")
	assert.Equal(t, 1, resp.NewRecords)
	assert.Empty(t, f.local.counts)

	obs := f.recorder.observations()
	require.Len(t, obs, 1)
	assert.Equal(t, models.SourceScraper, obs[0].Source)
	period, ok := obs[0].Sample.Period()
	require.True(t, ok)
	assert.Equal(t, time.Second, period)
}

func TestSearchBackend(t *testing.T) {
	f := newFixture(t, Config{})
	f.peer.msgs = []*models.Message{msg("2", "ben", 0)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceBackend})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, resp.Timeline.IDs())
	assert.Equal(t, []Source{SourceCache}, f.peer.modes)
	require.Len(t, f.recorder.observations(), 1)
	assert.Equal(t, models.SourceBackend, f.recorder.observations()[0].Source)

	resp, err = f.engine.Search(context.Background(), Request{Query: "", Source: SourceBackend})
	require.NoError(t, err)
	assert.Zero(t, resp.Timeline.Len())
	assert.Len(t, f.peer.modes, 1, "an empty query is not sent to peers")
}

func TestSearchCache_AggregationsAndBlindUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0)}
	f.local.hits = 12
	f.local.aggs = map[string][]models.Facet{
		"hashtags": {{Key: "a", Count: 3}, {Key: "b", Count: 2}, {Key: "c", Count: 1}},
	}

	resp, err := f.engine.Search(context.Background(), Request{
		Query:  "coffee",
		Source: SourceCache,
		Limit:  2,
		Fields: []string{"hashtags"},
	})
	require.NoError(t, err)
	assert.Equal(t, 12, resp.Hits)
	assert.Equal(t, f.local.aggs["hashtags"], resp.Aggregations["hashtags"], "the index applies the limit")
	assert.Equal(t, [][]string{{"hashtags"}}, f.local.fields)
	assert.Equal(t, []int{2}, f.local.limits)
	assert.Equal(t, []string{"coffee"}, f.recorder.blind)
	assert.Empty(t, f.recorder.observations())
	assert.Zero(t, f.scraper.calls())

	_, err = f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceCache, Fields: []string{"hashtags"}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 100}, f.local.limits, "facet limit defaults to 100")
}

func TestSearchAll_WithoutScraperIsBlind(t *testing.T) {
	local := &fakeLocal{msgs: []*models.Message{msg("1", "ann", 0)}}
	peer := &fakePeer{msgs: []*models.Message{msg("2", "ben", time.Second)}}
	recorder := &fakeRecorder{}
	e, err := NewEngine(local, Config{}, WithPeer(peer), WithRecorder(recorder))
	require.NoError(t, err)
	defer e.Close()

	resp, err := e.Search(context.Background(), Request{Query: "coffee"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, resp.Timeline.IDs())
	assert.Empty(t, recorder.observations())
	assert.Equal(t, []string{"coffee"}, recorder.blind)
}

func TestSearch_PeriodOnlyForCreationOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.local.msgs = []*models.Message{msg("1", "ann", 0), msg("2", "ben", time.Second), msg("3", "cat", 3*time.Second)}

	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceCache, Order: timeline.OrderCreatedAt})
	require.NoError(t, err)
	assert.True(t, resp.PeriodDefined)
	assert.Equal(t, 1500*time.Millisecond, resp.Period)

	resp, err = f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceCache, Order: timeline.OrderID})
	require.NoError(t, err)
	assert.False(t, resp.PeriodDefined)
}

func TestSearch_ServiceReductionIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	resp, err := f.engine.Search(context.Background(), Request{Query: "coffee", Source: SourceCache, Count: 10, ServiceReduction: true})
	require.NoError(t, err)
	assert.True(t, resp.ServiceReduction)
	assert.Equal(t, []int{10}, f.local.counts)
}

func TestNormalizeCount(t *testing.T) {
	f := newFixture(t, Config{})
	e := f.engine

	assert.Equal(t, 100, e.normalizeCount(0, "203.0.113.9"))
	assert.Equal(t, 25, e.normalizeCount(25, "203.0.113.9"))
	assert.Equal(t, 1000, e.normalizeCount(50000, "203.0.113.9"))
	assert.Equal(t, 10000, e.normalizeCount(50000, "127.0.0.1"))
	assert.Equal(t, 10000, e.normalizeCount(50000, "[::1]:8080"))
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		client string
		want   bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:9000", true},
		{"::1", true},
		{"localhost", true},
		{"10.0.0.1", false},
		{"example.org", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLoopback(tt.client), tt.client)
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Config{})
	f.scraper.all = []*models.Message{msg("3", "cat", 0), msg("4", "dan", time.Second)}
	f.scraper.fresh = f.scraper.all

	require.NoError(t, f.engine.Refresh(context.Background(), "coffee", 60))
	obs := f.recorder.observations()
	require.Len(t, obs, 1)
	assert.False(t, obs[0].ByUser)
	assert.Equal(t, 60, obs[0].TimezoneOffset)
	require.Len(t, f.notifier.authors, 1)

	f.scraper.err = errors.New("blocked")
	assert.Error(t, f.engine.Refresh(context.Background(), "coffee", 0))
	obs = f.recorder.observations()
	require.Len(t, obs, 2, "a failed refresh still counts as a retrieval")
	assert.False(t, obs[1].ByUser)
	_, ok := obs[1].Sample.Period()
	assert.False(t, ok)
}

func TestRefresh_WithoutScraper(t *testing.T) {
	e, err := NewEngine(&fakeLocal{}, Config{})
	require.NoError(t, err)
	defer e.Close()
	assert.ErrorIs(t, e.Refresh(context.Background(), "coffee", 0), ErrNoScraper)
}

func TestNewEngine_RequiresLocalIndex(t *testing.T) {
	_, err := NewEngine(nil, Config{})
	assert.ErrorIs(t, err, ErrLocalIndexRequired)
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, SourceScrape, ParseSource("twitter"))
	assert.Equal(t, SourceScrape, ParseSource("scrape"))
	assert.Equal(t, SourceCache, ParseSource(" CACHE "))
	assert.Equal(t, SourceBackend, ParseSource("backend"))
	assert.Equal(t, SourceAll, ParseSource("whatever"))
	assert.Equal(t, SourceAll, ParseSource(""))
}

type entryStore struct {
	mu      sync.Mutex
	entries map[string]models.QueryEntry
}

func (s *entryStore) GetQueryEntry(_ context.Context, q string) (*models.QueryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[q]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *entryStore) PutQueryEntry(_ context.Context, e *models.QueryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Query] = *e
	return nil
}

func (s *entryStore) DueQueryEntries(context.Context, time.Time, int) ([]*models.QueryEntry, error) {
	return nil, nil
}

func (s *entryStore) get(t *testing.T, q string) models.QueryEntry {
	t.Helper()
	e, err := s.GetQueryEntry(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, e)
	return *e
}

func TestSearchAll_SchedulesOneRetrievalPerSearch(t *testing.T) {
	store := &entryStore{entries: make(map[string]models.QueryEntry)}
	scheduler, err := retrieval.NewScheduler(store, retrieval.DefaultParams())
	require.NoError(t, err)

	scraper := &fakeScraper{all: []*models.Message{msg("3", "cat", 0), msg("4", "dan", time.Second)}}
	peer := &fakePeer{msgs: []*models.Message{msg("2", "ben", 0)}}
	e, err := NewEngine(&fakeLocal{}, Config{}, WithScraper(scraper), WithPeer(peer), WithRecorder(scheduler))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Search(context.Background(), Request{Query: "coffee"})
	require.NoError(t, err)

	entry := store.get(t, "coffee")
	assert.Equal(t, 1, entry.QueryCount)
	assert.Equal(t, 1, entry.RetrievalCount)
	assert.Equal(t, models.SourceScraper, entry.SourceType)
}

func TestRefresh_FailureBacksOff(t *testing.T) {
	store := &entryStore{entries: make(map[string]models.QueryEntry)}
	now := base
	scheduler, err := retrieval.NewScheduler(store, retrieval.DefaultParams(),
		retrieval.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	scraper := &fakeScraper{all: []*models.Message{msg("3", "cat", 0), msg("4", "dan", 2*time.Second)}}
	e, err := NewEngine(&fakeLocal{}, Config{}, WithScraper(scraper), WithRecorder(scheduler))
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Refresh(ctx, "coffee", 0))
	first := store.get(t, "coffee")
	require.Equal(t, 2*time.Second, first.MessagePeriod)

	scraper.err = errors.New("blocked")
	now = now.Add(time.Minute)
	require.Error(t, e.Refresh(ctx, "coffee", 0))

	second := store.get(t, "coffee")
	assert.Equal(t, 2, second.RetrievalCount)
	assert.Equal(t, 4*time.Second, second.MessagePeriod)
	assert.True(t, second.RetrievalNext.After(first.RetrievalNext))
	assert.Zero(t, second.QueryCount)
}
