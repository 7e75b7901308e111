package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/circuitbreaker"
	"github.com/fedsearch/backend/pkg/retry"
)

const statusesBody = `{
  "search_metadata": {"count": "2"},
  "statuses": [
    {"id_str": "10", "screen_name": "ann", "created_at": "2024-03-01T10:00:00Z", "text": "hello #go", "hashtags": ["go"]},
    {"id_str": "11", "screen_name": "ben", "created_at": "2024-03-01T11:00:00Z", "text": "hi"}
  ]
}`

type memoryCache struct {
	mu       sync.Mutex
	entries  map[string][]models.Message
	counters map[string]int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]models.Message{}, counters: map[string]int{}}
}

func (m *memoryCache) GetTimeline(_ context.Context, key string) ([]*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]*models.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out, true, nil
}

func (m *memoryCache) SetTimeline(_ context.Context, key string, msgs []models.Message, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = msgs
	return nil
}

func (m *memoryCache) IncrementCounter(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return nil
}

func (m *memoryCache) GetCounter(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.counters[name]), nil
}

func testRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newTestClient(t *testing.T, cache TimelineCache, peers ...string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Peers:    peers,
		Cache:    cache,
		CacheTTL: time.Minute,
		Retry:    testRetry(),
		Breaker:  circuitbreaker.Config{FailureThreshold: 3},
	})
	require.NoError(t, err)
	return c
}

func TestRemoteSearch_DecodesStatuses(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(statusesBody))
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv.URL+"/")
	tl, err := c.RemoteSearch(context.Background(), "hello", timeline.OrderCreatedAt, 50, -120, search.SourceCache)
	require.NoError(t, err)

	assert.Equal(t, []string{"11", "10"}, tl.IDs())
	m, ok := find(tl, "10")
	require.True(t, ok)
	assert.Equal(t, []string{"go"}, m.Hashtags)

	require.NotNil(t, got)
	assert.Equal(t, "/api/search.json", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "hello", q.Get("q"))
	assert.Equal(t, "cache", q.Get("source"))
	assert.Equal(t, "50", q.Get("count"))
	assert.Equal(t, "-120", q.Get("timezoneOffset"))
	assert.Equal(t, "created_at", q.Get("order"))
	assert.Equal(t, "true", q.Get("minified"))
}

func TestRemoteSearch_FailsOverToNextPeer(t *testing.T) {
	var downHits int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downHits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(statusesBody))
	}))
	defer up.Close()

	c := newTestClient(t, nil, down.URL, up.URL)
	tl, err := c.RemoteSearch(context.Background(), "x", timeline.OrderID, 10, 0, search.SourceCache)
	require.NoError(t, err)
	assert.Equal(t, 2, tl.Len())
	assert.Equal(t, int32(2), atomic.LoadInt32(&downHits), "server errors are retried")
}

func TestRemoteSearch_ClientErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv.URL)
	_, err := c.RemoteSearch(context.Background(), "x", timeline.OrderID, 10, 0, search.SourceCache)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRemoteSearch_MalformedStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"statuses":[{"id_str":"1","screen_name":"ann","text":"no date"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv.URL)
	_, err := c.RemoteSearch(context.Background(), "x", timeline.OrderID, 10, 0, search.SourceCache)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func TestRemoteSearch_EmptyStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"statuses":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil, srv.URL)
	tl, err := c.RemoteSearch(context.Background(), "x", timeline.OrderID, 10, 0, search.SourceCache)
	require.NoError(t, err)
	assert.Zero(t, tl.Len())
}

func TestRemoteSearch_ReadThroughCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(statusesBody))
	}))
	defer srv.Close()

	cache := newMemoryCache()
	c := newTestClient(t, cache, srv.URL)
	ctx := context.Background()

	first, err := c.RemoteSearch(ctx, "hello", timeline.OrderCreatedAt, 10, 0, search.SourceCache)
	require.NoError(t, err)
	second, err := c.RemoteSearch(ctx, "hello", timeline.OrderCreatedAt, 10, 0, search.SourceCache)
	require.NoError(t, err)

	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, cache.counters["peer:"+srv.URL])
	assert.Equal(t, map[string]int64{srv.URL: 1}, c.Contributions(ctx))

	_, err = c.RemoteSearch(ctx, "hello", timeline.OrderCreatedAt, 20, 0, search.SourceCache)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "a different count is a different key")
}

func TestRemoteSearch_OpenBreakerSkipsPeer(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		Peers:   []string{srv.URL},
		Retry:   retry.Config{MaxAttempts: 1},
		Breaker: circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.RemoteSearch(ctx, "x", timeline.OrderID, 10, 0, search.SourceCache)
		require.Error(t, err)
	}
	_, err = c.RemoteSearch(ctx, "x", timeline.OrderID, 10, 0, search.SourceCache)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRemoteSearch_NoPeers(t *testing.T) {
	c := newTestClient(t, nil, "", "  ")
	assert.Empty(t, c.Peers())
	_, err := c.RemoteSearch(context.Background(), "x", timeline.OrderID, 10, 0, search.SourceCache)
	assert.ErrorIs(t, err, ErrNoPeers)
}

func find(tl *timeline.Timeline, id string) (models.Message, bool) {
	for _, m := range tl.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}
