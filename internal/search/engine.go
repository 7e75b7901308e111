package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/query"
	"github.com/fedsearch/backend/internal/retrieval"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/config"
)

var (
	ErrLocalIndexRequired = errors.New("local index is required")
	ErrNoScraper          = errors.New("no scrape source configured")
)

type Config struct {
	ScrapeWait        time.Duration
	FederationWait    time.Duration
	DefaultCount      int
	MaxCount          int
	LocalhostMaxCount int
	// FacetLimit caps each aggregation when a request sets no limit.
	FacetLimit int
	PoolSize   int
}

func DefaultConfig() Config {
	return Config{
		ScrapeWait:        8 * time.Second,
		FederationWait:    5 * time.Second,
		DefaultCount:      100,
		MaxCount:          1000,
		LocalhostMaxCount: 10000,
		FacetLimit:        100,
		PoolSize:          64,
	}
}

func ConfigFromSettings(cfg config.SearchConfig) Config {
	c := DefaultConfig()
	if cfg.ScrapeWait > 0 {
		c.ScrapeWait = cfg.ScrapeWait
	}
	if cfg.FederationWait > 0 {
		c.FederationWait = cfg.FederationWait
	}
	if cfg.DefaultCount > 0 {
		c.DefaultCount = cfg.DefaultCount
	}
	if cfg.MaxCount > 0 {
		c.MaxCount = cfg.MaxCount
	}
	if cfg.LocalhostMaxCount > 0 {
		c.LocalhostMaxCount = cfg.LocalhostMaxCount
	}
	if cfg.PoolSize > 0 {
		c.PoolSize = cfg.PoolSize
	}
	return c
}

type Option func(*Engine)

func WithScraper(s Scraper) Option {
	return func(e *Engine) { e.scraper = s }
}

func WithPeer(p Peer) Option {
	return func(e *Engine) { e.peer = p }
}

func WithNotifier(n AuthorNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine fans a query out to the local index, a federation peer and the
// scrape source and merges what arrives in time.
type Engine struct {
	local    LocalIndex
	scraper  Scraper
	peer     Peer
	notifier AuthorNotifier
	recorder Recorder

	cfg    Config
	pool   *ants.Pool
	logger *zap.Logger
}

func NewEngine(local LocalIndex, cfg Config, opts ...Option) (*Engine, error) {
	if local == nil {
		return nil, ErrLocalIndexRequired
	}
	def := DefaultConfig()
	if cfg.ScrapeWait <= 0 {
		cfg.ScrapeWait = def.ScrapeWait
	}
	if cfg.FederationWait <= 0 {
		cfg.FederationWait = def.FederationWait
	}
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = def.DefaultCount
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = def.MaxCount
	}
	if cfg.LocalhostMaxCount <= 0 {
		cfg.LocalhostMaxCount = def.LocalhostMaxCount
	}
	if cfg.FacetLimit <= 0 {
		cfg.FacetLimit = def.FacetLimit
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}

	e := &Engine{local: local, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create search pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Close releases the worker pool. Workers still running finish on their own.
func (e *Engine) Close() {
	e.pool.Release()
}

// Search runs req and never fails because of a single source: failing
// or slow sources are logged and contribute nothing.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	q := strings.TrimSpace(req.Query)
	mode := req.Source
	if mode == "" {
		mode = SourceAll
	}
	if (mode == SourceAll || mode == SourceScrape) && query.Parse(q, req.TimezoneOffset).HasIDModifier() {
		mode = SourceCache
	}
	count := e.normalizeCount(req.Count, req.Client)

	resp := &Response{
		RequestID:        uuid.NewString(),
		Query:            q,
		Source:           mode,
		ItemsPerPage:     count,
		ServiceReduction: req.ServiceReduction,
	}
	logger := e.logger.With(zap.String("request_id", resp.RequestID), zap.String("query", q), zap.String("source", string(mode)))

	tl := timeline.New(req.Order)
	var hits int
	switch mode {
	case SourceAll:
		hits, resp.NewRecords = e.searchAll(ctx, logger, req, q, count, tl, start)
	case SourceScrape:
		if q == "" {
			break
		}
		fresh, err := e.scrapeInto(ctx, tl, q, req.Order, req.TimezoneOffset, !req.Background, true)
		if err != nil {
			logger.Warn("Scrape failed", zap.Error(err))
			break
		}
		resp.NewRecords = fresh
	case SourceBackend:
		if q == "" {
			break
		}
		if err := e.remoteInto(ctx, tl, q, req, count, true); err != nil {
			logger.Warn("Federation search failed", zap.Error(err))
		}
	case SourceCache:
		limit := req.Limit
		if limit <= 0 {
			limit = e.cfg.FacetLimit
		}
		res, err := e.localSearch(ctx, q, req.Order, req.TimezoneOffset, count, req.Fields, limit)
		if err != nil {
			logger.Warn("Local search failed", zap.Error(err))
			break
		}
		e.merge(tl, res.Timeline, SourceCache)
		hits = res.Hits
		resp.Aggregations = res.Aggregations
		e.observeBlind(ctx, q)
	}

	tl.Seal()
	if e.notifier != nil {
		e.notifier.Notify(tl)
	}

	// Workers abandoned above may still hold tl, so the response is cut
	// from a private copy.
	page := timeline.FromMessages(req.Order, ptrs(tl.Messages())...)
	resp.Hits = max(hits, page.Len())
	if err := page.Truncate(count); err != nil {
		logger.Warn("Failed to truncate response", zap.Error(err))
	}
	page.Seal()
	resp.Timeline = page
	resp.Messages = page.Messages()
	if req.Order == timeline.OrderCreatedAt {
		resp.Period, resp.PeriodDefined = resp.Timeline.Period()
	}
	resp.Elapsed = time.Since(start)

	metrics.SearchDuration.WithLabelValues(string(mode)).Observe(resp.Elapsed.Seconds())
	metrics.SearchTotal.WithLabelValues(string(mode), "ok").Inc()
	logger.Info("Search completed",
		zap.Int("count", len(resp.Messages)),
		zap.Int("hits", resp.Hits),
		zap.Int("new_records", resp.NewRecords),
		zap.Duration("elapsed", resp.Elapsed),
	)
	return resp, nil
}

// Refresh re-issues q against the scrape source on behalf of the
// retrieval scheduler. A failed scrape is recorded as an empty sample so
// the query backs off instead of staying due.
func (e *Engine) Refresh(ctx context.Context, q string, timezoneOffset int) error {
	tl := timeline.New(timeline.OrderCreatedAt)
	fresh, err := e.scrapeInto(ctx, tl, q, timeline.OrderCreatedAt, timezoneOffset, false, true)
	if err != nil {
		if !errors.Is(err, ErrNoScraper) {
			e.observe(ctx, retrieval.Observation{
				Query:          q,
				TimezoneOffset: timezoneOffset,
				Source:         models.SourceScraper,
				Sample:         timeline.New(timeline.OrderCreatedAt),
			})
		}
		return err
	}
	if e.notifier != nil {
		e.notifier.Notify(tl)
	}
	e.logger.Debug("Query refreshed", zap.String("query", q), zap.Int("new_records", fresh))
	return nil
}

func (e *Engine) searchAll(ctx context.Context, logger *zap.Logger, req Request, q string, count int, tl *timeline.Timeline, start time.Time) (int, int) {
	var newRecords atomic.Int64

	var scrapeDone, federationDone <-chan struct{}
	if q != "" && e.scraper != nil {
		scrapeDone = e.spawn(ctx, SourceScrape, func(ctx context.Context) {
			fresh, err := e.scrapeInto(ctx, tl, q, req.Order, req.TimezoneOffset, !req.Background, false)
			if err != nil {
				logger.Warn("Scrape failed", zap.Error(err))
				return
			}
			newRecords.Store(int64(fresh))
		})
	}
	if q != "" && e.peer != nil {
		federationDone = e.spawn(ctx, SourceBackend, func(ctx context.Context) {
			if err := e.remoteInto(ctx, tl, q, req, count, false); err != nil {
				logger.Warn("Federation search failed", zap.Error(err))
			}
		})
	}
	// Without a scraper nothing re-samples the query; the answer comes
	// from stored data.
	if q != "" && e.scraper == nil {
		e.observeBlind(ctx, q)
	}

	hits := 0
	res, err := e.localSearch(ctx, q, req.Order, req.TimezoneOffset, count, nil, 0)
	if err != nil {
		logger.Warn("Local search failed", zap.Error(err))
	} else {
		e.merge(tl, res.Timeline, SourceCache)
		hits = res.Hits
	}

	e.await(ctx, logger, federationDone, start.Add(e.cfg.FederationWait), SourceBackend)
	e.await(ctx, logger, scrapeDone, start.Add(e.cfg.ScrapeWait), SourceScrape)

	return hits, int(newRecords.Load())
}

// scrapeInto runs the scrape source and merges its constrained result
// into tl: every message when mergeAll is set, otherwise only those the
// local index had not seen. It returns the number of new messages.
func (e *Engine) scrapeInto(ctx context.Context, tl *timeline.Timeline, q string, order timeline.Order, timezoneOffset int, byUser, mergeAll bool) (int, error) {
	if e.scraper == nil {
		return 0, ErrNoScraper
	}

	all, fresh, err := e.scraper.Scrape(ctx, query.TranslateForScraper(q), order, timezoneOffset, "")
	if err != nil {
		metrics.SourceFailures.WithLabelValues(string(SourceScrape), reason(err)).Inc()
		return 0, fmt.Errorf("scrape %q: %w", q, err)
	}
	if all == nil {
		all = timeline.New(order)
	}
	if fresh == nil {
		fresh = timeline.New(order)
	}
	metrics.SourceResults.WithLabelValues(string(SourceScrape)).Observe(float64(all.Len()))

	e.observe(ctx, retrieval.Observation{
		Query:          q,
		TimezoneOffset: timezoneOffset,
		Source:         models.SourceScraper,
		Sample:         all,
		ByUser:         byUser,
	})

	merged := fresh
	if mergeAll {
		merged = all
	}
	if err := query.ApplyConstraint(merged, q); err != nil {
		e.logger.Debug("Constraint filter skipped", zap.Error(err))
	}
	e.merge(tl, merged, SourceScrape)
	return fresh.Len(), nil
}

// remoteInto merges a peer's cached answer into tl. Only a backend-mode
// request records it as a sample; in all mode the scrape does that.
func (e *Engine) remoteInto(ctx context.Context, tl *timeline.Timeline, q string, req Request, count int, record bool) error {
	if e.peer == nil {
		return errors.New("no federation peer configured")
	}

	remote, err := e.peer.RemoteSearch(ctx, q, req.Order, count, req.TimezoneOffset, SourceCache)
	if err != nil {
		metrics.SourceFailures.WithLabelValues(string(SourceBackend), reason(err)).Inc()
		return err
	}
	if remote == nil {
		return nil
	}
	metrics.SourceResults.WithLabelValues(string(SourceBackend)).Observe(float64(remote.Len()))

	if err := query.ApplyConstraint(remote, q); err != nil {
		e.logger.Debug("Constraint filter skipped", zap.Error(err))
	}
	if record {
		e.observe(ctx, retrieval.Observation{
			Query:          q,
			TimezoneOffset: req.TimezoneOffset,
			Source:         models.SourceBackend,
			Sample:         remote,
			ByUser:         !req.Background,
		})
	}
	e.merge(tl, remote, SourceBackend)
	return nil
}

func (e *Engine) localSearch(ctx context.Context, q string, order timeline.Order, timezoneOffset, count int, fields []string, facetLimit int) (*LocalResult, error) {
	res, err := e.local.ExactSearch(ctx, q, order, timezoneOffset, count, 0, fields, facetLimit)
	if err != nil {
		metrics.SourceFailures.WithLabelValues(string(SourceCache), reason(err)).Inc()
		return nil, err
	}
	if res.Timeline == nil {
		res.Timeline = timeline.New(order)
	}
	metrics.SourceResults.WithLabelValues(string(SourceCache)).Observe(float64(res.Timeline.Len()))
	return res, nil
}

// spawn runs fn on the pool, detached from ctx cancellation so an
// abandoned worker can still finish. The returned channel closes when fn
// returns.
func (e *Engine) spawn(ctx context.Context, source Source, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	wctx := context.WithoutCancel(ctx)
	err := e.pool.Submit(func() {
		defer close(done)
		fn(wctx)
	})
	if err != nil {
		e.logger.Warn("Search pool rejected task", zap.String("source", string(source)), zap.Error(err))
		metrics.SourceFailures.WithLabelValues(string(source), "overload").Inc()
		close(done)
	}
	return done
}

// await waits for done until deadline. A source still running after that
// is abandoned; whatever it merges later is dropped.
func (e *Engine) await(ctx context.Context, logger *zap.Logger, done <-chan struct{}, deadline time.Time, source Source) {
	if done == nil {
		return
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logger.Warn("Source exceeded its wait budget", zap.String("source", string(source)))
		metrics.SourceFailures.WithLabelValues(string(source), "timeout").Inc()
	case <-ctx.Done():
		logger.Debug("Request ended before source finished", zap.String("source", string(source)))
	}
}

func (e *Engine) merge(tl, other *timeline.Timeline, source Source) {
	if err := tl.Merge(other); err != nil {
		if errors.Is(err, timeline.ErrSealed) {
			metrics.LateDrops.WithLabelValues(string(source)).Inc()
			e.logger.Debug("Dropped late results", zap.String("source", string(source)), zap.Int("messages", other.Len()))
			return
		}
		e.logger.Warn("Merge failed", zap.String("source", string(source)), zap.Error(err))
	}
}

func (e *Engine) observe(ctx context.Context, o retrieval.Observation) {
	if e.recorder == nil || o.Query == "" {
		return
	}
	if _, err := e.recorder.Observe(ctx, o); err != nil {
		e.logger.Warn("Failed to update query schedule", zap.String("query", o.Query), zap.Error(err))
	}
}

func (e *Engine) observeBlind(ctx context.Context, q string) {
	if e.recorder == nil || q == "" {
		return
	}
	if _, err := e.recorder.ObserveBlind(ctx, q); err != nil {
		e.logger.Warn("Failed to update query schedule", zap.String("query", q), zap.Error(err))
	}
}

func (e *Engine) normalizeCount(count int, client string) int {
	if count <= 0 {
		count = e.cfg.DefaultCount
	}
	limit := e.cfg.MaxCount
	if IsLoopback(client) {
		limit = e.cfg.LocalhostMaxCount
	}
	return min(count, limit)
}

// IsLoopback reports whether client names the local host.
func IsLoopback(client string) bool {
	host := client
	if h, _, err := net.SplitHostPort(client); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func ptrs(msgs []models.Message) []*models.Message {
	out := make([]*models.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, models.ErrMalformedRecord):
		return "malformed"
	default:
		return "error"
	}
}
