package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/storage/models"
)

var ErrStoreRequired = errors.New("query entry store is required")

// Store persists query entries. Get returns nil without error for a query
// that has never been observed.
type Store interface {
	GetQueryEntry(ctx context.Context, q string) (*models.QueryEntry, error)
	PutQueryEntry(ctx context.Context, e *models.QueryEntry) error
	DueQueryEntries(ctx context.Context, now time.Time, limit int) ([]*models.QueryEntry, error)
}

type Observation struct {
	Query          string
	TimezoneOffset int
	Source         models.SourceType
	Sample         PeriodEstimator
	ByUser         bool
}

const lockStripes = 64

// Scheduler keeps the retrieval schedule of every query. Updates of the
// same query are serialised; distinct queries proceed in parallel unless
// they share a lock stripe.
type Scheduler struct {
	store  Store
	params Params
	now    func() time.Time
	logger *zap.Logger
	locks  [lockStripes]sync.Mutex
}

type SchedulerOption func(*Scheduler)

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func NewScheduler(store Store, params Params, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	s := &Scheduler{
		store:  store,
		params: params,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) lockFor(q string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(q))
	return &s.locks[h.Sum32()%lockStripes]
}

// Observe folds a fresh sample into the query's entry, creating it on first
// sight.
func (s *Scheduler) Observe(ctx context.Context, o Observation) (*models.QueryEntry, error) {
	mu := s.lockFor(o.Query)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.GetQueryEntry(ctx, o.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to load query entry: %w", err)
	}

	now := s.now()
	kind := "update"
	if e == nil {
		kind = "create"
		e = NewEntry(o.Query, o.TimezoneOffset, o.Source, o.Sample, o.ByUser, now, s.params)
	} else {
		Update(e, o.Sample, o.ByUser, now, s.params)
	}

	if err := s.store.PutQueryEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to store query entry: %w", err)
	}
	metrics.SchedulerUpdates.WithLabelValues(kind).Inc()

	s.logger.Debug("Query entry scheduled",
		zap.String("query", e.Query),
		zap.Duration("message_period", e.MessagePeriod),
		zap.Time("retrieval_next", e.RetrievalNext),
	)
	return e, nil
}

// ObserveBlind counts a resubmission answered without external sources.
// Unknown queries are left unscheduled.
func (s *Scheduler) ObserveBlind(ctx context.Context, q string) (*models.QueryEntry, error) {
	mu := s.lockFor(q)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.GetQueryEntry(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load query entry: %w", err)
	}
	if e == nil {
		return nil, nil
	}

	BlindUpdate(e, s.now())
	if err := s.store.PutQueryEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to store query entry: %w", err)
	}
	metrics.SchedulerUpdates.WithLabelValues("blind").Inc()
	return e, nil
}
