package retrieval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
)

var ErrPollerRunning = errors.New("poller already running")

// Refresher re-issues a query against the external sources.
type Refresher interface {
	Refresh(ctx context.Context, q string, timezoneOffset int) error
}

type PollerConfig struct {
	Interval  time.Duration
	BatchSize int
	PoolSize  int
	Now       func() time.Time
	Logger    *zap.Logger
}

// Poller periodically re-issues queries whose retrieval time has come, in
// ascending retrieval_next order.
type Poller struct {
	store     Store
	refresher Refresher
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
	pool      *ants.Pool

	inflight sync.Map

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(store Store, refresher Refresher, cfg PollerConfig) (*Poller, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	return &Poller{
		store:     store,
		refresher: refresher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		logger:    cfg.Logger,
		pool:      pool,
	}, nil
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPollerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, p.done)

	p.logger.Info("Retrieval poller started",
		zap.Duration("interval", p.interval),
		zap.Int("batch_size", p.batchSize),
	)
	return nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Stop ends the loop, waits for the current round and releases the pool.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.pool.Release()
	p.logger.Info("Retrieval poller stopped")
}

// Tick runs one polling round and returns the number of queries re-issued.
// Queries still being refreshed from an earlier round are skipped.
func (p *Poller) Tick(ctx context.Context) int {
	due, err := p.store.DueQueryEntries(ctx, p.now(), p.batchSize)
	if err != nil {
		p.logger.Error("Failed to load due queries", zap.Error(err))
		return 0
	}

	var wg sync.WaitGroup
	submitted := 0
	for _, e := range due {
		q, tz := e.Query, e.TimezoneOffset
		if _, busy := p.inflight.LoadOrStore(q, struct{}{}); busy {
			continue
		}

		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			defer p.inflight.Delete(q)

			if err := p.refresher.Refresh(ctx, q, tz); err != nil {
				metrics.PollerRefreshes.WithLabelValues("error").Inc()
				p.logger.Warn("Refresh failed", zap.String("query", q), zap.Error(err))
				return
			}
			metrics.PollerRefreshes.WithLabelValues("ok").Inc()
		})
		if err != nil {
			wg.Done()
			p.inflight.Delete(q)
			p.logger.Error("Failed to submit refresh", zap.String("query", q), zap.Error(err))
			continue
		}
		submitted++
	}
	wg.Wait()

	if submitted > 0 {
		p.logger.Debug("Poll round finished", zap.Int("refreshed", submitted))
	}
	return submitted
}
