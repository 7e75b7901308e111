package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
)

// ErrBlackout is the only condition allowed to abort a request before
// orchestration.
var ErrBlackout = errors.New("request frequency too high")

// VerdictKey is the fiber.Ctx Locals key holding the request's Verdict.
const VerdictKey = "gate_verdict"

type Verdict struct {
	Client           string
	Frequency        int
	Blackout         bool
	ServiceReduction bool

	reductionCount int
}

// Apply enforces a service-reduction verdict: only the local cache is
// consulted and at most the reduction count is returned.
func (v Verdict) Apply(count *int, source *string) {
	if !v.ServiceReduction {
		return
	}
	if *count <= 0 || *count > v.reductionCount {
		*count = v.reductionCount
	}
	*source = "cache"
}

type window struct {
	mu       sync.Mutex
	hits     []time.Time
	lastSeen time.Time
}

// Gate tracks request frequency per client over a sliding window and
// issues blackout and service-reduction verdicts.
type Gate struct {
	windows map[string]*window
	mu      sync.RWMutex

	blackoutLimit  int
	reductionLimit int
	reductionCount int
	reductionDelay time.Duration
	span           time.Duration

	sleeping sync.Map

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	logger *zap.Logger

	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	BlackoutPerSecond  int
	ReductionPerSecond int
	ReductionCount     int
	ReductionDelay     time.Duration
	Window             time.Duration
	CleanupInterval    time.Duration
	Logger             *zap.Logger

	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration)
}

func New(cfg Config) *Gate {
	if cfg.BlackoutPerSecond == 0 {
		cfg.BlackoutPerSecond = 20
	}
	if cfg.ReductionPerSecond == 0 {
		cfg.ReductionPerSecond = 10
	}
	if cfg.ReductionCount == 0 {
		cfg.ReductionCount = 10
	}
	if cfg.ReductionDelay == 0 {
		cfg.ReductionDelay = 2 * time.Second
	}
	if cfg.Window == 0 {
		cfg.Window = time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	g := &Gate{
		windows:        make(map[string]*window),
		blackoutLimit:  cfg.BlackoutPerSecond,
		reductionLimit: cfg.ReductionPerSecond,
		reductionCount: cfg.ReductionCount,
		reductionDelay: cfg.ReductionDelay,
		span:           cfg.Window,
		now:            cfg.Now,
		sleep:          cfg.Sleep,
		logger:         cfg.Logger,
		cleanupTicker:  time.NewTicker(cfg.CleanupInterval),
		done:           make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// Evaluate records one request from client and judges its frequency.
func (g *Gate) Evaluate(client string) Verdict {
	g.mu.RLock()
	w, exists := g.windows[client]
	g.mu.RUnlock()

	if !exists {
		g.mu.Lock()
		if w, exists = g.windows[client]; !exists {
			w = &window{}
			g.windows[client] = w
		}
		g.mu.Unlock()
	}

	w.mu.Lock()
	now := g.now()
	cutoff := now.Add(-g.span)
	kept := w.hits[:0]
	for _, hit := range w.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	w.hits = append(kept, now)
	w.lastSeen = now
	frequency := len(w.hits)
	w.mu.Unlock()

	v := Verdict{
		Client:           client,
		Frequency:        frequency,
		Blackout:         frequency > g.blackoutLimit,
		ServiceReduction: frequency > g.reductionLimit,
		reductionCount:   g.reductionCount,
	}

	switch {
	case v.Blackout:
		metrics.GateVerdicts.WithLabelValues("blackout").Inc()
	case v.ServiceReduction:
		metrics.GateVerdicts.WithLabelValues("reduction").Inc()
	default:
		metrics.GateVerdicts.WithLabelValues("pass").Inc()
	}

	return v
}

// Delay holds a service-reduced client for the configured delay. Only one
// delay per client runs at a time; concurrent callers return false
// immediately.
func (g *Gate) Delay(ctx context.Context, client string) bool {
	flag, _ := g.sleeping.LoadOrStore(client, new(atomic.Bool))
	guard := flag.(*atomic.Bool)
	if !guard.CompareAndSwap(false, true) {
		return false
	}
	defer guard.Store(false)

	g.logger.Debug("Delaying service-reduced client",
		zap.String("client", client),
		zap.Duration("delay", g.reductionDelay),
	)
	g.sleep(ctx, g.reductionDelay)
	return true
}

func (g *Gate) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		v := g.Evaluate(c.IP())

		if v.Blackout {
			g.logger.Warn("Request blacked out",
				zap.String("client", v.Client),
				zap.Int("frequency", v.Frequency),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "your (" + v.Client + ") request frequency is too high",
			})
		}

		c.Locals(VerdictKey, v)
		return c.Next()
	}
}

// VerdictFrom returns the verdict stored by Middleware.
func VerdictFrom(c *fiber.Ctx) Verdict {
	v, _ := c.Locals(VerdictKey).(Verdict)
	return v
}

func (g *Gate) cleanup() {
	for {
		select {
		case <-g.done:
			return
		case <-g.cleanupTicker.C:
			g.reap()
		}
	}
}

func (g *Gate) reap() {
	g.mu.Lock()
	defer g.mu.Unlock()
	idle := g.now().Add(-10 * g.span)
	for client, w := range g.windows {
		w.mu.Lock()
		if w.lastSeen.Before(idle) {
			delete(g.windows, client)
		}
		w.mu.Unlock()
	}
}

func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		g.cleanupTicker.Stop()
		close(g.done)
	})
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
