package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before trial calls.
	Timeout time.Duration
	// MaxRequests bounds the trial calls in flight while half-open.
	MaxRequests uint32
	// SuccessThreshold trial successes close the breaker again.
	SuccessThreshold uint32
	// IsFailure decides which errors count. By default every error except
	// a cancelled context does.
	IsFailure func(err error) bool
	Now       func() time.Time
	Logger    *zap.Logger
}

// Breaker stops calls to a remote peer after repeated failures and lets
// a few trial calls through once Timeout has passed.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	inFlight  uint32
	openedAt  time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Breaker{name: name, cfg: cfg}
}

// Execute runs fn unless the breaker refuses the call. A panic in fn
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	admitted, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(admitted, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.record(admitted, !b.cfg.IsFailure(err))
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) admit() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateOpen:
		return b.state, ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.MaxRequests {
			return b.state, ErrTooManyRequests
		}
		b.inFlight++
	}
	return b.state, nil
}

// record applies the outcome of a call admitted in state admitted.
// Outcomes from an earlier phase are dropped.
func (b *Breaker) record(admitted State, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if admitted == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	if admitted != b.state {
		return
	}

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if !ok {
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) advance() {
	if b.state == StateOpen && !b.cfg.Now().Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if to != StateHalfOpen {
		b.inFlight = 0
	}

	b.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
