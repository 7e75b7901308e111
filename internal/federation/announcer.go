package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAnnouncerRunning = errors.New("announcer already running")

type AnnouncerConfig struct {
	Peers     []string
	PeerName  string
	HTTPPort  int
	HTTPSPort int
	Interval  time.Duration
	Timeout   time.Duration
	// Tick replaces the interval ticker in tests.
	Tick       func(d time.Duration) (<-chan time.Time, func())
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Announcer tells every peer this instance exists by calling its
// hello endpoint, once on start and then every Interval.
type Announcer struct {
	cfg        AnnouncerConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Tick == nil {
		cfg.Tick = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Announcer{cfg: cfg, httpClient: cfg.HTTPClient, logger: cfg.Logger}
}

func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return ErrAnnouncerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.run(ctx, a.done)

	a.logger.Info("Peer announcer started",
		zap.Int("peers", len(a.cfg.Peers)),
		zap.Duration("interval", a.cfg.Interval),
	)
	return nil
}

func (a *Announcer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticks, stop := a.cfg.Tick(a.cfg.Interval)
	defer stop()

	a.AnnounceOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			a.AnnounceOnce(ctx)
		}
	}
}

// Stop ends the loop and waits for an announcement in progress.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.logger.Info("Peer announcer stopped")
}

// AnnounceOnce greets every peer and returns how many acknowledged.
// Failures are logged only.
func (a *Announcer) AnnounceOnce(ctx context.Context) int {
	ok := 0
	for _, p := range a.cfg.Peers {
		if err := a.hello(ctx, p); err != nil {
			a.logger.Debug("Peer hello failed", zap.String("peer", p), zap.Error(err))
			continue
		}
		ok++
	}
	return ok
}

func (a *Announcer) hello(ctx context.Context, peer string) error {
	base := strings.TrimRight(strings.TrimSpace(peer), "/")
	if base == "" {
		return fmt.Errorf("empty peer address")
	}

	params := url.Values{}
	params.Set("port.http", strconv.Itoa(a.cfg.HTTPPort))
	params.Set("port.https", strconv.Itoa(a.cfg.HTTPSPort))
	params.Set("peername", a.cfg.PeerName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/hello.json?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach peer: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Peer: base, Status: resp.StatusCode}
	}
	return nil
}
