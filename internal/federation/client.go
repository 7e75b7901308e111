package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/circuitbreaker"
	"github.com/fedsearch/backend/pkg/retry"
	"github.com/fedsearch/backend/pkg/utils"
)

var ErrNoPeers = errors.New("no federation peers configured")

// StatusError is returned when a peer answers with a non-200 status.
type StatusError struct {
	Peer   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer %s returned status %d", e.Peer, e.Status)
}

// TimelineCache is the read-through cache in front of the peers.
// internal/cache/redis implements it.
type TimelineCache interface {
	GetTimeline(ctx context.Context, key string) ([]*models.Message, bool, error)
	SetTimeline(ctx context.Context, key string, msgs []models.Message, ttl time.Duration) error
	IncrementCounter(ctx context.Context, name string) error
	GetCounter(ctx context.Context, name string) (int64, error)
}

type Config struct {
	Peers      []string
	Timeout    time.Duration
	CacheTTL   time.Duration
	Cache      TimelineCache
	Retry      retry.Config
	Breaker    circuitbreaker.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type peer struct {
	base    string
	breaker *circuitbreaker.Breaker
}

// Client searches federation peers over their JSON search API. Peers are
// tried in configuration order; the first one that answers wins.
type Client struct {
	peers      []*peer
	cache      TimelineCache
	cacheTTL   time.Duration
	retry      retry.Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Logger = cfg.Logger

	c := &Client{
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		retry:      cfg.Retry,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}

	for _, raw := range cfg.Peers {
		base := strings.TrimRight(strings.TrimSpace(raw), "/")
		if base == "" {
			continue
		}
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", raw, err)
		}
		breakerCfg := cfg.Breaker
		if breakerCfg.Logger == nil {
			breakerCfg.Logger = cfg.Logger
		}
		c.peers = append(c.peers, &peer{
			base:    base,
			breaker: circuitbreaker.New("peer:"+base, breakerCfg),
		})
	}

	c.logger.Info("Federation client initialized", zap.Int("peers", len(c.peers)))
	return c, nil
}

func (c *Client) Peers() []string {
	out := make([]string, len(c.peers))
	for i, p := range c.peers {
		out[i] = p.base
	}
	return out
}

// Contributions reports how many answers each peer has placed in the
// cache. It is empty without a cache; unreadable counters are left out.
func (c *Client) Contributions(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(c.peers))
	if c.cache == nil {
		return out
	}
	for _, p := range c.peers {
		n, err := c.cache.GetCounter(ctx, "peer:"+p.base)
		if err != nil {
			c.logger.Debug("Peer counter read failed", zap.String("peer", p.base), zap.Error(err))
			continue
		}
		out[p.base] = n
	}
	return out
}

// RemoteSearch asks the peers for q. A cached answer is served without
// contacting any peer.
func (c *Client) RemoteSearch(ctx context.Context, q string, order timeline.Order, count, timezoneOffset int, mode search.Source) (*timeline.Timeline, error) {
	if len(c.peers) == 0 {
		return nil, ErrNoPeers
	}

	key := utils.CacheKey(q, order.String(), strconv.Itoa(count), strconv.Itoa(timezoneOffset), string(mode))
	if c.cache != nil {
		msgs, ok, err := c.cache.GetTimeline(ctx, key)
		if err != nil {
			c.logger.Warn("Timeline cache read failed", zap.Error(err))
		} else if ok {
			return timeline.FromMessages(order, msgs...), nil
		}
	}

	var errs []error
	for _, p := range c.peers {
		msgs, err := c.searchPeer(ctx, p, q, order, count, timezoneOffset, mode)
		if err != nil {
			c.logger.Warn("Peer search failed",
				zap.String("peer", p.base),
				zap.String("query", q),
				zap.Error(err),
			)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		tl := timeline.FromMessages(order, msgs...)
		c.store(ctx, key, p.base, tl)
		return tl, nil
	}

	return nil, fmt.Errorf("all federation peers failed: %w", errors.Join(errs...))
}

func (c *Client) store(ctx context.Context, key, base string, tl *timeline.Timeline) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetTimeline(ctx, key, tl.Messages(), c.cacheTTL); err != nil {
		c.logger.Warn("Timeline cache write failed", zap.Error(err))
	}
	if err := c.cache.IncrementCounter(ctx, "peer:"+base); err != nil {
		c.logger.Debug("Peer counter update failed", zap.Error(err))
	}
}

func (c *Client) searchPeer(ctx context.Context, p *peer, q string, order timeline.Order, count, timezoneOffset int, mode search.Source) ([]*models.Message, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("source", string(mode))
	params.Set("count", strconv.Itoa(count))
	params.Set("timezoneOffset", strconv.Itoa(timezoneOffset))
	params.Set("order", order.String())
	params.Set("minified", "true")
	target := p.base + "/api/search.json?" + params.Encode()

	var msgs []*models.Message
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			var err error
			msgs, err = c.fetch(ctx, p.base, target)
			return err
		})
	})
	if err != nil {
		metrics.SourceFailures.WithLabelValues(string(search.SourceBackend), failureReason(err)).Inc()
		return nil, err
	}
	return msgs, nil
}

func (c *Client) fetch(ctx context.Context, base, target string) ([]*models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query peer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		statusErr := &StatusError{Peer: base, Status: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var payload struct {
		Statuses json.RawMessage `json:"statuses"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	raw := bytes.TrimSpace(payload.Statuses)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	msgs, err := models.DecodeMessages(raw)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode statuses: %w", err))
	}
	return msgs, nil
}

func failureReason(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, models.ErrMalformedRecord):
		return "malformed"
	case errors.As(err, &statusErr):
		return "status"
	default:
		return "transport"
	}
}
