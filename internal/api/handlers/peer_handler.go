package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/federation"
	"github.com/fedsearch/backend/pkg/logger"
)

type IndexCounter interface {
	CountMessages(ctx context.Context) (int, error)
	CountQueryEntries(ctx context.Context) (int, error)
	CountDueQueryEntries(ctx context.Context, now time.Time) (int, error)
}

type AuthorCounter interface {
	Count() (int, error)
}

// ContributionCounter reports the cached answers per configured peer.
type ContributionCounter interface {
	Contributions(ctx context.Context) map[string]int64
}

type PeerHandler struct {
	directory     *federation.Directory
	index         IndexCounter
	authors       AuthorCounter
	contributions ContributionCounter
	peerName      string
	started       time.Time
	now           func() time.Time
}

type PeerOption func(*PeerHandler)

func WithContributions(counter ContributionCounter) PeerOption {
	return func(h *PeerHandler) { h.contributions = counter }
}

func NewPeerHandler(directory *federation.Directory, index IndexCounter, authors AuthorCounter, peerName string, opts ...PeerOption) *PeerHandler {
	h := &PeerHandler{
		directory: directory,
		index:     index,
		authors:   authors,
		peerName:  peerName,
		started:   time.Now(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleHello records a peer announcing itself.
func (h *PeerHandler) HandleHello(c *fiber.Ctx) error {
	info := federation.PeerInfo{
		Host:      c.IP(),
		Name:      c.Query("peername", "anonymous"),
		HTTPPort:  c.QueryInt("port.http", 0),
		HTTPSPort: c.QueryInt("port.https", 0),
	}
	h.directory.Register(info)

	logger.Debug("Peer said hello",
		zap.String("host", info.Host),
		zap.String("peername", info.Name),
		zap.Int("port_http", info.HTTPPort),
	)

	return c.JSON(fiber.Map{
		"status":   "ok",
		"peername": h.peerName,
	})
}

func (h *PeerHandler) HandleStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	now := h.now()

	sizes := fiber.Map{}
	if n, err := h.index.CountMessages(ctx); err == nil {
		sizes["messages"] = n
	} else {
		logger.Warn("Failed to count messages", zap.Error(err))
	}
	if n, err := h.index.CountQueryEntries(ctx); err == nil {
		sizes["queries"] = n
	} else {
		logger.Warn("Failed to count queries", zap.Error(err))
	}
	if n, err := h.index.CountDueQueryEntries(ctx, now); err == nil {
		sizes["queries_pending"] = n
	} else {
		logger.Warn("Failed to count pending queries", zap.Error(err))
	}
	if h.authors != nil {
		if n, err := h.authors.Count(); err == nil {
			sizes["users"] = n
		} else {
			logger.Warn("Failed to count authors", zap.Error(err))
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := fiber.Map{
		"system": fiber.Map{
			"assigned_memory": mem.Sys,
			"used_memory":     mem.HeapAlloc,
			"cores":           runtime.NumCPU(),
			"threads":         runtime.NumGoroutine(),
			"runtime":         now.Sub(h.started).Milliseconds(),
		},
		"index_sizes": sizes,
		"peers":       h.directory.List(),
		"client_info": fiber.Map{
			"client":   c.IP(),
			"peername": h.peerName,
		},
	}
	if h.contributions != nil {
		body["peer_contributions"] = h.contributions.Contributions(ctx)
	}

	return writeJSON(c, body, c.QueryBool("minified", false), c.Query("callback"))
}
