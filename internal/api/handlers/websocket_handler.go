package handlers

import (
	"context"
	"net"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/middleware/ratelimit"
	"github.com/fedsearch/backend/pkg/logger"
)

// Evaluator judges every websocket search like the HTTP middleware
// judges every request.
type Evaluator interface {
	Evaluate(client string) ratelimit.Verdict
	Delayer
}

type WebSocketHandler struct {
	engine Searcher
	gate   Evaluator
}

func NewWebSocketHandler(engine Searcher, gate Evaluator) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
		gate:   gate,
	}
}

type wsRequest struct {
	Type           string `json:"type"`
	Query          string `json:"q"`
	Source         string `json:"source"`
	Order          string `json:"order"`
	Fields         string `json:"fields"`
	Count          int    `json:"count"`
	TimezoneOffset int    `json:"timezoneOffset"`
	Limit          int    `json:"limit"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	client := remoteHost(c.RemoteAddr())
	logger.Info("WebSocket connection established", zap.String("client", client))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("client", client))
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "search" {
			continue
		}

		if err := h.streamSearch(c, client, msg); err != nil {
			logger.Error("Failed to stream search", zap.Error(err))
			break
		}
	}
}

// streamSearch sends one "message" frame per result followed by a
// "complete" frame carrying the metadata.
func (h *WebSocketHandler) streamSearch(c *websocket.Conn, client string, msg wsRequest) error {
	ctx := context.Background()

	verdict := h.gate.Evaluate(client)
	if verdict.Blackout {
		return h.sendError(c, "your ("+client+") request frequency is too high")
	}

	req := parseSearchRequest(msg.Query, msg.Source, msg.Order, msg.Fields, msg.Count, msg.TimezoneOffset, msg.Limit)
	req.Client = client
	applyVerdict(verdict, &req)

	if err := c.WriteJSON(map[string]any{"type": "status", "content": "searching"}); err != nil {
		return err
	}

	response, err := h.engine.Search(ctx, req)
	if err != nil {
		logger.Error("Failed to process search", zap.Error(err))
		return h.sendError(c, "Failed to process search")
	}

	result := renderSearch(response, client)
	for _, status := range result.Statuses {
		if err := c.WriteJSON(map[string]any{"type": "message", "content": status}); err != nil {
			return err
		}
	}

	if verdict.ServiceReduction {
		h.gate.Delay(ctx, client)
	}

	return c.WriteJSON(map[string]any{
		"type":            "complete",
		"search_metadata": result.Metadata,
		"aggregations":    result.Aggregations,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(map[string]any{
		"type":  "error",
		"error": errorMsg,
	})
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
