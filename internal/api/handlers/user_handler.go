package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/authors"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/storage/sqlite"
	"github.com/fedsearch/backend/pkg/logger"
)

type AuthorLookup interface {
	Lookup(name string) (authors.Author, bool, error)
}

type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

type UserHandler struct {
	authors  AuthorLookup
	messages MessageGetter
}

func NewUserHandler(authors AuthorLookup, messages MessageGetter) *UserHandler {
	return &UserHandler{authors: authors, messages: messages}
}

type userEntry struct {
	ScreenName string              `json:"screen_name"`
	Name       string              `json:"name,omitempty"`
	FirstSeen  string              `json:"first_seen"`
	Status     *models.MessageJSON `json:"status,omitempty"`
}

// HandleUser answers with the stored profile of screen_name and its latest
// indexed message. An unknown name yields an empty users list.
func (h *UserHandler) HandleUser(c *fiber.Ctx) error {
	name := strings.TrimPrefix(strings.TrimSpace(c.Query("screen_name")), "@")

	author, found, err := h.authors.Lookup(name)
	if err != nil {
		logger.Error("Failed to look up author", zap.String("screen_name", name), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to look up user",
		})
	}

	users := []userEntry{}
	if found {
		entry := userEntry{
			ScreenName: name,
			FirstSeen:  author.FirstSeen.UTC().Format(time.RFC3339),
		}
		if author.LastMessageID != "" {
			m, err := h.messages.GetMessage(c.UserContext(), author.LastMessageID)
			switch {
			case err == nil:
				entry.ScreenName = m.Author.ScreenName
				entry.Name = m.Author.Name
				status := m.ToJSON()
				entry.Status = &status
			case errors.Is(err, sqlite.ErrMessageNotFound):
				logger.Debug("Latest message of author not indexed", zap.String("screen_name", name))
			default:
				logger.Warn("Failed to load latest message", zap.String("screen_name", name), zap.Error(err))
			}
		}
		users = append(users, entry)
	}

	count := "0"
	if found {
		count = "1"
	}
	return writeJSON(c, fiber.Map{
		"search_metadata": fiber.Map{
			"count":  count,
			"client": c.IP(),
		},
		"users": users,
	}, c.QueryBool("minified", false), c.Query("callback"))
}
