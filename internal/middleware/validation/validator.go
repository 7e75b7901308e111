package validation

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// QueryKey is the fiber.Ctx Locals key holding the sanitized query text.
const QueryKey = "sanitized_query"

var integerParams = []string{"count", "timezoneOffset", "limit"}

type Config struct {
	MaxQueryLength int
	Logger         *zap.Logger
}

// Middleware normalizes the search parameters before they reach a handler.
// Nothing is refused: broken UTF-8 is dropped, an over-long query is cut
// to MaxQueryLength runes and a malformed number falls back to the
// handler's default. Query text is free form, so markup is passed on as
// search terms and escaped only on output.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2048
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		for _, name := range integerParams {
			raw := c.Query(name)
			if raw == "" {
				continue
			}
			if _, err := strconv.Atoi(strings.TrimSpace(raw)); err != nil {
				cfg.Logger.Debug("Ignoring malformed integer parameter",
					zap.String("param", name),
					zap.String("value", raw),
				)
			}
		}

		c.Locals(QueryKey, Sanitize(c.Query("q"), cfg.MaxQueryLength))
		return c.Next()
	}
}

// Sanitize returns valid, trimmed UTF-8 of at most maxRunes runes.
func Sanitize(input string, maxRunes int) string {
	input = strings.ToValidUTF8(input, "")
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if maxRunes > 0 && utf8.RuneCountInString(input) > maxRunes {
		input = strings.TrimSpace(string([]rune(input)[:maxRunes]))
	}
	return input
}
