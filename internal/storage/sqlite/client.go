package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writers serialised.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		screen_name TEXT NOT NULL,
		name TEXT,
		created_at INTEGER NOT NULL,
		text TEXT NOT NULL,
		keywords TEXT,
		images TEXT,
		audio TEXT,
		videos TEXT,
		mentions TEXT,
		hashtags TEXT,
		links TEXT,
		place_name TEXT,
		place_id TEXT,
		source_type TEXT NOT NULL,
		indexed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(screen_name COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS query_entries (
		query TEXT PRIMARY KEY,
		query_length INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		timezone_offset INTEGER NOT NULL DEFAULT 0,
		query_first INTEGER,
		query_last INTEGER,
		retrieval_last INTEGER NOT NULL,
		retrieval_next INTEGER NOT NULL,
		expected_next INTEGER,
		query_count INTEGER NOT NULL DEFAULT 0,
		retrieval_count INTEGER NOT NULL DEFAULT 0,
		message_period INTEGER NOT NULL DEFAULT 0,
		messages_per_day INTEGER NOT NULL DEFAULT 0,
		score_retrieval INTEGER NOT NULL DEFAULT 0,
		score_suggest INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_query_entries_next ON query_entries(retrieval_next);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// Zero times are stored as 0 so they survive a round trip.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}
