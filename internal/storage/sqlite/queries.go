package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/pkg/logger"
)

const queryEntryColumns = `query, query_length, source_type, timezone_offset, query_first, query_last,
	retrieval_last, retrieval_next, expected_next, query_count, retrieval_count, message_period,
	messages_per_day, score_retrieval, score_suggest`

// Orderings accepted by SuggestQueryEntries.
var suggestOrderColumns = map[string]string{
	"retrieval_next":   "retrieval_next",
	"retrieval_last":   "retrieval_last",
	"query_first":      "query_first",
	"query_last":       "query_last",
	"query_count":      "query_count",
	"messages_per_day": "messages_per_day",
}

type SuggestOptions struct {
	Prefix     string
	OrderBy    string
	Descending bool
	Count      int
}

func (c *Client) PutQueryEntry(ctx context.Context, e *models.QueryEntry) error {
	stmt := `
		INSERT INTO query_entries (` + queryEntryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET
			query_length = excluded.query_length,
			source_type = excluded.source_type,
			timezone_offset = excluded.timezone_offset,
			query_first = excluded.query_first,
			query_last = excluded.query_last,
			retrieval_last = excluded.retrieval_last,
			retrieval_next = excluded.retrieval_next,
			expected_next = excluded.expected_next,
			query_count = excluded.query_count,
			retrieval_count = excluded.retrieval_count,
			message_period = excluded.message_period,
			messages_per_day = excluded.messages_per_day,
			score_retrieval = excluded.score_retrieval,
			score_suggest = excluded.score_suggest
	`

	sourceType := e.SourceType
	if sourceType == "" {
		sourceType = models.SourceUser
	}

	_, err := c.db.ExecContext(ctx, stmt,
		e.Query,
		e.QueryLength,
		string(sourceType),
		e.TimezoneOffset,
		toMillis(e.QueryFirst),
		toMillis(e.QueryLast),
		toMillis(e.RetrievalLast),
		toMillis(e.RetrievalNext),
		toMillis(e.ExpectedNext),
		e.QueryCount,
		e.RetrievalCount,
		e.MessagePeriod.Milliseconds(),
		e.MessagesPerDay,
		e.ScoreRetrieval,
		e.ScoreSuggest,
	)
	if err != nil {
		return fmt.Errorf("failed to store query entry: %w", err)
	}

	logger.Debug("Query entry stored", zap.String("query", e.Query))
	return nil
}

// GetQueryEntry returns nil without error when q was never stored.
func (c *Client) GetQueryEntry(ctx context.Context, q string) (*models.QueryEntry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+queryEntryColumns+` FROM query_entries WHERE query = ?`, q)
	e, err := scanQueryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query entry: %w", err)
	}
	return e, nil
}

// DueQueryEntries lists entries whose retrieval time has come, soonest first.
func (c *Client) DueQueryEntries(ctx context.Context, now time.Time, limit int) ([]*models.QueryEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+queryEntryColumns+` FROM query_entries WHERE retrieval_next <= ? ORDER BY retrieval_next ASC LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due query entries: %w", err)
	}
	defer rows.Close()

	return collectQueryEntries(rows)
}

func (c *Client) SuggestQueryEntries(ctx context.Context, opts SuggestOptions) ([]*models.QueryEntry, error) {
	column, ok := suggestOrderColumns[opts.OrderBy]
	if !ok {
		column = "retrieval_next"
	}
	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}
	if opts.Count <= 0 {
		opts.Count = 100
	}

	stmt := `SELECT ` + queryEntryColumns + ` FROM query_entries`
	var args []any
	if opts.Prefix != "" {
		stmt += ` WHERE query LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix)+"%")
	}
	stmt += ` ORDER BY ` + column + ` ` + direction + `, query ASC LIMIT ?`
	args = append(args, opts.Count)

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list query entries: %w", err)
	}
	defer rows.Close()

	return collectQueryEntries(rows)
}

func collectQueryEntries(rows *sql.Rows) ([]*models.QueryEntry, error) {
	var entries []*models.QueryEntry
	for rows.Next() {
		e, err := scanQueryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return entries, nil
}

func scanQueryEntry(s scanner) (*models.QueryEntry, error) {
	var e models.QueryEntry
	var sourceType string
	var queryFirst, queryLast, retrievalLast, retrievalNext, expectedNext sql.NullInt64
	var period int64

	err := s.Scan(
		&e.Query,
		&e.QueryLength,
		&sourceType,
		&e.TimezoneOffset,
		&queryFirst,
		&queryLast,
		&retrievalLast,
		&retrievalNext,
		&expectedNext,
		&e.QueryCount,
		&e.RetrievalCount,
		&period,
		&e.MessagesPerDay,
		&e.ScoreRetrieval,
		&e.ScoreSuggest,
	)
	if err != nil {
		return nil, err
	}

	e.SourceType = models.SourceType(sourceType)
	e.QueryFirst = fromMillis(queryFirst.Int64)
	e.QueryLast = fromMillis(queryLast.Int64)
	e.RetrievalLast = fromMillis(retrievalLast.Int64)
	e.RetrievalNext = fromMillis(retrievalNext.Int64)
	e.ExpectedNext = fromMillis(expectedNext.Int64)
	e.MessagePeriod = time.Duration(period) * time.Millisecond

	return &e, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (c *Client) CountQueryEntries(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count query entries: %w", err)
	}
	return n, nil
}

// CountDueQueryEntries counts the queries waiting for a re-poll at now.
func (c *Client) CountDueQueryEntries(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_entries WHERE retrieval_next <= ?`, toMillis(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count due query entries: %w", err)
	}
	return n, nil
}
