package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/query"
	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/logger"
)

var ErrMessageNotFound = errors.New("message not found")

const (
	// scanLimit bounds the candidate rows read for one search.
	scanLimit = 100000
	// defaultFacetLimit applies when the caller passes no limit.
	defaultFacetLimit = 100
)

// Aggregation fields understood by ExactSearch.
const (
	FieldHashtags   = "hashtags"
	FieldMentions   = "mentions"
	FieldScreenName = "screen_name"
	FieldPlaceName  = "place_name"
	FieldKeywords   = "keywords"
	FieldCreatedAt  = "created_at"
)

const messageColumns = `id, screen_name, name, created_at, text, keywords, images, audio, videos,
	mentions, hashtags, links, place_name, place_id, source_type`

// Index upserts msgs and returns those that were not stored before.
func (c *Client) Index(ctx context.Context, msgs ...*models.Message) ([]*models.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	keywords := make([]string, len(msgs))
	for i, m := range msgs {
		keywords[i] = encodeList(extractKeywords(m.Text))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO messages (` + messageColumns + `, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			screen_name = excluded.screen_name,
			name = excluded.name,
			created_at = excluded.created_at,
			text = excluded.text,
			keywords = excluded.keywords,
			images = excluded.images,
			audio = excluded.audio,
			videos = excluded.videos,
			mentions = excluded.mentions,
			hashtags = excluded.hashtags,
			links = excluded.links,
			place_name = excluded.place_name,
			place_id = excluded.place_id,
			source_type = excluded.source_type
	`

	now := time.Now().UnixMilli()
	var fresh []*models.Message
	for i, m := range msgs {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, m.ID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			fresh = append(fresh, m)
		case err != nil:
			return nil, fmt.Errorf("failed to check message %s: %w", m.ID, err)
		}

		_, err = tx.ExecContext(ctx, upsert,
			m.ID,
			m.Author.ScreenName,
			m.Author.Name,
			m.CreatedAt.UnixMilli(),
			m.Text,
			keywords[i],
			encodeList(m.Images),
			encodeList(m.Audio),
			encodeList(m.Videos),
			encodeList(m.Mentions),
			encodeList(m.Hashtags),
			encodeList(m.Links),
			m.PlaceName,
			m.PlaceID,
			string(m.SourceType),
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to index message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}

	metrics.IndexedMessages.Add(float64(len(fresh)))
	logger.Debug("Messages indexed", zap.Int("total", len(msgs)), zap.Int("new", len(fresh)))
	return fresh, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, _, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (c *Client) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ExactSearch narrows candidates in SQL by time, id, author and plain words,
// then evaluates the compiled query on each row. Hits counts every match;
// the returned timeline holds the requested page.
func (c *Client) ExactSearch(ctx context.Context, q string, order timeline.Order, timezoneOffset, count, offset int, fields []string, facetLimit int) (*search.LocalResult, error) {
	compiled := query.Parse(q, timezoneOffset)

	var where []string
	var args []any
	if compiled.HasSince() {
		where = append(where, "created_at >= ?")
		args = append(args, compiled.Since.UnixMilli())
	}
	if compiled.HasUntil() {
		where = append(where, "created_at < ?")
		args = append(args, compiled.Until.UnixMilli())
	}
	if compiled.ID != "" {
		where = append(where, "id = ?")
		args = append(args, compiled.ID)
	}
	if compiled.NotID != "" {
		where = append(where, "id != ?")
		args = append(args, compiled.NotID)
	}
	if compiled.From != "" {
		where = append(where, "screen_name = ? COLLATE NOCASE")
		args = append(args, compiled.From)
	}
	if compiled.NotFrom != "" {
		where = append(where, "screen_name != ? COLLATE NOCASE")
		args = append(args, compiled.NotFrom)
	}
	for _, w := range compiled.IndexWords() {
		where = append(where, "text LIKE ?")
		args = append(args, "%"+w+"%")
	}

	stmt := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, scanLimit)

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	matched := timeline.New(order)
	keywords := make(map[string][]string)
	for rows.Next() {
		m, kw, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if !compiled.Match(m) {
			continue
		}
		matched.Add(m)
		keywords[m.ID] = kw
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	all := matched.Messages()
	result := &search.LocalResult{
		Hits:         len(all),
		Aggregations: aggregate(all, keywords, fields, q, timezoneOffset, facetLimit),
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if count >= 0 && offset+count < end {
		end = offset + count
	}
	page := timeline.New(order)
	for i := offset; i < end; i++ {
		page.Add(&all[i])
	}
	result.Timeline = page

	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*models.Message, []string, error) {
	var m models.Message
	var createdAt int64
	var name, placeName, placeID sql.NullString
	var keywords, images, audio, videos, mentions, hashtags, links sql.NullString
	var sourceType string

	err := s.Scan(
		&m.ID,
		&m.Author.ScreenName,
		&name,
		&createdAt,
		&m.Text,
		&keywords,
		&images,
		&audio,
		&videos,
		&mentions,
		&hashtags,
		&links,
		&placeName,
		&placeID,
		&sourceType,
	)
	if err != nil {
		return nil, nil, err
	}

	m.Author.Name = name.String
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.Images = decodeList(images)
	m.Audio = decodeList(audio)
	m.Videos = decodeList(videos)
	m.Mentions = decodeList(mentions)
	m.Hashtags = decodeList(hashtags)
	m.Links = decodeList(links)
	m.PlaceName = placeName.String
	m.PlaceID = placeID.String
	m.SourceType = models.SourceType(sourceType)

	return &m, decodeList(keywords), nil
}

// extractKeywords keeps the nouns of text, lowercased and deduplicated.
func extractKeywords(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Debug("Keyword extraction failed", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, tok := range doc.Tokens() {
		if !strings.HasPrefix(tok.Tag, "NN") {
			continue
		}
		w := strings.ToLower(strings.Trim(tok.Text, "#@"))
		if len([]rune(w)) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// aggregate counts facet values per requested field. A facet equal to the
// query itself is omitted.
func aggregate(msgs []models.Message, keywords map[string][]string, fields []string, q string, timezoneOffset, limit int) map[string][]models.Facet {
	if len(fields) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = defaultFacetLimit
	}

	self := strings.ToLower(strings.TrimLeft(strings.TrimSpace(q), "@#"))
	zone := time.FixedZone("client", -timezoneOffset*60)

	out := make(map[string][]models.Facet)
	for _, field := range fields {
		counts := make(map[string]int64)
		add := func(key string) {
			key = strings.ToLower(strings.TrimLeft(key, "@#"))
			if key == "" || key == self {
				return
			}
			counts[key]++
		}

		for i := range msgs {
			m := &msgs[i]
			switch field {
			case FieldHashtags:
				for _, h := range m.Hashtags {
					add(h)
				}
			case FieldMentions:
				for _, u := range m.Mentions {
					add(u)
				}
			case FieldScreenName:
				add(m.Author.ScreenName)
			case FieldPlaceName:
				add(m.PlaceName)
			case FieldKeywords:
				for _, k := range keywords[m.ID] {
					add(k)
				}
			case FieldCreatedAt:
				add(m.CreatedAt.In(zone).Format("2006-01-02"))
			}
		}

		facets := make([]models.Facet, 0, len(counts))
		for k, n := range counts {
			facets = append(facets, models.Facet{Key: k, Count: n})
		}
		sort.Slice(facets, func(i, j int) bool {
			if facets[i].Count != facets[j].Count {
				return facets[i].Count > facets[j].Count
			}
			return facets[i].Key < facets[j].Key
		})
		if len(facets) > limit {
			facets = facets[:limit]
		}
		out[field] = facets
	}
	return out
}
