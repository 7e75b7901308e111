package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedRecord is matched by every *ParseError.
var ErrMalformedRecord = errors.New("malformed record")

// ParseError reports a required field that is missing or cannot be decoded.
type ParseError struct {
	Record string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: field %q %s", e.Record, e.Field, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedRecord
}

func missing(record, field string) error {
	return &ParseError{Record: record, Field: field, Reason: "is required"}
}

func malformed(record, field string, err error) error {
	return &ParseError{Record: record, Field: field, Reason: "is malformed: " + err.Error()}
}

// MessageJSON is the wire form exchanged with federation peers and caches.
type MessageJSON struct {
	ID         string   `json:"id_str"`
	ScreenName string   `json:"screen_name"`
	Name       string   `json:"name,omitempty"`
	CreatedAt  string   `json:"created_at"`
	Text       string   `json:"text"`
	Images     []string `json:"images,omitempty"`
	Audio      []string `json:"audio,omitempty"`
	Videos     []string `json:"videos,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
	Hashtags   []string `json:"hashtags,omitempty"`
	Links      []string `json:"links,omitempty"`
	PlaceName  string   `json:"place_name,omitempty"`
	PlaceID    string   `json:"place_id,omitempty"`
	SourceType string   `json:"source_type,omitempty"`
}

type messageWire struct {
	ID         *string         `json:"id_str"`
	ScreenName *string         `json:"screen_name"`
	Name       string          `json:"name"`
	CreatedAt  json.RawMessage `json:"created_at"`
	Text       *string         `json:"text"`
	Images     []string        `json:"images"`
	Audio      []string        `json:"audio"`
	Videos     []string        `json:"videos"`
	Mentions   []string        `json:"mentions"`
	Hashtags   []string        `json:"hashtags"`
	Links      []string        `json:"links"`
	PlaceName  string          `json:"place_name"`
	PlaceID    string          `json:"place_id"`
	SourceType string          `json:"source_type"`
}

func (m *Message) ToJSON() MessageJSON {
	return MessageJSON{
		ID:         m.ID,
		ScreenName: m.Author.ScreenName,
		Name:       m.Author.Name,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Text:       m.Text,
		Images:     m.Images,
		Audio:      m.Audio,
		Videos:     m.Videos,
		Mentions:   m.Mentions,
		Hashtags:   m.Hashtags,
		Links:      m.Links,
		PlaceName:  m.PlaceName,
		PlaceID:    m.PlaceID,
		SourceType: string(m.SourceType),
	}
}

func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m.ToJSON())
}

// DecodeMessage parses one message and fails with a *ParseError when
// id_str, screen_name, created_at or text is absent or unreadable.
func DecodeMessage(data []byte) (*Message, error) {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ParseError{Record: "message", Field: "", Reason: "is not a JSON object: " + err.Error()}
	}
	return w.toMessage()
}

// DecodeMessages parses a JSON array of messages. The first bad element
// fails the whole batch.
func DecodeMessages(data []byte) ([]*Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &ParseError{Record: "messages", Field: "", Reason: "is not a JSON array: " + err.Error()}
	}
	out := make([]*Message, 0, len(raws))
	for i, raw := range raws {
		m, err := DecodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (w *messageWire) toMessage() (*Message, error) {
	const rec = "message"
	if w.ID == nil || *w.ID == "" {
		return nil, missing(rec, "id_str")
	}
	if w.ScreenName == nil || *w.ScreenName == "" {
		return nil, missing(rec, "screen_name")
	}
	if w.Text == nil {
		return nil, missing(rec, "text")
	}
	createdAt, err := decodeTime(w.CreatedAt)
	if err != nil {
		return nil, malformed(rec, "created_at", err)
	}
	if createdAt.IsZero() {
		return nil, missing(rec, "created_at")
	}

	source := SourceType(w.SourceType)
	if w.SourceType != "" && !source.Valid() {
		return nil, malformed(rec, "source_type", fmt.Errorf("unknown source %q", w.SourceType))
	}

	return &Message{
		ID:         *w.ID,
		Author:     User{ScreenName: *w.ScreenName, Name: w.Name},
		CreatedAt:  createdAt,
		Text:       *w.Text,
		Images:     w.Images,
		Audio:      w.Audio,
		Videos:     w.Videos,
		Mentions:   w.Mentions,
		Hashtags:   w.Hashtags,
		Links:      w.Links,
		PlaceName:  w.PlaceName,
		PlaceID:    w.PlaceID,
		SourceType: source,
	}, nil
}

// decodeTime accepts an RFC3339 string or epoch milliseconds. A null or
// absent value decodes to the zero time.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

type queryEntryWire struct {
	Query          *string         `json:"query"`
	QueryLength    int             `json:"query_length"`
	SourceType     string          `json:"source_type"`
	TimezoneOffset int             `json:"timezoneOffset"`
	QueryFirst     json.RawMessage `json:"query_first"`
	QueryLast      json.RawMessage `json:"query_last"`
	RetrievalLast  json.RawMessage `json:"retrieval_last"`
	RetrievalNext  json.RawMessage `json:"retrieval_next"`
	ExpectedNext   json.RawMessage `json:"expected_next"`
	QueryCount     int             `json:"query_count"`
	RetrievalCount int             `json:"retrieval_count"`
	MessagePeriod  int64           `json:"message_period"`
	MessagesPerDay int             `json:"messages_per_day"`
	ScoreRetrieval int64           `json:"score_retrieval"`
	ScoreSuggest   int64           `json:"score_suggest"`
}

type QueryEntryJSON struct {
	Query          string `json:"query"`
	QueryLength    int    `json:"query_length"`
	SourceType     string `json:"source_type"`
	TimezoneOffset int    `json:"timezoneOffset"`
	QueryFirst     string `json:"query_first,omitempty"`
	QueryLast      string `json:"query_last,omitempty"`
	RetrievalLast  string `json:"retrieval_last"`
	RetrievalNext  string `json:"retrieval_next"`
	ExpectedNext   string `json:"expected_next,omitempty"`
	QueryCount     int    `json:"query_count"`
	RetrievalCount int    `json:"retrieval_count"`
	MessagePeriod  int64  `json:"message_period"`
	MessagesPerDay int    `json:"messages_per_day"`
	ScoreRetrieval int64  `json:"score_retrieval"`
	ScoreSuggest   int64  `json:"score_suggest"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (q *QueryEntry) ToJSON() QueryEntryJSON {
	return QueryEntryJSON{
		Query:          q.Query,
		QueryLength:    q.QueryLength,
		SourceType:     string(q.SourceType),
		TimezoneOffset: q.TimezoneOffset,
		QueryFirst:     formatTime(q.QueryFirst),
		QueryLast:      formatTime(q.QueryLast),
		RetrievalLast:  formatTime(q.RetrievalLast),
		RetrievalNext:  formatTime(q.RetrievalNext),
		ExpectedNext:   formatTime(q.ExpectedNext),
		QueryCount:     q.QueryCount,
		RetrievalCount: q.RetrievalCount,
		MessagePeriod:  q.MessagePeriod.Milliseconds(),
		MessagesPerDay: q.MessagesPerDay,
		ScoreRetrieval: q.ScoreRetrieval,
		ScoreSuggest:   q.ScoreSuggest,
	}
}

func EncodeQueryEntry(q *QueryEntry) ([]byte, error) {
	return json.Marshal(q.ToJSON())
}

// DecodeQueryEntry parses a persisted query entry. query, retrieval_last
// and retrieval_next are required; optional dates stay zero when absent.
func DecodeQueryEntry(data []byte) (*QueryEntry, error) {
	const rec = "query entry"
	var w queryEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ParseError{Record: rec, Field: "", Reason: "is not a JSON object: " + err.Error()}
	}
	if w.Query == nil || *w.Query == "" {
		return nil, missing(rec, "query")
	}

	dates := []struct {
		field    string
		raw      json.RawMessage
		dst      *time.Time
		required bool
	}{
		{"query_first", w.QueryFirst, nil, false},
		{"query_last", w.QueryLast, nil, false},
		{"retrieval_last", w.RetrievalLast, nil, true},
		{"retrieval_next", w.RetrievalNext, nil, true},
		{"expected_next", w.ExpectedNext, nil, false},
	}

	entry := &QueryEntry{
		Query:          *w.Query,
		QueryLength:    w.QueryLength,
		SourceType:     SourceType(w.SourceType),
		TimezoneOffset: w.TimezoneOffset,
		QueryCount:     w.QueryCount,
		RetrievalCount: w.RetrievalCount,
		MessagePeriod:  time.Duration(w.MessagePeriod) * time.Millisecond,
		MessagesPerDay: w.MessagesPerDay,
		ScoreRetrieval: w.ScoreRetrieval,
		ScoreSuggest:   w.ScoreSuggest,
	}
	dates[0].dst = &entry.QueryFirst
	dates[1].dst = &entry.QueryLast
	dates[2].dst = &entry.RetrievalLast
	dates[3].dst = &entry.RetrievalNext
	dates[4].dst = &entry.ExpectedNext

	for _, d := range dates {
		t, err := decodeTime(d.raw)
		if err != nil {
			return nil, malformed(rec, d.field, err)
		}
		if t.IsZero() && d.required {
			return nil, missing(rec, d.field)
		}
		*d.dst = t
	}

	if entry.SourceType == "" {
		return nil, missing(rec, "source_type")
	}
	if !entry.SourceType.Valid() {
		return nil, malformed(rec, "source_type", fmt.Errorf("unknown source %q", w.SourceType))
	}
	if entry.QueryLength == 0 {
		entry.QueryLength = len([]rune(entry.Query))
	}
	if entry.MessagePeriod < 0 {
		return nil, malformed(rec, "message_period", errors.New("must not be negative"))
	}

	return entry, nil
}
