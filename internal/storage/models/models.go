package models

import (
	"time"
)

// SourceType names the system a message or query was retrieved from.
type SourceType string

const (
	SourceUser     SourceType = "USER"
	SourceScraper  SourceType = "TWITTER"
	SourceBackend  SourceType = "BACKEND"
	SourceImported SourceType = "IMPORT"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceUser, SourceScraper, SourceBackend, SourceImported:
		return true
	}
	return false
}

type User struct {
	ScreenName string
	Name       string
}

// Message is treated as immutable once built; Timeline replaces whole
// values instead of editing them.
type Message struct {
	ID         string
	Author     User
	CreatedAt  time.Time
	Text       string
	Images     []string
	Audio      []string
	Videos     []string
	Mentions   []string
	Hashtags   []string
	Links      []string
	PlaceName  string
	PlaceID    string
	SourceType SourceType
}

// QueryEntry is the persisted re-poll schedule of one distinct query string.
type QueryEntry struct {
	Query          string
	QueryLength    int
	SourceType     SourceType
	TimezoneOffset int
	QueryFirst     time.Time
	QueryLast      time.Time
	RetrievalLast  time.Time
	RetrievalNext  time.Time
	ExpectedNext   time.Time
	QueryCount     int
	RetrievalCount int
	MessagePeriod  time.Duration
	MessagesPerDay int
	ScoreRetrieval int64
	ScoreSuggest   int64
}

type Facet struct {
	Key   string
	Count int64
}
