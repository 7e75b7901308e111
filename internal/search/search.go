package search

import (
	"context"
	"strings"
	"time"

	"github.com/fedsearch/backend/internal/retrieval"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
)

// Source selects which backends a search consults.
type Source string

const (
	SourceCache   Source = "cache"
	SourceBackend Source = "backend"
	SourceScrape  Source = "scrape"
	SourceAll     Source = "all"
)

// ParseSource maps a request parameter onto a Source. "twitter" is kept as
// an alias of scrape; anything unknown means all.
func ParseSource(name string) Source {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cache":
		return SourceCache
	case "backend":
		return SourceBackend
	case "scrape", "twitter":
		return SourceScrape
	}
	return SourceAll
}

type LocalResult struct {
	Timeline     *timeline.Timeline
	Hits         int
	Aggregations map[string][]models.Facet
}

// LocalIndex answers from stored messages. facetLimit caps each
// aggregation; zero or less leaves the index default.
type LocalIndex interface {
	ExactSearch(ctx context.Context, q string, order timeline.Order, timezoneOffset, count, offset int, fields []string, facetLimit int) (*LocalResult, error)
}

// Scraper reads the live source. newOnly holds the messages the local
// index had not seen before.
type Scraper interface {
	Scrape(ctx context.Context, nativeQuery string, order timeline.Order, timezoneOffset int, sinceID string) (all, newOnly *timeline.Timeline, err error)
}

type Peer interface {
	RemoteSearch(ctx context.Context, q string, order timeline.Order, count, timezoneOffset int, mode Source) (*timeline.Timeline, error)
}

type AuthorNotifier interface {
	Notify(tl *timeline.Timeline)
}

// Recorder receives every fresh sample of a query. retrieval.Scheduler
// implements it.
type Recorder interface {
	Observe(ctx context.Context, o retrieval.Observation) (*models.QueryEntry, error)
	ObserveBlind(ctx context.Context, q string) (*models.QueryEntry, error)
}

type Request struct {
	Query          string
	Order          timeline.Order
	TimezoneOffset int
	Count          int
	Source         Source
	// Limit caps the entries of each aggregation; zero keeps the index default.
	Limit  int
	Fields []string
	Client string
	// ServiceReduction is set by the gate after it already capped Count
	// and forced the cache source.
	ServiceReduction bool
	// Background marks a re-poll issued by the scheduler, not by a user.
	Background bool
}

type Response struct {
	RequestID        string
	Query            string
	Source           Source
	Timeline         *timeline.Timeline
	Messages         []models.Message
	ItemsPerPage     int
	Hits             int
	NewRecords       int
	Aggregations     map[string][]models.Facet
	Period           time.Duration
	PeriodDefined    bool
	ServiceReduction bool
	Elapsed          time.Duration
}
