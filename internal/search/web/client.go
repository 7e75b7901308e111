package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/timeline"
)

var ErrNoSearchURL = errors.New("scrape search url not configured")

var (
	hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&])#([\p{L}\p{N}_]+)`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])@([A-Za-z0-9_]+)`)
)

// Indexer persists scraped messages and returns the ones it had not
// stored before. sqlite.Client implements it.
type Indexer interface {
	Index(ctx context.Context, msgs ...*models.Message) ([]*models.Message, error)
}

// Selectors locate the parts of one message on a result page. Attribute
// names are read from the element matched by the corresponding selector,
// or from the item itself when the selector is empty.
type Selectors struct {
	Item           string
	IDAttr         string
	ScreenNameAttr string
	NameAttr       string
	Text           string
	Time           string
	TimeAttr       string
	Link           string
	LinkAttr       string
	Image          string
	ImageAttr      string
	Place          string
	PlaceAttr      string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Item:           "li.stream-item",
		IDAttr:         "data-item-id",
		ScreenNameAttr: "data-screen-name",
		NameAttr:       "data-name",
		Text:           "p.message-text",
		Time:           "span.timestamp",
		TimeAttr:       "data-time-ms",
		Link:           "a.message-link",
		LinkAttr:       "data-expanded-url",
		Image:          "div.media-photo",
		ImageAttr:      "data-image-url",
		Place:          "span.message-geo",
		PlaceAttr:      "title",
	}
}

type Config struct {
	SearchURL  string
	Selectors  Selectors
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client reads the live source's HTML search page.
type Client struct {
	searchURL  string
	sel        Selectors
	userAgent  string
	httpClient *http.Client
	indexer    Indexer
	logger     *zap.Logger
}

func NewClient(cfg Config, indexer Indexer) *Client {
	if cfg.Selectors.Item == "" {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		searchURL:  cfg.SearchURL,
		sel:        cfg.Selectors,
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		indexer:    indexer,
		logger:     cfg.Logger,
	}
}

// Scrape fetches the result page for nativeQuery. all holds every message
// on the page newer than sinceID; newOnly the subset the indexer had not
// seen. Without an indexer every message counts as new.
func (c *Client) Scrape(ctx context.Context, nativeQuery string, order timeline.Order, timezoneOffset int, sinceID string) (*timeline.Timeline, *timeline.Timeline, error) {
	if c.searchURL == "" {
		return nil, nil, ErrNoSearchURL
	}

	c.logger.Debug("Scraping live source", zap.String("query", nativeQuery))

	msgs, err := c.fetch(ctx, nativeQuery)
	if err != nil {
		return nil, nil, err
	}

	kept := msgs[:0]
	for _, m := range msgs {
		if sinceID == "" || idAfter(m.ID, sinceID) {
			kept = append(kept, m)
		}
	}

	all := timeline.FromMessages(order, kept...)
	if c.indexer == nil {
		return all, timeline.FromMessages(order, kept...), nil
	}

	fresh, err := c.indexer.Index(ctx, kept...)
	if err != nil {
		c.logger.Warn("Failed to index scraped messages", zap.Error(err))
		return all, timeline.New(order), nil
	}

	c.logger.Debug("Scrape completed",
		zap.String("query", nativeQuery),
		zap.Int("messages", all.Len()),
		zap.Int("new", len(fresh)),
	)
	return all, timeline.FromMessages(order, fresh...), nil
}

func (c *Client) fetch(ctx context.Context, nativeQuery string) ([]*models.Message, error) {
	u, err := url.Parse(c.searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	params := u.Query()
	params.Set("q", nativeQuery)
	params.Set("f", "realtime")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("scrape returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return c.parse(doc), nil
}

func (c *Client) parse(doc *goquery.Document) []*models.Message {
	msgs := make([]*models.Message, 0)
	doc.Find(c.sel.Item).Each(func(i int, s *goquery.Selection) {
		m, err := c.parseItem(s)
		if err != nil {
			c.logger.Debug("Skipping unreadable item", zap.Int("index", i), zap.Error(err))
			return
		}
		msgs = append(msgs, m)
	})
	return msgs
}

func (c *Client) parseItem(s *goquery.Selection) (*models.Message, error) {
	id := attr(s, "", c.sel.IDAttr)
	if id == "" {
		return nil, errors.New("item has no id")
	}
	screenName := attr(s, "", c.sel.ScreenNameAttr)
	if screenName == "" {
		screenName = attr(s.Find("[" + c.sel.ScreenNameAttr + "]").First(), "", c.sel.ScreenNameAttr)
	}
	if screenName == "" {
		return nil, fmt.Errorf("item %s has no author", id)
	}
	name := attr(s, "", c.sel.NameAttr)
	if name == "" {
		name = attr(s.Find("["+c.sel.NameAttr+"]").First(), "", c.sel.NameAttr)
	}

	createdAt, err := parseTimestamp(attr(s, c.sel.Time, c.sel.TimeAttr))
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}

	text := strings.TrimSpace(s.Find(c.sel.Text).First().Text())

	m := &models.Message{
		ID:         id,
		Author:     models.User{ScreenName: screenName, Name: name},
		CreatedAt:  createdAt,
		Text:       text,
		Hashtags:   submatches(hashtagPattern, text),
		Mentions:   submatches(mentionPattern, text),
		Links:      attrs(s, c.sel.Link, c.sel.LinkAttr, "href"),
		Images:     attrs(s, c.sel.Image, c.sel.ImageAttr, ""),
		PlaceName:  strings.TrimSpace(attr(s, c.sel.Place, c.sel.PlaceAttr)),
		SourceType: models.SourceScraper,
	}
	return m, nil
}

func attr(s *goquery.Selection, selector, name string) string {
	if name == "" {
		return ""
	}
	if selector != "" {
		s = s.Find(selector).First()
	}
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func attrs(s *goquery.Selection, selector, name, fallback string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, e *goquery.Selection) {
		v, ok := e.Attr(name)
		if (!ok || v == "") && fallback != "" {
			v, ok = e.Attr(fallback)
		}
		if ok && strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	})
	return out
}

func submatches(re *regexp.Regexp, text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m[1])
	}
	return out
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unreadable timestamp %q", raw)
	}
	return t.UTC(), nil
}

// idAfter compares numeric ids by length then digits; other ids compare
// as strings.
func idAfter(id, since string) bool {
	if isNumeric(id) && isNumeric(since) {
		id = strings.TrimLeft(id, "0")
		since = strings.TrimLeft(since, "0")
		if len(id) != len(since) {
			return len(id) > len(since)
		}
	}
	return id > since
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
