package handlers

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/middleware/ratelimit"
	"github.com/fedsearch/backend/internal/middleware/validation"
	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/storage/sqlite"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/logger"
)

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Delayer slows down a service-reduced client after its answer is ready.
type Delayer interface {
	Delay(ctx context.Context, client string) bool
}

type QuerySuggester interface {
	SuggestQueryEntries(ctx context.Context, opts sqlite.SuggestOptions) ([]*models.QueryEntry, error)
}

type QueryHandler struct {
	engine    Searcher
	gate      Delayer
	suggester QuerySuggester
}

func NewQueryHandler(engine Searcher, gate Delayer, suggester QuerySuggester) *QueryHandler {
	return &QueryHandler{
		engine:    engine,
		gate:      gate,
		suggester: suggester,
	}
}

type searchMetadata struct {
	ItemsPerPage     string `json:"itemsPerPage"`
	Count            string `json:"count"`
	Hits             int    `json:"hits"`
	NewRecords       int    `json:"newrecords"`
	Period           *int64 `json:"period,omitempty"`
	Query            string `json:"query"`
	Source           string `json:"source"`
	Client           string `json:"client"`
	Time             int64  `json:"time"`
	ServiceReduction string `json:"servicereduction"`
	RequestID        string `json:"request_id"`
}

type facetJSON struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type searchResult struct {
	Metadata     searchMetadata         `json:"search_metadata"`
	Statuses     []models.MessageJSON   `json:"statuses"`
	Aggregations map[string][]facetJSON `json:"aggregations,omitempty"`
}

func renderSearch(resp *search.Response, client string) searchResult {
	statuses := make([]models.MessageJSON, len(resp.Messages))
	for i := range resp.Messages {
		statuses[i] = resp.Messages[i].ToJSON()
	}

	meta := searchMetadata{
		ItemsPerPage:     strconv.Itoa(resp.ItemsPerPage),
		Count:            strconv.Itoa(len(statuses)),
		Hits:             resp.Hits,
		NewRecords:       resp.NewRecords,
		Query:            resp.Query,
		Source:           string(resp.Source),
		Client:           client,
		Time:             resp.Elapsed.Milliseconds(),
		ServiceReduction: strconv.FormatBool(resp.ServiceReduction),
		RequestID:        resp.RequestID,
	}
	if resp.PeriodDefined {
		ms := resp.Period.Milliseconds()
		meta.Period = &ms
	}

	result := searchResult{Metadata: meta, Statuses: statuses}
	if len(resp.Aggregations) > 0 {
		result.Aggregations = make(map[string][]facetJSON, len(resp.Aggregations))
		for field, facets := range resp.Aggregations {
			out := make([]facetJSON, len(facets))
			for i, f := range facets {
				out[i] = facetJSON{Key: f.Key, Count: f.Count}
			}
			result.Aggregations[field] = out
		}
	}
	return result
}

// parseSearchRequest reads the search parameters shared by the HTTP and
// websocket surfaces.
func parseSearchRequest(q, source, order, fields string, count, timezoneOffset, limit int) search.Request {
	req := search.Request{
		Query:          q,
		Order:          timeline.ParseOrder(order),
		TimezoneOffset: timezoneOffset,
		Count:          count,
		Source:         search.ParseSource(source),
		Limit:          limit,
	}
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			req.Fields = append(req.Fields, f)
		}
	}
	return req
}

// applyVerdict enforces a service-reduction verdict on req.
func applyVerdict(v ratelimit.Verdict, req *search.Request) {
	source := string(req.Source)
	v.Apply(&req.Count, &source)
	req.Source = search.ParseSource(source)
	req.ServiceReduction = v.ServiceReduction
}

func (h *QueryHandler) HandleSearch(c *fiber.Ctx) error {
	q, ok := c.Locals(validation.QueryKey).(string)
	if !ok {
		q = validation.Sanitize(c.Query("q"), 0)
	}
	req := parseSearchRequest(
		q,
		c.Query("source"),
		c.Query("order"),
		c.Query("fields"),
		c.QueryInt("count", 0),
		c.QueryInt("timezoneOffset", 0),
		c.QueryInt("limit", 0),
	)
	req.Client = c.IP()

	verdict := ratelimit.VerdictFrom(c)
	applyVerdict(verdict, &req)

	response, err := h.engine.Search(c.UserContext(), req)
	if err != nil {
		logger.Error("Failed to process search", zap.String("query", req.Query), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process search",
		})
	}

	body := renderSearch(response, req.Client)

	if verdict.ServiceReduction && h.gate != nil {
		h.gate.Delay(c.UserContext(), req.Client)
	}

	return writeJSON(c, body, c.QueryBool("minified", false), c.Query("callback"))
}

type suggestMetadata struct {
	Count  int    `json:"count"`
	Query  string `json:"query"`
	Order  string `json:"order"`
	Client string `json:"client"`
}

func (h *QueryHandler) HandleSuggest(c *fiber.Ctx) error {
	opts := sqlite.SuggestOptions{
		Prefix:     strings.TrimSpace(c.Query("q")),
		OrderBy:    c.Query("orderby", "retrieval_next"),
		Descending: strings.EqualFold(c.Query("order"), "desc"),
		Count:      c.QueryInt("count", 100),
	}

	entries, err := h.suggester.SuggestQueryEntries(c.UserContext(), opts)
	if err != nil {
		logger.Error("Failed to list query entries", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list queries",
		})
	}

	queries := make([]models.QueryEntryJSON, len(entries))
	for i, e := range entries {
		queries[i] = e.ToJSON()
	}

	order := "asc"
	if opts.Descending {
		order = "desc"
	}
	return writeJSON(c, fiber.Map{
		"search_metadata": suggestMetadata{
			Count:  len(queries),
			Query:  opts.Prefix,
			Order:  order,
			Client: c.IP(),
		},
		"queries": queries,
	}, c.QueryBool("minified", false), c.Query("callback"))
}

// writeJSON renders v, indented unless minified, wrapped in a JSONP call
// when a valid callback name is given.
func writeJSON(c *fiber.Ctx, v any, minified bool, callback string) error {
	var data []byte
	var err error
	if minified {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode response",
		})
	}

	if callback != "" && callbackPattern.MatchString(callback) {
		c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
		return c.SendString(callback + "(" + string(data) + ");")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	return c.Send(data)
}
