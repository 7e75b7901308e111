package retrieval

import (
	"math"
	"time"

	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/pkg/config"
)

const Day = 24 * time.Hour

// PeriodEstimator is the sample a query entry learns from. timeline.Timeline
// satisfies it.
type PeriodEstimator interface {
	Period() (time.Duration, bool)
}

type Params struct {
	TTLFactor         float64
	PivotPeriod       time.Duration
	RetrievalConstant int
}

func DefaultParams() Params {
	return Params{
		TTLFactor:         0.5,
		PivotPeriod:       10 * time.Second,
		RetrievalConstant: 20,
	}
}

func ParamsFromConfig(cfg config.RetrievalConfig) Params {
	p := DefaultParams()
	if cfg.TTLFactor > 0 {
		p.TTLFactor = cfg.TTLFactor
	}
	if cfg.PivotFrequency > 0 {
		p.PivotPeriod = cfg.PivotFrequency
	}
	if cfg.RetrievalConstant > 0 {
		p.RetrievalConstant = cfg.RetrievalConstant
	}
	return p
}

// NewEntry creates the schedule of a query seen for the first time.
func NewEntry(q string, timezoneOffset int, source models.SourceType, est PeriodEstimator, byUser bool, now time.Time, p Params) *models.QueryEntry {
	e := &models.QueryEntry{
		Query:          q,
		QueryLength:    len([]rune(q)),
		SourceType:     source,
		TimezoneOffset: timezoneOffset,
	}
	Update(e, est, byUser, now, p)
	e.QueryFirst = e.RetrievalLast
	return e
}

// Update folds a fresh sample into e and recomputes when the query should
// be retrieved next. All period arithmetic is in whole milliseconds.
func Update(e *models.QueryEntry, est PeriodEstimator, byUser bool, now time.Time, p Params) {
	e.RetrievalLast = now
	e.RetrievalCount++
	if byUser {
		e.QueryCount++
		e.QueryLast = now
	}

	day := Day.Milliseconds()
	prev := e.MessagePeriod.Milliseconds()

	observed, ok := est.Period()
	obs := observed.Milliseconds()
	if obs < 1 {
		// Messages stamped within the same millisecond.
		obs = 1
	}

	var period int64
	switch {
	case !ok || day/obs == 0:
		if prev == 0 {
			period = day
		} else {
			period = min(day, prev*2)
		}
	case prev == 0:
		period = obs
	default:
		period = (prev + obs) / 2
	}
	if period < 1 {
		period = 1
	}

	e.MessagePeriod = time.Duration(period) * time.Millisecond
	e.MessagesPerDay = int(day / period)
	e.ExpectedNext = now.Add(time.Duration(int64(p.TTLFactor*float64(period))) * time.Millisecond)

	pivot := p.PivotPeriod.Milliseconds()
	strategic := period
	if period < pivot {
		shortfall := (pivot - period) / 1000
		strategic = pivot + 1000*int64(math.Pow(float64(shortfall), 3))
	}

	waiting := min(day, int64(p.TTLFactor*float64(p.RetrievalConstant)*float64(strategic)))
	if waiting < 1 {
		waiting = 1
	}
	e.RetrievalNext = now.Add(time.Duration(waiting) * time.Millisecond)
}

// BlindUpdate records a resubmission answered from stored data without
// touching external sources. Only the query counters advance.
func BlindUpdate(e *models.QueryEntry, now time.Time) {
	e.QueryCount++
	e.QueryLast = now
}
