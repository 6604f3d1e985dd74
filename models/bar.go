package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateRange is a half-open [Start, End) acquisition window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// MonthWindow is one calendar-month slice of a DateRange and the unit of a
// single provider request.
type MonthWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (w MonthWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Bar is one OHLCV observation.
type Bar struct {
	Time       time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	TickVolume int64
	Spread     int64
	RealVolume decimal.Decimal
}

// SeriesRow is a bar tagged with the granularity and symbol it belongs to.
type SeriesRow struct {
	Bar
	Granularity Granularity
	Symbol      string
}

type seriesKey struct {
	unix        int64
	granularity Granularity
}

// SymbolSeries holds every bar of one symbol across granularities. Rows are
// unique by (timestamp, granularity).
type SymbolSeries struct {
	Symbol string
	Rows   []SeriesRow
	seen   map[seriesKey]struct{}
}

// NewSymbolSeries returns an empty series for symbol.
func NewSymbolSeries(symbol string) *SymbolSeries {
	return &SymbolSeries{Symbol: symbol, seen: make(map[seriesKey]struct{})}
}

// Append adds bars for g, dropping any (timestamp, granularity) pair that is
// already present. The first occurrence wins. It returns the number of rows
// actually added.
func (s *SymbolSeries) Append(g Granularity, bars []Bar) int {
	if s.seen == nil {
		s.seen = make(map[seriesKey]struct{}, len(s.Rows))
		for _, r := range s.Rows {
			s.seen[seriesKey{r.Time.UnixNano(), r.Granularity}] = struct{}{}
		}
	}
	added := 0
	for _, b := range bars {
		k := seriesKey{b.Time.UnixNano(), g}
		if _, dup := s.seen[k]; dup {
			continue
		}
		s.seen[k] = struct{}{}
		s.Rows = append(s.Rows, SeriesRow{Bar: b, Granularity: g, Symbol: s.Symbol})
		added++
	}
	return added
}

// Len returns the number of rows in the series.
func (s *SymbolSeries) Len() int { return len(s.Rows) }

// GranularityStats summarises the rows fetched for one granularity.
type GranularityStats struct {
	Rows  int        `json:"rows"`
	First *time.Time `json:"first_date"`
	Last  *time.Time `json:"last_date"`
}

// Observe folds a bar timestamp into the stats.
func (s *GranularityStats) Observe(t time.Time) {
	s.Rows++
	if s.First == nil || t.Before(*s.First) {
		ts := t
		s.First = &ts
	}
	if s.Last == nil || t.After(*s.Last) {
		ts := t
		s.Last = &ts
	}
}
