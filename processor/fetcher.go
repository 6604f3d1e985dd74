// Package processor turns one symbol into one artifact: every granularity
// and month window is requested, merged and handed to the writer.
package processor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"histflow/logger"
	"histflow/models"
	"histflow/reader"
)

// Sink persists a merged series and returns its artifact path.
type Sink interface {
	Write(ctx context.Context, broker string, series *models.SymbolSeries) (string, error)
}

// Fetcher downloads symbols for one broker. A Fetcher belongs to a single
// worker: its limiter paces that worker's session only.
type Fetcher struct {
	broker        string
	granularities []models.Granularity
	windows       []models.MonthWindow
	limiter       *rate.Limiter
	sink          Sink
	log           *logger.Log
}

// NewFetcher builds a fetcher. A zero delay disables pacing.
func NewFetcher(broker string, granularities []models.Granularity, windows []models.MonthWindow, delay time.Duration, sink Sink) *Fetcher {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Fetcher{
		broker:        broker,
		granularities: granularities,
		windows:       windows,
		limiter:       rate.NewLimiter(limit, 1),
		sink:          sink,
		log:           logger.GetLogger(),
	}
}

// Fetch downloads every granularity and window of inst over session and
// writes the merged artifact. It never panics; failures are reported in the
// outcome's Err.
func (f *Fetcher) Fetch(ctx context.Context, session reader.Session, inst models.Instrument) (out models.FetchOutcome) {
	start := time.Now()
	out = models.FetchOutcome{
		Symbol:   inst.Name,
		Category: inst.Category,
		Stats:    make(map[models.Granularity]models.GranularityStats, len(f.granularities)),
	}
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{"broker": f.broker, "symbol": inst.Name})

	defer func() {
		if r := recover(); r != nil {
			out.Err = &models.FetchError{Symbol: inst.Name, Kind: models.KindSystem, Err: fmt.Errorf("panic: %v", r)}
		}
		out.Duration = time.Since(start)
	}()

	series := models.NewSymbolSeries(inst.Name)
	for _, g := range f.granularities {
		for _, w := range f.windows {
			if err := f.limiter.Wait(ctx); err != nil {
				out.Err = models.ClassifyFetchError(inst.Name, err)
				return out
			}
			bars, err := session.Bars(ctx, inst.Name, g, w)
			if err != nil {
				out.Err = models.ClassifyFetchError(inst.Name, fmt.Errorf("%s %s: %w", g, w.Start.Format("2006-01"), err))
				return out
			}
			logger.IncrementProviderRequest(len(bars))
			series.Append(g, bars)
		}
	}

	for _, g := range f.granularities {
		out.Stats[g] = models.GranularityStats{}
	}
	for _, r := range series.Rows {
		st := out.Stats[r.Granularity]
		st.Observe(r.Time)
		out.Stats[r.Granularity] = st
	}
	for _, g := range f.granularities {
		st := out.Stats[g]
		fields := logger.Fields{"timeframe": g.String(), "rows": st.Rows}
		if st.First != nil {
			fields["first_date"] = st.First.Format(time.RFC3339)
			fields["last_date"] = st.Last.Format(time.RFC3339)
		}
		log.WithFields(fields).Debug("timeframe downloaded")
	}

	path, err := f.sink.Write(ctx, f.broker, series)
	if err != nil {
		out.Err = models.ClassifyFetchError(inst.Name, err)
		return out
	}
	out.Path = path
	logger.LogPerformanceEntry(log, "fetcher", "fetch_symbol", time.Since(start), logger.Fields{"rows": series.Len()})
	return out
}
