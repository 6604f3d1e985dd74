// Package verify compares downloaded artifacts with what the provider
// currently serves for the same span.
package verify

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"histflow/config"
	"histflow/internal/calendar"
	"histflow/internal/symbols"
	"histflow/logger"
	"histflow/models"
	"histflow/reader"
	"histflow/writer"
)

// Result is the comparison of one (symbol, timeframe) pair.
type Result struct {
	Broker         string
	Symbol         string
	Timeframe      models.Granularity
	AvailableRows  int
	DownloadedRows int
	Match          bool
	Err            error
}

type span struct {
	granularity models.Granularity
	rows        int
	first, last time.Time
}

type artifact struct {
	path   string
	symbol string
	spans  []span
	err    error
}

type Verifier struct {
	cfg      *config.Config
	registry *reader.Registry
	log      *logger.Log
}

func New(cfg *config.Config, registry *reader.Registry) *Verifier {
	return &Verifier{cfg: cfg, registry: registry, log: logger.GetLogger()}
}

// Run verifies every profile in creds. only, when set, restricts the run to
// one broker.
func (v *Verifier) Run(ctx context.Context, creds *config.Credentials, only string) ([]Result, error) {
	var all []Result
	for _, p := range creds.Profiles {
		if only != "" && !strings.EqualFold(only, p.Name) {
			continue
		}
		res, err := v.Broker(ctx, p)
		all = append(all, res...)
		if err != nil {
			v.log.WithComponent("verify").WithError(err).WithFields(logger.Fields{"broker": p.Name}).Error("broker verification failed")
		}
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
	}
	return all, nil
}

// Broker verifies every artifact of one broker. Each worker owns one session.
func (v *Verifier) Broker(ctx context.Context, profile models.BrokerProfile) ([]Result, error) {
	log := v.log.WithComponent("verify").WithFields(logger.Fields{"broker": profile.Name})
	dir := filepath.Join(v.cfg.Writer.OutputDir, symbols.SafeFileName(profile.Name))
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		log.Info("no artifacts to verify")
		return nil, nil
	}
	sort.Strings(files)

	bc := v.cfg.Acquisition.Broker(profile.Name)
	provider, err := v.registry.Provider(bc.Driver, reader.OptionsFromConfig(v.cfg, profile.Name))
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	tasks := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tasks)
		for _, f := range files {
			select {
			case tasks <- f:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(v.cfg.Acquisition.WorkerCount(), len(files))
	for id := 0; id < workers; id++ {
		g.Go(func() error {
			slot := reader.NewSlot(provider)
			defer slot.Close()
			session, err := slot.Open(gctx, profile)
			if err != nil {
				return err
			}
			limiter := newLimiter(v.cfg.Acquisition.RequestDelay)
			for path := range tasks {
				if gctx.Err() != nil {
					return nil
				}
				out := v.verifyFile(gctx, session, limiter, profile.Name, path)
				mu.Lock()
				results = append(results, out...)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Symbol != results[j].Symbol {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].Timeframe < results[j].Timeframe
	})
	mismatches := 0
	for _, r := range results {
		if !r.Match {
			mismatches++
		}
	}
	log.WithFields(logger.Fields{"checked": len(results), "mismatches": mismatches, "files": len(files)}).Info("broker verified")
	return results, err
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func (v *Verifier) verifyFile(ctx context.Context, s reader.Session, limiter *rate.Limiter, broker, path string) []Result {
	a := loadArtifact(path)
	if a.err != nil {
		return []Result{{Broker: broker, Symbol: a.symbol, Err: a.err}}
	}
	out := make([]Result, 0, len(a.spans))
	for _, sp := range a.spans {
		r := Result{Broker: broker, Symbol: a.symbol, Timeframe: sp.granularity, DownloadedRows: sp.rows}
		r.AvailableRows, r.Err = available(ctx, s, limiter, a.symbol, sp)
		r.Match = r.Err == nil && r.AvailableRows == r.DownloadedRows
		if !r.Match {
			v.log.WithComponent("verify").WithFields(logger.Fields{
				"broker":     broker,
				"symbol":     a.symbol,
				"timeframe":  sp.granularity.String(),
				"available":  r.AvailableRows,
				"downloaded": r.DownloadedRows,
			}).Warn("artifact does not match provider")
		}
		out = append(out, r)
	}
	return out
}

// available counts the bars the provider serves over [first, last].
func available(ctx context.Context, s reader.Session, limiter *rate.Limiter, symbol string, sp span) (int, error) {
	total := 0
	for _, w := range calendar.Partition(sp.first, sp.last.Add(time.Second)) {
		if err := limiter.Wait(ctx); err != nil {
			return total, err
		}
		bars, err := s.Bars(ctx, symbol, sp.granularity, w)
		if err != nil {
			return total, fmt.Errorf("%s %s: %w", sp.granularity, w.Start.Format("2006-01"), err)
		}
		total += len(bars)
	}
	return total, nil
}

func loadArtifact(path string) artifact {
	a := artifact{path: path, symbol: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	rows, err := writer.ReadCSV(path)
	if err != nil {
		a.err = err
		return a
	}
	byGranularity := map[models.Granularity]*span{}
	for _, r := range rows {
		if r.Symbol != "" {
			a.symbol = r.Symbol
		}
		sp, ok := byGranularity[r.Granularity]
		if !ok {
			sp = &span{granularity: r.Granularity, first: r.Time, last: r.Time}
			byGranularity[r.Granularity] = sp
		}
		sp.rows++
		if r.Time.Before(sp.first) {
			sp.first = r.Time
		}
		if r.Time.After(sp.last) {
			sp.last = r.Time
		}
	}
	for _, g := range models.AllGranularities() {
		if sp, ok := byGranularity[g]; ok {
			a.spans = append(a.spans, *sp)
		}
	}
	return a
}

// Report writes a plain-text summary of results.
func Report(out io.Writer, results []Result) {
	for _, r := range results {
		status := "OK"
		switch {
		case r.Err != nil:
			status = "ERROR " + r.Err.Error()
		case !r.Match:
			status = "MISMATCH"
		}
		fmt.Fprintf(out, "%-12s %-16s %-4s available=%-8d downloaded=%-8d %s\n",
			r.Broker, r.Symbol, timeframeLabel(r.Timeframe), r.AvailableRows, r.DownloadedRows, status)
	}
}

func timeframeLabel(g models.Granularity) string {
	if !g.Valid() {
		return "-"
	}
	return g.String()
}
