package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"histflow/logger"
	"histflow/models"
	"histflow/processor"
	"histflow/reader"
)

// pool fans one broker's symbols out to workers. Every worker owns a single
// session for its whole life and never shares it.
type pool struct {
	workers    int
	failFast   bool
	provider   reader.Provider
	profile    models.BrokerProfile
	newFetcher func() *processor.Fetcher
	onOutcome  func(models.FetchOutcome)
	log        *logger.Entry
}

// run dispatches instruments and folds outcomes into res. Outcomes arriving
// after the pool was stopped are not recorded; they count as abandoned
// together with symbols never dispatched. On return res.Err holds the reason
// the pool stopped early, if any.
func (p *pool) run(ctx context.Context, instruments []models.Instrument, res *models.BrokerResult) {
	poolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(poolCtx)
	tasks := make(chan models.Instrument)
	outcomes := make(chan models.FetchOutcome)

	g.Go(func() error {
		defer close(tasks)
		for _, inst := range instruments {
			select {
			case tasks <- inst:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for id := 0; id < p.workers; id++ {
		g.Go(func() error {
			return p.worker(gctx, id, tasks, outcomes, cancel)
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(outcomes)
	}()

	var stopped error
	for out := range outcomes {
		if stopped != nil || (out.Err != nil && gctx.Err() != nil && errors.Is(out.Err, context.Canceled)) {
			p.log.WithFields(logger.Fields{"symbol": out.Symbol}).Debug("outcome abandoned")
			continue
		}
		res.Record(out)
		p.onOutcome(out)
		p.logOutcome(out)
		if !out.OK() && p.failFast {
			stopped = out.Err
		}
	}

	switch {
	case stopped != nil:
		res.Err = stopped
	case waitErr != nil:
		res.Err = waitErr
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	}
	res.Abandoned = len(instruments) - len(res.Outcomes)
}

func (p *pool) worker(ctx context.Context, id int, tasks <-chan models.Instrument, outcomes chan<- models.FetchOutcome, cancel context.CancelCauseFunc) error {
	log := p.log.WithFields(logger.Fields{"worker_id": id})
	slot := reader.NewSlot(p.provider)
	defer func() {
		if err := slot.Close(); err != nil {
			log.WithError(err).Warn("failed to close worker session")
		}
	}()

	session, err := slot.Open(ctx, p.profile)
	if err != nil {
		log.WithError(err).Error("worker session failed")
		return err
	}
	fetcher := p.newFetcher()
	log.Debug("worker started")

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case inst, ok := <-tasks:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			out := fetcher.Fetch(ctx, session, inst)
			if !out.OK() && p.failFast {
				cancel(out.Err)
			}
			outcomes <- out
		}
	}
}

func (p *pool) logOutcome(out models.FetchOutcome) {
	fields := logger.Fields{
		"symbol":      out.Symbol,
		"category":    string(out.Category),
		"rows":        out.TotalRows(),
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.OK() {
		fields["path"] = out.Path
		p.log.WithFields(fields).Info("symbol downloaded")
		return
	}
	fields["error_kind"] = string(out.Err.Kind)
	p.log.WithError(out.Err).WithFields(fields).Error("symbol failed")
}
