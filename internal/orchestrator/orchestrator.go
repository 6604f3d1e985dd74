// Package orchestrator drives acquisition broker by broker and fans each
// broker's symbols out to a pool of session-owning workers.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"histflow/config"
	"histflow/internal/audit"
	"histflow/internal/calendar"
	"histflow/internal/symbols"
	"histflow/logger"
	"histflow/models"
	"histflow/processor"
	"histflow/reader"
)

// RunResult summarises one acquisition run.
type RunResult struct {
	RunID   string
	Brokers []models.BrokerResult
	Files   int
}

// Broker returns the result recorded for name.
func (r RunResult) Broker(name string) (models.BrokerResult, bool) {
	for _, b := range r.Brokers {
		if strings.EqualFold(b.Broker, name) {
			return b, true
		}
	}
	return models.BrokerResult{}, false
}

// TransitionFunc observes broker state changes.
type TransitionFunc func(broker string, from, to State)

// Orchestrator runs acquisition for the brokers of a credential table.
type Orchestrator struct {
	cfg      *config.Config
	registry *reader.Registry
	creds    *config.Credentials
	sink     processor.Sink
	audit    *audit.Log

	only         string
	now          func() time.Time
	onTransition TransitionFunc
	log          *logger.Log
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBroker restricts the run to one broker.
func WithBroker(name string) Option {
	return func(o *Orchestrator) { o.only = strings.TrimSpace(name) }
}

// WithClock replaces time.Now when resolving an open-ended date range.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTransitionHook calls fn on every broker state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// New builds an Orchestrator writing artifacts through sink and decisions to auditLog.
func New(cfg *config.Config, registry *reader.Registry, creds *config.Credentials, sink processor.Sink, auditLog *audit.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		creds:    creds,
		sink:     sink,
		audit:    auditLog,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) selected(broker string) bool {
	return o.only == "" || strings.EqualFold(o.only, broker)
}

// Run processes every broker in credential order. Brokers are independent:
// a failing broker is recorded and the run moves on to the next one.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()
	res := RunResult{RunID: o.audit.RunID()}
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"run_id": res.RunID})

	dateRange, err := o.cfg.Acquisition.DateRange(o.now())
	if err != nil {
		return res, err
	}
	granularities, err := o.cfg.Acquisition.Granularities()
	if err != nil {
		return res, err
	}
	windows := calendar.PartitionRange(dateRange)

	log.WithFields(logger.Fields{
		"start":       dateRange.Start.Format(time.RFC3339),
		"end":         dateRange.End.Format(time.RFC3339),
		"windows":     len(windows),
		"timeframes":  len(granularities),
		"brokers":     len(o.creds.Profiles),
		"fail_fast":   o.cfg.Acquisition.FailFast,
		"max_workers": o.cfg.Acquisition.WorkerCount(),
	}).Info("acquisition run started")

	for _, skipped := range o.creds.Skipped {
		if !o.selected(skipped.Broker) {
			continue
		}
		log.WithFields(logger.Fields{"broker": skipped.Broker, "missing": skipped.Missing}).Warn("broker skipped: incomplete credentials")
		o.audit.BrokerSkipped(skipped.Broker, skipped)
		res.Brokers = append(res.Brokers, models.BrokerResult{Broker: skipped.Broker, Status: models.BrokerSkipped, Err: skipped})
	}

	for _, profile := range o.creds.Profiles {
		if !o.selected(profile.Name) {
			continue
		}
		if ctx.Err() != nil {
			log.WithFields(logger.Fields{"broker": profile.Name}).Warn("run cancelled, broker not started")
			break
		}
		br := o.ProcessBroker(ctx, profile, granularities, windows)
		res.Brokers = append(res.Brokers, br)
		res.Files += br.Files
	}

	o.audit.RunSummary(res.Brokers)
	log.WithFields(logger.Fields{"files": res.Files, "brokers": len(res.Brokers)}).Info("acquisition run finished")
	logger.LogPerformanceEntry(log, "orchestrator", "run", time.Since(start), logger.Fields{"files": res.Files})
	log.LogMetric("orchestrator", "files_written", res.Files, "counter", logger.Fields{})
	return res, ctx.Err()
}

// ProcessBroker runs one broker from authentication to its terminal state.
func (o *Orchestrator) ProcessBroker(ctx context.Context, profile models.BrokerProfile, granularities []models.Granularity, windows []models.MonthWindow) models.BrokerResult {
	start := time.Now()
	res := models.BrokerResult{Broker: profile.Name}
	bc := o.cfg.Acquisition.Broker(profile.Name)
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"run_id": o.audit.RunID(),
		"broker": profile.Name,
		"driver": bc.Driver,
	})

	state := StateIdle
	moveTo := func(next State) {
		log.WithFields(logger.Fields{"from": state.String(), "to": next.String()}).Info("broker state changed")
		if o.onTransition != nil {
			o.onTransition(profile.Name, state, next)
		}
		state = next
	}
	abort := func(err error) models.BrokerResult {
		res.Status = models.BrokerAborted
		res.Err = err
		log.WithError(err).Error("broker aborted")
		o.audit.BrokerFailed(profile.Name, err)
		moveTo(StateAborted)
		o.audit.BrokerSummary(res)
		return res
	}

	provider, err := o.registry.Provider(bc.Driver, reader.OptionsFromConfig(o.cfg, profile.Name))
	if err != nil {
		return abort(err)
	}

	moveTo(StateAuthenticating)
	bootstrap, err := reader.Open(ctx, provider, profile)
	if err != nil {
		return abort(err)
	}

	moveTo(StateEnumerating)
	instruments, err := reader.EnumerateSymbols(ctx, bootstrap, profile.Name)
	if cerr := bootstrap.Close(); cerr != nil {
		log.WithError(cerr).Warn("failed to close bootstrap session")
	}
	if err != nil {
		return abort(err)
	}
	instruments = o.prepare(instruments, bc)
	res.Symbols = len(instruments)
	log.WithFields(logger.Fields{"symbols": len(instruments)}).Info("symbols enumerated")

	if len(instruments) > 0 {
		moveTo(StateDispatching)
		p := &pool{
			workers:  min(o.cfg.Acquisition.WorkerCount(), len(instruments)),
			failFast: o.cfg.Acquisition.FailFast,
			provider: provider,
			profile:  profile,
			newFetcher: func() *processor.Fetcher {
				return processor.NewFetcher(profile.Name, granularities, windows, o.cfg.Acquisition.RequestDelay, o.sink)
			},
			onOutcome: func(out models.FetchOutcome) { o.audit.Symbol(profile.Name, out) },
			log:       log,
		}
		p.run(ctx, instruments, &res)
	}

	moveTo(StateAggregating)
	switch {
	case res.Err != nil:
		var fe *models.FetchError
		if !errors.As(res.Err, &fe) {
			o.audit.BrokerFailed(profile.Name, res.Err)
		}
		res.Status = models.BrokerAborted
		log.WithError(res.Err).WithFields(logger.Fields{
			"files":     res.Files,
			"failed":    res.Failed,
			"abandoned": res.Abandoned,
		}).Error("broker aborted")
		moveTo(StateAborted)
	default:
		res.Status = models.BrokerCompleted
		moveTo(StateCompleted)
	}

	o.audit.BrokerSummary(res)
	log.WithFields(logger.Fields{
		"status":    string(res.Status),
		"symbols":   res.Symbols,
		"files":     res.Files,
		"failed":    res.Failed,
		"abandoned": res.Abandoned,
	}).Info("broker finished")
	logger.LogPerformanceEntry(log, "orchestrator", "process_broker", time.Since(start), logger.Fields{"files": res.Files})
	return res
}

// prepare applies the configured allow-list and resolves each instrument's
// category once.
func (o *Orchestrator) prepare(list []models.Instrument, bc config.BrokerConfig) []models.Instrument {
	allowed := make(map[string]bool, len(bc.Symbols))
	for _, s := range bc.Symbols {
		allowed[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	out := make([]models.Instrument, 0, len(list))
	for _, inst := range list {
		if len(allowed) > 0 && !allowed[strings.ToUpper(inst.Name)] {
			continue
		}
		if inst.Category == "" {
			inst.Category = symbols.Classify(inst.Path, inst.Name)
		}
		out = append(out, inst)
	}
	return out
}
