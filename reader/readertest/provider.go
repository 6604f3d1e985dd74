// Package readertest provides a scripted in-memory provider for tests.
package readertest

import (
	"context"
	"errors"
	"sync"

	"histflow/models"
	"histflow/reader"
)

// Call records one Bars request.
type Call struct {
	Symbol      string
	Granularity models.Granularity
	Window      models.MonthWindow
}

// Provider serves bars from memory. Zero values mean: open succeeds, symbol
// list is nil and every symbol has no bars.
type Provider struct {
	ProviderName string
	Instruments  []models.Instrument
	SymbolsErr   error
	// Series holds every bar per symbol and granularity; sessions return the
	// ones opening inside the requested window.
	Series map[string]map[models.Granularity][]models.Bar
	// Failures makes every Bars call for a symbol fail.
	Failures map[string]error
	// OpenHook is called with the 1-based open count before a session is
	// returned. A non-nil error fails the open.
	OpenHook func(n int, profile models.BrokerProfile) error
	// BarsHook runs before each Bars call is served.
	BarsHook func(ctx context.Context, symbol string) error

	mu     sync.Mutex
	opens  int
	closes int
	calls  []Call
}

var _ reader.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *Provider) Open(ctx context.Context, profile models.BrokerProfile) (reader.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.opens++
	n := p.opens
	p.mu.Unlock()
	if p.OpenHook != nil {
		if err := p.OpenHook(n, profile); err != nil {
			return nil, err
		}
	}
	return &session{p: p}, nil
}

// Opens returns how many sessions were opened.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Closes returns how many sessions were closed.
func (p *Provider) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Calls returns a copy of every Bars request so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Requested reports whether any bars were requested for symbol.
func (p *Provider) Requested(symbol string) bool {
	for _, c := range p.Calls() {
		if c.Symbol == symbol {
			return true
		}
	}
	return false
}

type session struct {
	p      *Provider
	closed bool
}

var errClosed = errors.New("session closed")

func (s *session) Symbols(ctx context.Context) ([]models.Instrument, error) {
	if s.closed {
		return nil, errClosed
	}
	if s.p.SymbolsErr != nil {
		return nil, s.p.SymbolsErr
	}
	if s.p.Instruments == nil {
		return nil, nil
	}
	return append([]models.Instrument{}, s.p.Instruments...), nil
}

func (s *session) Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error) {
	if s.closed {
		return nil, errClosed
	}
	s.p.mu.Lock()
	s.p.calls = append(s.p.calls, Call{Symbol: symbol, Granularity: g, Window: w})
	s.p.mu.Unlock()

	if s.p.BarsHook != nil {
		if err := s.p.BarsHook(ctx, symbol); err != nil {
			return nil, err
		}
	}
	if err := s.p.Failures[symbol]; err != nil {
		return nil, err
	}
	var out []models.Bar
	for _, b := range s.p.Series[symbol][g] {
		if w.Contains(b.Time) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.p.mu.Lock()
	s.p.closes++
	s.p.mu.Unlock()
	return nil
}
