// Package reader defines provider sessions for historical bar data and the
// registry of exchange drivers implementing them.
package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"histflow/config"
	"histflow/internal/metrics/rate"
	"histflow/logger"
	"histflow/models"
)

// Provider opens authenticated sessions against one data provider.
type Provider interface {
	Name() string
	Open(ctx context.Context, profile models.BrokerProfile) (Session, error)
}

// Session is an authenticated connection owned by a single goroutine.
// A nil symbol list from Symbols means the provider returned nothing.
type Session interface {
	Symbols(ctx context.Context) ([]models.Instrument, error)
	Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error)
	Close() error
}

// Options carries the settings a driver needs to build a session.
type Options struct {
	Broker   string
	Category string
	Timeout  time.Duration
	Pool     config.ConnectionPoolConfig
	Log      *logger.Log
}

// OptionsFromConfig builds driver options for one broker.
func OptionsFromConfig(cfg *config.Config, broker string) Options {
	bc := cfg.Acquisition.Broker(broker)
	return Options{
		Broker:   broker,
		Category: bc.Category,
		Timeout:  cfg.Reader.Timeout,
		Pool:     cfg.Reader.ConnectionPool,
		Log:      logger.GetLogger(),
	}
}

// Factory builds a Provider for one broker.
type Factory func(opts Options) Provider

// Registry maps driver names to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a driver. Names are case-insensitive.
func (r *Registry) Register(driver string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(driver)] = f
}

// Lookup returns the factory registered for driver.
func (r *Registry) Lookup(driver string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(driver)]
	return f, ok
}

// Provider builds the provider for driver with opts.
func (r *Registry) Provider(driver string, opts Options) (Provider, error) {
	f, ok := r.Lookup(driver)
	if !ok {
		return nil, fmt.Errorf("unknown provider driver %q", driver)
	}
	return f(opts), nil
}

// Drivers lists the registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open authenticates a session for profile. Any failure is returned as a
// *models.ConnectionError.
func Open(ctx context.Context, p Provider, profile models.BrokerProfile) (Session, error) {
	s, err := p.Open(ctx, profile)
	if err != nil {
		var ce *models.ConnectionError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &models.ConnectionError{Broker: profile.Name, Err: err}
	}
	if s == nil {
		return nil, &models.ConnectionError{Broker: profile.Name, Err: errors.New("provider returned no session")}
	}
	return s, nil
}

// EnumerateSymbols lists the tradable instruments of a session. A nil list
// becomes a *models.EnumerationError while an empty list is valid.
func EnumerateSymbols(ctx context.Context, s Session, broker string) ([]models.Instrument, error) {
	list, err := s.Symbols(ctx)
	if err != nil {
		var ee *models.EnumerationError
		if errors.As(err, &ee) {
			return nil, ee
		}
		return nil, &models.EnumerationError{Broker: broker, Err: err}
	}
	if list == nil {
		return nil, &models.EnumerationError{Broker: broker}
	}
	return list, nil
}

// Slot holds the session of one execution context. It is not safe for
// concurrent use; each worker owns its own Slot.
type Slot struct {
	provider Provider
	session  Session
}

func NewSlot(p Provider) *Slot {
	return &Slot{provider: p}
}

// Open closes any previously held session and authenticates a new one.
func (s *Slot) Open(ctx context.Context, profile models.BrokerProfile) (Session, error) {
	if err := s.Close(); err != nil {
		logger.GetLogger().WithComponent("reader").WithError(err).Warn("failed to close previous session")
	}
	session, err := Open(ctx, s.provider, profile)
	if err != nil {
		return nil, err
	}
	s.session = session
	return session, nil
}

// Session returns the held session, or nil.
func (s *Slot) Session() Session { return s.session }

// Close releases the held session. It is a no-op when nothing is held.
func (s *Slot) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// NewHTTPClient builds a private HTTP client for one session. Quota headers
// of every response are reported under the exchange's name.
func NewHTTPClient(exchange string, opts Options) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: opts.Pool.MaxIdleConns,
		MaxConnsPerHost:     opts.Pool.MaxConnsPerHost,
		IdleConnTimeout:     opts.Pool.IdleConnTimeout,
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &http.Client{
		Transport: &rate.Transport{Base: transport, Exchange: exchange, Log: log},
		Timeout:   opts.Timeout,
	}
}

// ServerURL returns profile.Server when it is an http(s) URL and fallback
// otherwise. Broker servers given as plain labels select the public
// endpoint.
func ServerURL(profile models.BrokerProfile, fallback string) string {
	s := strings.TrimSpace(profile.Server)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return strings.TrimRight(s, "/")
	}
	return fallback
}
