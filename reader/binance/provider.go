// Package binance serves historical spot klines from Binance.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"histflow/internal/metrics/rate"
	"histflow/internal/symbols"
	"histflow/logger"
	"histflow/models"
	"histflow/reader"
)

const (
	// DefaultBaseURL is used when a profile's server is not a URL.
	DefaultBaseURL = "https://api.binance.com"
	klineLimit     = 1000
	driverName     = "binance"
)

var intervals = map[models.Granularity]string{
	models.H1:  "1h",
	models.H4:  "4h",
	models.D1:  "1d",
	models.W1:  "1w",
	models.MN1: "1M",
}

type Provider struct {
	opts reader.Options
	log  *logger.Log
}

// New returns a Binance provider.
func New(opts reader.Options) reader.Provider {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Provider{opts: opts, log: log}
}

func (p *Provider) Name() string { return driverName }

// Open builds a client with a private HTTP transport and pings the API.
func (p *Provider) Open(ctx context.Context, profile models.BrokerProfile) (reader.Session, error) {
	httpClient := reader.NewHTTPClient(driverName, p.opts)
	client := gobinance.NewClient(profile.Login, profile.Password)
	client.BaseURL = reader.ServerURL(profile, DefaultBaseURL)
	client.HTTPClient = httpClient

	start := time.Now()
	if err := client.NewPingService().Do(ctx); err != nil {
		return nil, &models.ConnectionError{Broker: profile.Name, Err: rate.Check(p.log, driverName, "", "ping", err)}
	}
	log := p.log.WithComponent("binance_reader").WithFields(logger.Fields{"broker": profile.Name, "base_url": client.BaseURL})
	logger.LogPerformanceEntry(log, "binance_reader", "ping", time.Since(start), nil)

	return &session{client: client, http: httpClient, broker: profile.Name, log: p.log}, nil
}

type session struct {
	client *gobinance.Client
	http   *http.Client
	broker string
	log    *logger.Log
}

func (s *session) Symbols(ctx context.Context) ([]models.Instrument, error) {
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, rate.Check(s.log, driverName, "", "exchange_info", err)
	}
	if info == nil || info.Symbols == nil {
		return nil, nil
	}
	list := make([]models.Instrument, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		path := "spot/" + sym.QuoteAsset + "/" + sym.Symbol
		list = append(list, models.Instrument{
			Name:     sym.Symbol,
			Path:     path,
			Category: symbols.Classify(path, sym.Symbol),
		})
	}
	return list, nil
}

func (s *session) Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error) {
	interval, ok := intervals[g]
	if !ok {
		return nil, fmt.Errorf("binance does not serve granularity %s", g)
	}
	return reader.Paginate(ctx, w, klineLimit, reader.OldestFirst, func(ctx context.Context, from, to time.Time) ([]models.Bar, error) {
		klines, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(klineLimit).
			Do(ctx)
		if err != nil {
			return nil, rate.Check(s.log, driverName, symbol, "bars", err)
		}
		bars := make([]models.Bar, 0, len(klines))
		for _, k := range klines {
			b, err := convertKline(k)
			if err != nil {
				return nil, models.NewDataError(err, "binance kline %s %s at %d", symbol, g, k.OpenTime)
			}
			bars = append(bars, b)
		}
		return bars, nil
	})
}

func convertKline(k *gobinance.Kline) (models.Bar, error) {
	var (
		b   = models.Bar{Time: time.UnixMilli(k.OpenTime).UTC(), TickVolume: k.TradeNum}
		err error
	)
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.Open, k.Open},
		{&b.High, k.High},
		{&b.Low, k.Low},
		{&b.Close, k.Close},
		{&b.RealVolume, k.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (s *session) Close() error {
	s.http.CloseIdleConnections()
	return nil
}
