// Package kucoin serves historical futures klines from KuCoin.
package kucoin

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/shopspring/decimal"

	"histflow/internal/metrics/rate"
	"histflow/internal/symbols"
	"histflow/logger"
	"histflow/models"
	"histflow/reader"
)

const (
	// DefaultBaseURL is used when a profile's server is not a URL.
	DefaultBaseURL = "https://api-futures.kucoin.com"
	klineLimit     = 500
	driverName     = "kucoin"
)

// granularityMinutes lists what the futures kline endpoint serves. MN1 is
// built from D1 bars.
var granularityMinutes = map[models.Granularity]int64{
	models.H1: 60,
	models.H4: 240,
	models.D1: 1440,
	models.W1: 10080,
}

// market is the subset of the futures market API a session uses.
type market interface {
	serverTime(ctx context.Context) (int64, error)
	symbols(ctx context.Context) ([]contract, error)
	klines(ctx context.Context, symbol string, minutes int64, from, to time.Time) ([][]float64, error)
}

type contract struct {
	Symbol        string
	Status        string
	QuoteCurrency string
}

type Provider struct {
	opts      reader.Options
	log       *logger.Log
	newMarket func(opts reader.Options, profile models.BrokerProfile) market
}

// New returns a KuCoin futures provider.
func New(opts reader.Options) reader.Provider {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Provider{opts: opts, log: log, newMarket: newSDKMarket}
}

func (p *Provider) Name() string { return driverName }

func (p *Provider) Open(ctx context.Context, profile models.BrokerProfile) (reader.Session, error) {
	m := p.newMarket(p.opts, profile)
	start := time.Now()
	if _, err := m.serverTime(ctx); err != nil {
		return nil, &models.ConnectionError{Broker: profile.Name, Err: rate.Check(p.log, driverName, "", "server_time", err)}
	}
	log := p.log.WithComponent("kucoin_reader").WithFields(logger.Fields{"broker": profile.Name})
	logger.LogPerformanceEntry(log, "kucoin_reader", "server_time", time.Since(start), nil)
	return &session{market: m, broker: profile.Name, log: p.log}, nil
}

type session struct {
	market market
	broker string
	log    *logger.Log
}

func (s *session) Symbols(ctx context.Context) ([]models.Instrument, error) {
	contracts, err := s.market.symbols(ctx)
	if err != nil {
		return nil, rate.Check(s.log, driverName, "", "symbols", err)
	}
	if contracts == nil {
		return nil, nil
	}
	list := make([]models.Instrument, 0, len(contracts))
	for _, c := range contracts {
		if c.Status != "" && !strings.EqualFold(c.Status, "Open") {
			continue
		}
		path := "futures/" + c.QuoteCurrency + "/" + c.Symbol
		list = append(list, models.Instrument{
			Name:     c.Symbol,
			Path:     path,
			Category: symbols.Classify(path, symbols.Canonical(driverName, c.Symbol)),
		})
	}
	return list, nil
}

func (s *session) Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error) {
	if g == models.MN1 {
		daily, err := s.Bars(ctx, symbol, models.D1, w)
		if err != nil {
			return nil, err
		}
		return monthlyFromDaily(daily, w), nil
	}
	minutes, ok := granularityMinutes[g]
	if !ok {
		return nil, fmt.Errorf("kucoin does not serve granularity %s", g)
	}
	span := time.Duration(minutes) * time.Minute * klineLimit
	return reader.PaginateSpans(ctx, w, span, func(ctx context.Context, from, to time.Time) ([]models.Bar, error) {
		rows, err := s.market.klines(ctx, symbol, minutes, from, to)
		if err != nil {
			return nil, rate.Check(s.log, driverName, symbol, "bars", err)
		}
		bars := make([]models.Bar, 0, len(rows))
		for _, row := range rows {
			b, err := convertRow(row)
			if err != nil {
				return nil, models.NewDataError(err, "kucoin kline %s %s", symbol, g)
			}
			bars = append(bars, b)
		}
		return bars, nil
	})
}

// convertRow parses [time, open, high, low, close, volume, turnover].
func convertRow(row []float64) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	return models.Bar{
		Time:       time.UnixMilli(int64(row[0])).UTC(),
		Open:       decimal.NewFromFloat(row[1]),
		High:       decimal.NewFromFloat(row[2]),
		Low:        decimal.NewFromFloat(row[3]),
		Close:      decimal.NewFromFloat(row[4]),
		RealVolume: decimal.NewFromFloat(row[5]),
	}, nil
}

// monthlyFromDaily folds the daily bars of one window into a single bar
// stamped at the first day of the window's month.
func monthlyFromDaily(daily []models.Bar, w models.MonthWindow) []models.Bar {
	if len(daily) == 0 {
		return nil
	}
	start := time.Date(w.Start.Year(), w.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !w.Contains(start) {
		// The month opened before the window; its bar belongs to a range
		// that was not requested.
		return nil
	}
	m := models.Bar{
		Time:  start,
		Open:  daily[0].Open,
		High:  daily[0].High,
		Low:   daily[0].Low,
		Close: daily[len(daily)-1].Close,
	}
	for _, d := range daily {
		if d.High.GreaterThan(m.High) {
			m.High = d.High
		}
		if d.Low.LessThan(m.Low) {
			m.Low = d.Low
		}
		m.RealVolume = m.RealVolume.Add(d.RealVolume)
		m.TickVolume += d.TickVolume
	}
	return []models.Bar{m}
}

func (s *session) Close() error { return nil }

type sdkMarket struct {
	api futuresmarket.MarketAPI
}

func newSDKMarket(opts reader.Options, profile models.BrokerProfile) market {
	transport := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(opts.Pool.MaxIdleConns).
		SetMaxIdleConnsPerHost(opts.Pool.MaxIdleConns).
		SetMaxConnsPerHost(opts.Pool.MaxConnsPerHost).
		SetIdleConnTimeout(opts.Pool.IdleConnTimeout).
		SetTimeout(opts.Timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithKey(profile.Login).
		WithSecret(profile.Password).
		WithPassphrase(profile.InvestorPassword).
		WithFuturesEndpoint(reader.ServerURL(profile, DefaultBaseURL)).
		WithTransportOption(transport).
		Build()

	client := sdkapi.NewClient(option)
	return &sdkMarket{api: client.RestService().GetFuturesService().GetMarketAPI()}
}

func (m *sdkMarket) serverTime(ctx context.Context) (int64, error) {
	resp, err := m.api.GetServerTime(ctx)
	if err != nil {
		return 0, err
	}
	return resp.Data, nil
}

func (m *sdkMarket) symbols(ctx context.Context) ([]contract, error) {
	resp, err := m.api.GetAllSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	out := make([]contract, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, contract{Symbol: d.Symbol, Status: d.Status, QuoteCurrency: d.QuoteCurrency})
	}
	return out, nil
}

func (m *sdkMarket) klines(ctx context.Context, symbol string, minutes int64, from, to time.Time) ([][]float64, error) {
	req := futuresmarket.NewGetKlinesReqBuilder().
		SetSymbol(symbol).
		SetGranularity(minutes).
		SetFrom(from.UnixMilli()).
		SetTo(to.UnixMilli()).
		Build()
	resp, err := m.api.GetKlines(req, ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Data, nil
}
