// Package bybit serves historical klines from the Bybit v5 market API.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"histflow/internal/metrics/rate"
	"histflow/internal/symbols"
	"histflow/logger"
	"histflow/models"
	"histflow/reader"
)

const (
	// DefaultBaseURL is used when a profile's server is not a URL.
	DefaultBaseURL  = "https://api.bybit.com"
	defaultCategory = "linear"
	klineLimit      = 1000
	driverName      = "bybit"
)

var intervals = map[models.Granularity]string{
	models.H1:  "60",
	models.H4:  "240",
	models.D1:  "D",
	models.W1:  "W",
	models.MN1: "M",
}

type Provider struct {
	opts     reader.Options
	category string
	log      *logger.Log
}

// New returns a Bybit provider for the configured category (linear, inverse
// or spot).
func New(opts reader.Options) reader.Provider {
	category := strings.ToLower(strings.TrimSpace(opts.Category))
	if category == "" {
		category = defaultCategory
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Provider{opts: opts, category: category, log: log}
}

func (p *Provider) Name() string { return driverName }

func (p *Provider) Open(ctx context.Context, profile models.BrokerProfile) (reader.Session, error) {
	httpClient := reader.NewHTTPClient(driverName, p.opts)
	base := reader.ServerURL(profile, DefaultBaseURL)
	client := bybitapi.NewBybitHttpClient(profile.Login, profile.Password, bybitapi.WithBaseURL(base))
	client.HTTPClient = httpClient

	s := &session{client: client, http: httpClient, category: p.category, broker: profile.Name, log: p.log}

	start := time.Now()
	resp, err := client.NewUtaBybitServiceNoParams().GetServerTime(ctx)
	if err = s.check("server_time", "", resp, err); err != nil {
		return nil, &models.ConnectionError{Broker: profile.Name, Err: err}
	}
	log := p.log.WithComponent("bybit_reader").WithFields(logger.Fields{"broker": profile.Name, "base_url": base, "category": p.category})
	logger.LogPerformanceEntry(log, "bybit_reader", "server_time", time.Since(start), nil)
	return s, nil
}

type session struct {
	client   *bybitapi.Client
	http     *http.Client
	category string
	broker   string
	log      *logger.Log
}

// check turns a transport error or a non-zero retCode into an error.
func (s *session) check(op, symbol string, resp *bybitapi.ServerResponse, err error) error {
	if err == nil && resp == nil {
		err = fmt.Errorf("bybit %s: empty response", op)
	}
	if err == nil && resp.RetCode != 0 {
		err = fmt.Errorf("bybit %s: retCode=%d %s", op, resp.RetCode, resp.RetMsg)
	}
	return rate.Check(s.log, driverName, symbol, op, err)
}

// decodeResult re-encodes the SDK's untyped result into dst.
func decodeResult(resp *bybitapi.ServerResponse, dst interface{}) error {
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dst)
}

type instrumentsResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		Status    string `json:"status"`
		BaseCoin  string `json:"baseCoin"`
		QuoteCoin string `json:"quoteCoin"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

func (s *session) Symbols(ctx context.Context) ([]models.Instrument, error) {
	var (
		list   []models.Instrument
		cursor string
		seen   = map[string]bool{}
	)
	for {
		params := map[string]interface{}{"category": s.category, "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := s.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err = s.check("instruments_info", "", resp, err); err != nil {
			return nil, err
		}
		var res instrumentsResult
		if err := decodeResult(resp, &res); err != nil {
			return nil, models.NewDataError(err, "bybit instruments page")
		}
		if list == nil {
			list = make([]models.Instrument, 0, len(res.List))
		}
		for _, it := range res.List {
			if !strings.EqualFold(it.Status, "Trading") {
				continue
			}
			path := s.category + "/" + it.QuoteCoin + "/" + it.Symbol
			list = append(list, models.Instrument{
				Name:     it.Symbol,
				Path:     path,
				Category: symbols.Classify(path, it.Symbol),
			})
		}
		if res.NextPageCursor == "" || seen[res.NextPageCursor] {
			break
		}
		seen[res.NextPageCursor] = true
		cursor = res.NextPageCursor
	}
	return list, nil
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

func (s *session) Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error) {
	interval, ok := intervals[g]
	if !ok {
		return nil, fmt.Errorf("bybit does not serve granularity %s", g)
	}
	return reader.Paginate(ctx, w, klineLimit, reader.NewestFirst, func(ctx context.Context, from, to time.Time) ([]models.Bar, error) {
		params := map[string]interface{}{
			"category": s.category,
			"symbol":   symbol,
			"interval": interval,
			"start":    from.UnixMilli(),
			"end":      to.UnixMilli(),
			"limit":    klineLimit,
		}
		resp, err := s.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err = s.check("bars", symbol, resp, err); err != nil {
			return nil, err
		}
		var res klineResult
		if err := decodeResult(resp, &res); err != nil {
			return nil, models.NewDataError(err, "bybit kline %s %s", symbol, g)
		}
		bars := make([]models.Bar, 0, len(res.List))
		for _, row := range res.List {
			b, err := convertRow(row)
			if err != nil {
				return nil, models.NewDataError(err, "bybit kline %s %s", symbol, g)
			}
			bars = append(bars, b)
		}
		return bars, nil
	})
}

// convertRow parses [startTime, open, high, low, close, volume, turnover].
func convertRow(row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, err
	}
	b := models.Bar{Time: time.UnixMilli(ms).UTC()}
	for i, dst := range []*decimal.Decimal{&b.Open, &b.High, &b.Low, &b.Close, &b.RealVolume} {
		if *dst, err = decimal.NewFromString(row[i+1]); err != nil {
			return models.Bar{}, err
		}
	}
	return b, nil
}

func (s *session) Close() error {
	s.http.CloseIdleConnections()
	return nil
}
