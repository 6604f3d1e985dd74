package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histflow/models"
	"histflow/reader"
)

// newServer serves ping, exchangeInfo and hourly klines for 2024.
func newServer(t *testing.T, klineHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timezone":"UTC","serverTime":1704067200000,"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"OLDCOIN","status":"BREAK","baseAsset":"OLD","quoteAsset":"BTC"}]}`))
	})
	mux.HandleFunc("/api/v3/klines", klineHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func hourlyKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	hour := time.Hour.Milliseconds()
	start := from
	if start < first {
		start = first
	}
	if rem := (start - first) % hour; rem != 0 {
		start += hour - rem
	}
	var rows [][]interface{}
	for ts := start; ts <= to && len(rows) < limit; ts += hour {
		rows = append(rows, []interface{}{ts, "1.10", "1.20", "1.00", "1.15", "10.5", ts + hour - 1, "12.0", 7, "5", "6", "0"})
	}
	json.NewEncoder(w).Encode(rows)
}

func openSession(t *testing.T, srv *httptest.Server) reader.Session {
	t.Helper()
	p := New(reader.Options{Timeout: 5 * time.Second})
	s, err := p.Open(context.Background(), models.BrokerProfile{Name: "Acme", Login: "k", Password: "s", Server: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSymbolsOnlyTrading(t *testing.T) {
	s := openSession(t, newServer(t, hourlyKlines))
	list, err := s.Symbols(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BTCUSDT", list[0].Name)
	assert.Equal(t, models.CategoryCrypto, list[0].Category)
}

func TestBarsMonthWindow(t *testing.T) {
	s := openSession(t, newServer(t, hourlyKlines))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := models.MonthWindow{Start: start, End: start.AddDate(0, 1, 0)}

	bars, err := s.Bars(context.Background(), "BTCUSDT", models.H1, w)
	require.NoError(t, err)
	require.Len(t, bars, 31*24)
	assert.True(t, bars[0].Time.Equal(start))
	assert.Equal(t, "1.15", bars[0].Close.String())
	assert.Equal(t, int64(7), bars[0].TickVolume)
	assert.Equal(t, "10.5", bars[0].RealVolume.String())
	assert.Equal(t, time.UTC, bars[0].Time.Location())
}

func TestBarsQuietMarket(t *testing.T) {
	s := openSession(t, newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := s.Bars(context.Background(), "BTCUSDT", models.D1, models.MonthWindow{Start: start, End: start.AddDate(0, 1, 0)})
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestBarsMalformedPrice(t *testing.T) {
	s := openSession(t, newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1704067200000,"abc","1","1","1","1",1704070799999,"1",1,"1","1","0"]]`))
	}))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Bars(context.Background(), "BTCUSDT", models.H1, models.MonthWindow{Start: start, End: start.AddDate(0, 1, 0)})
	require.Error(t, err)
	assert.Equal(t, models.KindDataShape, models.ClassifyFetchError("BTCUSDT", err).Kind)
}

func TestOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key"}`))
	}))
	defer srv.Close()

	_, err := reader.Open(context.Background(), New(reader.Options{Timeout: time.Second}),
		models.BrokerProfile{Name: "Acme", Login: "k", Password: "s", Server: srv.URL})
	var ce *models.ConnectionError
	require.ErrorAs(t, err, &ce)
}
