package bybit

import (
	"context"
	"encoding/json"
	"fmt"
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

func envelope(result interface{}) map[string]interface{} {
	return map[string]interface{}{"retCode": 0, "retMsg": "OK", "result": result, "retExtInfo": map[string]interface{}{}, "time": 1704067200000}
}

// newServer serves hourly bars starting 2024-01-01, newest first, at most
// pageLimit per response.
func newServer(t *testing.T, pageLimit int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/time", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope(map[string]string{"timeSecond": "1704067200"}))
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(envelope(map[string]interface{}{
				"category":       "linear",
				"list":           []map[string]string{{"symbol": "BTCUSDT", "status": "Trading", "baseCoin": "BTC", "quoteCoin": "USDT"}},
				"nextPageCursor": "page2",
			}))
			return
		}
		json.NewEncoder(w).Encode(envelope(map[string]interface{}{
			"category": "linear",
			"list": []map[string]string{
				{"symbol": "ETHUSDT", "status": "Trading", "baseCoin": "ETH", "quoteCoin": "USDT"},
				{"symbol": "DEADUSDT", "status": "Closed", "baseCoin": "DEAD", "quoteCoin": "USDT"},
			},
			"nextPageCursor": "",
		}))
	})
	mux.HandleFunc("/v5/market/kline", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, _ := strconv.ParseInt(q.Get("start"), 10, 64)
		to, _ := strconv.ParseInt(q.Get("end"), 10, 64)
		hour := time.Hour.Milliseconds()
		first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
		last := to - (to-first)%hour
		var rows [][]string
		for ts := last; ts >= from && ts >= first && len(rows) < pageLimit; ts -= hour {
			rows = append(rows, []string{strconv.FormatInt(ts, 10), "2.0", "2.5", "1.5", "2.2", "3", "6.6"})
		}
		json.NewEncoder(w).Encode(envelope(map[string]interface{}{"symbol": q.Get("symbol"), "category": "linear", "list": rows}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, srv *httptest.Server) reader.Session {
	t.Helper()
	s, err := New(reader.Options{Timeout: 5 * time.Second}).Open(context.Background(),
		models.BrokerProfile{Name: "Bybit", Login: "key", Password: "secret", Server: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSymbolsFollowsCursor(t *testing.T) {
	s := openSession(t, newServer(t, klineLimit))
	list, err := s.Symbols(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].Name)
	assert.Equal(t, "ETHUSDT", list[1].Name)
	assert.Equal(t, models.CategoryCrypto, list[1].Category)
}

func TestBarsAscendingInsideWindow(t *testing.T) {
	s := openSession(t, newServer(t, klineLimit))
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	w := models.MonthWindow{Start: start, End: start.AddDate(0, 1, 0)}

	bars, err := s.Bars(context.Background(), "BTCUSDT", models.H1, w)
	require.NoError(t, err)
	require.Len(t, bars, 29*24)
	assert.True(t, bars[0].Time.Equal(start))
	assert.True(t, bars[len(bars)-1].Time.Equal(w.End.Add(-time.Hour)))
	assert.Equal(t, "2.2", bars[0].Close.String())
}

func TestConvertRowRejectsShortRows(t *testing.T) {
	_, err := convertRow([]string{"1", "2"})
	assert.Error(t, err)
	_, err = convertRow([]string{"x", "1", "1", "1", "1", "1"})
	assert.Error(t, err)
}

func TestOpenRetCodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10003,"retMsg":"API key is invalid.","result":{},"retExtInfo":{},"time":0}`)
	}))
	defer srv.Close()

	_, err := reader.Open(context.Background(), New(reader.Options{Timeout: time.Second}),
		models.BrokerProfile{Name: "Bybit", Login: "k", Password: "s", Server: srv.URL})
	var ce *models.ConnectionError
	require.ErrorAs(t, err, &ce)
}
