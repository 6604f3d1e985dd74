package rate

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"histflow/logger"
	"histflow/models"
)

func TestReportRateLimitExceeded(t *testing.T) {
	log := logger.GetLogger()
	ReportRateLimitExceeded(log, "binance", "BTCUSDT", "bars")
}

func TestReportIPBan(t *testing.T) {
	log := logger.GetLogger()
	ReportIPBan(log, "binance", "BTCUSDT", "bars")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "<APIError> code=-1003, msg=Way too much request weight used", true, false},
		{"kucoin", "429 Too Many Requests", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "retCode=10006 too many visits", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("exchange %s: expected rateLimit %v got %v", c.exchange, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("exchange %s: expected ipBan %v got %v", c.exchange, c.ban, ban)
		}
	}
}

func TestCheckWrapsRateLimit(t *testing.T) {
	log := logger.GetLogger()
	base := fmt.Errorf("request failed: too many requests")

	err := Check(log, "binance", "BTCUSDT", "bars", base)
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("original error lost: %v", err)
	}

	plain := errors.New("symbol not found")
	if got := Check(log, "binance", "BTCUSDT", "bars", plain); got != plain {
		t.Fatalf("unrelated error should pass through, got %v", got)
	}
	if Check(log, "binance", "BTCUSDT", "bars", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestHeaderInt(t *testing.T) {
	if got := headerInt("1990"); got != 1990 {
		t.Errorf("got %d", got)
	}
	if got := headerInt("used:12/limit:100"); got != 12 {
		t.Errorf("got %d", got)
	}
	if got := headerInt(""); got != 0 {
		t.Errorf("got %d", got)
	}
}

func TestTransportPassesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1m", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Exchange: "binance", Log: logger.GetLogger()}}
	resp, err := client.Get(srv.URL + "/api/v3/klines?symbol=BTCUSDT")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
