package rate

import (
	"net/http"
	"strings"

	"histflow/logger"
)

// ReportWeight parses the exchange's quota headers from a REST response and
// emits a used_weight gauge. Responses without quota headers are ignored.
func ReportWeight(log *logger.Log, exchange string, header http.Header) {
	exchange = strings.ToLower(exchange)
	var used, limit int64
	switch exchange {
	case "binance":
		v := header.Get("X-MBX-USED-WEIGHT-1m")
		if v == "" {
			return
		}
		used = headerInt(v)
	case "bybit":
		limitStr := header.Get("X-Bapi-Limit")
		if limitStr == "" {
			limitStr = header.Get("X-RateLimit-Limit")
		}
		remainingStr := header.Get("X-Bapi-Limit-Status")
		if remainingStr == "" {
			remainingStr = header.Get("X-RateLimit-Remaining")
		}
		if limitStr == "" || remainingStr == "" {
			return
		}
		limit = headerInt(limitStr)
		used = limit - headerInt(remainingStr)
	case "kucoin":
		limitStr := header.Get("gw-ratelimit-limit")
		remainingStr := header.Get("gw-ratelimit-remaining")
		if limitStr == "" || remainingStr == "" {
			return
		}
		limit = headerInt(limitStr)
		used = limit - headerInt(remainingStr)
	default:
		return
	}
	if used < 0 {
		used = 0
	}

	component := exchange + "_reader"
	fields := logger.Fields{"exchange": exchange}
	if limit > 0 {
		fields["limit"] = limit
	}
	log.WithComponent(component).LogMetric(component, "used_weight", used, "gauge", fields)
}

// Transport reports quota headers and throttling status codes of every
// response passing through it.
type Transport struct {
	Base     http.RoundTripper
	Exchange string
	Log      *logger.Log
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}
	ReportWeight(log, t.Exchange, resp.Header)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ReportRateLimitExceeded(log, t.Exchange, req.URL.Query().Get("symbol"), "bars")
	case http.StatusTeapot:
		// Binance answers 418 once an IP has been auto-banned.
		ReportIPBan(log, t.Exchange, req.URL.Query().Get("symbol"), "bars")
	}
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := t.Base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}
