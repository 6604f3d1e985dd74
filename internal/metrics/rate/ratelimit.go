package rate

import (
	"fmt"
	"strings"

	"histflow/logger"
	"histflow/models"
)

func limitFields(exchange, symbol, dataType string) logger.Fields {
	return logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"type":     strings.ToLower(dataType),
	}
}

// ReportRateLimitExceeded emits a rate_limit_exceeded counter for the
// exchange and data type.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	fields := limitFields(exchange, symbol, dataType)
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan emits an ip_ban counter for the exchange and data type.
func ReportIPBan(log *logger.Log, exchange, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	fields := limitFields(exchange, symbol, dataType)
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. The detection logic is customised per
// exchange as each one uses different wording.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "code=-1003")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "429000")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") ||
			strings.Contains(lowerMsg, "too many visits") || strings.Contains(lowerMsg, "10006"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// Check inspects a provider error. When it signals a rate limit or an IP ban
// the matching metric is recorded and the error is returned wrapped with
// models.ErrRateLimited. Other errors are returned unchanged.
func Check(log *logger.Log, exchange, symbol, dataType string, err error) error {
	if err == nil {
		return nil
	}
	rateLimit, ipBan := detectLimit(exchange, err.Error())
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, dataType)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, dataType)
	}
	if rateLimit || ipBan {
		return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
	}
	return err
}
