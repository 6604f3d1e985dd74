package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ConnectionError reports a failure to open a provider session. It is fatal
// to the broker being processed.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EnumerationError reports that a provider returned no symbol list.
type EnumerationError struct {
	Broker string
	Err    error
}

func (e *EnumerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no symbol list returned for broker %s", e.Broker)
	}
	return fmt.Sprintf("enumerate symbols for broker %s: %v", e.Broker, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// ConfigError reports a broker whose credentials are incomplete.
type ConfigError struct {
	Broker  string
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("broker %s missing credential fields: %s", e.Broker, strings.Join(e.Missing, ", "))
}

// DataError marks a malformed provider payload.
type DataError struct {
	Msg string
	Err error
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// NewDataError builds a DataError with a formatted message.
func NewDataError(err error, format string, args ...any) *DataError {
	return &DataError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// ErrRateLimited is wrapped by drivers when a provider rejects a request for
// quota reasons.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// FetchErrorKind is the typed cause of a per-symbol failure.
type FetchErrorKind string

const (
	KindFileSystem   FetchErrorKind = "file"
	KindDataShape    FetchErrorKind = "data"
	KindConnectivity FetchErrorKind = "connection"
	KindSystem       FetchErrorKind = "system"
)

// FetchError is the per-symbol failure carried by a FetchOutcome.
type FetchError struct {
	Symbol string
	Kind   FetchErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s error fetching %s: %v", e.Kind, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyFetchError wraps err into a FetchError with the matching kind.
// A nil err yields nil.
func ClassifyFetchError(symbol string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Symbol: symbol, Kind: classify(err), Err: err}
}

// classify maps err to a kind. Path errors are matched before any net.Error
// check because the syscall.Errno they carry satisfies net.Error too.
func classify(err error) FetchErrorKind {
	var (
		dataErr   *DataError
		numErr    *strconv.NumError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		pathErr   *fs.PathError
		linkErr   *os.LinkError
		urlErr    *url.Error
		opErr     *net.OpError
		dnsErr    *net.DNSError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &dataErr), errors.As(err, &numErr), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindDataShape
	case errors.As(err, &pathErr), errors.As(err, &linkErr):
		return KindFileSystem
	case errors.Is(err, ErrRateLimited), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &urlErr), errors.As(err, &opErr), errors.As(err, &dnsErr):
		return KindConnectivity
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrExist):
		return KindFileSystem
	case errors.As(err, &netErr):
		return KindConnectivity
	default:
		return KindSystem
	}
}
