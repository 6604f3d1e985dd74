package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histflow/config"
	"histflow/models"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(config.AuditConfig{Dir: t.TempDir(), MaxSizeMB: 10}, "run-1", time.Date(2024, 3, 15, 9, 30, 5, 0, time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleOutcomes() (models.FetchOutcome, models.FetchOutcome) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	ok := models.FetchOutcome{
		Symbol:   "EURUSD",
		Category: models.CategoryForex,
		Stats: map[models.Granularity]models.GranularityStats{
			models.D1: {Rows: 74, First: &first, Last: &last},
			models.H1: {},
		},
		Path:     "data/Acme/EURUSD.csv",
		Duration: 1500 * time.Millisecond,
	}
	failed := models.FetchOutcome{
		Symbol: "GBPUSD",
		Err:    &models.FetchError{Symbol: "GBPUSD", Kind: models.KindConnectivity, Err: errors.New("reset by peer")},
	}
	return ok, failed
}

func TestLogFileName(t *testing.T) {
	l := openLog(t)
	assert.Equal(t, "download_log_20240315_093005.jsonl", filepath.Base(l.Path()))
	assert.Equal(t, "run-1", l.RunID())
}

func TestLogSymbolEntries(t *testing.T) {
	l := openLog(t)
	ok, failed := sampleOutcomes()
	l.Symbol("Acme", ok)
	l.Symbol("Acme", failed)
	require.NoError(t, l.Close())

	recs, err := ReadFile(l.Path())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	good := recs[0]
	assert.Equal(t, TypeSymbol, good.Type)
	assert.Equal(t, "run-1", good.RunID)
	assert.Equal(t, "Acme", good.Broker)
	assert.Equal(t, "EURUSD", good.Symbol)
	assert.Equal(t, "Forex", good.Category)
	assert.True(t, good.OK())
	assert.Equal(t, 74, good.Rows)
	assert.Equal(t, int64(1500), good.DurationMS)
	require.Contains(t, good.Timeframes, models.D1)
	assert.Equal(t, 74, good.Timeframes[models.D1].Rows)
	assert.True(t, good.Timeframes[models.D1].First.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, good.Timeframes[models.H1].First)
	assert.Equal(t, "info", good.Level)

	bad := recs[1]
	assert.False(t, bad.OK())
	assert.Equal(t, "connection", bad.ErrorKind)
	assert.Contains(t, bad.Error, "reset by peer")
	assert.Equal(t, "error", bad.Level)
	assert.Empty(t, bad.Path)
}

func TestLogBrokerAndRunEntries(t *testing.T) {
	l := openLog(t)
	l.BrokerSkipped("B", &models.ConfigError{Broker: "B", Missing: []string{"password"}})
	l.BrokerFailed("C", &models.ConnectionError{Broker: "C", Err: errors.New("login refused")})
	l.BrokerSummary(models.BrokerResult{Broker: "A", Status: models.BrokerCompleted, Symbols: 3, Files: 3})
	l.RunSummary([]models.BrokerResult{
		{Broker: "A", Files: 3},
		{Broker: "B", Status: models.BrokerSkipped},
		{Broker: "C", Status: models.BrokerAborted},
	})
	require.NoError(t, l.Close())

	recs, err := ReadFile(l.Path())
	require.NoError(t, err)
	require.Len(t, recs, 4)

	skipped := Filter(recs, TypeBrokerSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "B", skipped[0].Broker)
	assert.Contains(t, skipped[0].Error, "password")

	failed := Filter(recs, TypeBrokerFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "aborted", failed[0].Status)
	assert.Contains(t, failed[0].Error, "login refused")

	summary := Filter(recs, TypeBrokerSummary)
	require.Len(t, summary, 1)
	assert.Equal(t, "completed", summary[0].Status)
	assert.Equal(t, 3, summary[0].Files)

	run := Filter(recs, TypeRunSummary)
	require.Len(t, run, 1)
	assert.Equal(t, 3, run[0].TotalFiles)
	assert.Equal(t, map[string]int{"A": 3, "B": 0, "C": 0}, run[0].Brokers)
	for _, r := range recs {
		assert.Equal(t, "run-1", r.RunID)
	}
}

func TestStoreMirror(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	l := openLog(t)
	l.Mirror(store)
	ok, failed := sampleOutcomes()
	l.Symbol("Acme", ok)
	l.Symbol("Acme", failed)
	l.BrokerSummary(models.BrokerResult{Broker: "Acme", Status: models.BrokerAborted, Files: 1, Failed: 1})

	rows, err := store.Entries(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, TypeSymbol, rows[0].Type)
	assert.Equal(t, 74, rows[0].Rows)
	assert.Contains(t, rows[0].Payload, `"D1"`)
	assert.Equal(t, TypeBrokerSummary, rows[2].Type)
	assert.Equal(t, "aborted", rows[2].Status)

	bad, err := store.FailedSymbols(context.Background(), "run-1", "Acme")
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "GBPUSD", bad[0].Symbol)
	assert.Equal(t, "connection", bad[0].ErrorKind)

	other, err := store.Entries(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
