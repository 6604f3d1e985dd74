package processor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histflow/internal/calendar"
	"histflow/models"
	"histflow/reader"
	"histflow/reader/readertest"
	"histflow/writer"
)

var (
	rangeStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd   = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

func openSession(t *testing.T, p *readertest.Provider) reader.Session {
	t.Helper()
	s, err := reader.Open(context.Background(), p, models.BrokerProfile{Name: "Acme"})
	require.NoError(t, err)
	return s
}

func daily(from time.Time, n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{Time: from.AddDate(0, 0, i), Close: decimal.NewFromInt(int64(i))}
	}
	return bars
}

func TestFetchQuietMarket(t *testing.T) {
	p := &readertest.Provider{}
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	f := NewFetcher("Acme", models.AllGranularities(), calendar.Partition(rangeStart, rangeEnd), 0, sink)

	out := f.Fetch(context.Background(), openSession(t, p), models.Instrument{Name: "QUIET"})

	require.True(t, out.OK(), "quiet market must not fail: %v", out.Err)
	assert.Equal(t, 0, out.TotalRows())
	assert.Len(t, out.Stats, 5)
	assert.FileExists(t, out.Path)
	// 5 granularities x 3 month windows
	assert.Len(t, p.Calls(), 15)
}

func TestFetchOrderAndStats(t *testing.T) {
	p := &readertest.Provider{Series: map[string]map[models.Granularity][]models.Bar{
		"EURUSD": {models.D1: daily(rangeStart, 74)},
	}}
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	grans := []models.Granularity{models.H1, models.D1}
	f := NewFetcher("Acme", grans, calendar.Partition(rangeStart, rangeEnd), 0, sink)

	out := f.Fetch(context.Background(), openSession(t, p), models.Instrument{Name: "EURUSD", Category: models.CategoryForex})
	require.True(t, out.OK())
	assert.Equal(t, models.CategoryForex, out.Category)

	d1 := out.Stats[models.D1]
	assert.Equal(t, 74, d1.Rows)
	assert.True(t, d1.First.Equal(rangeStart))
	assert.True(t, d1.Last.Equal(rangeStart.AddDate(0, 0, 73)))
	assert.Equal(t, 0, out.Stats[models.H1].Rows)
	assert.Nil(t, out.Stats[models.H1].First)

	calls := p.Calls()
	require.Len(t, calls, 6)
	for i, c := range calls {
		wantG := grans[i/3]
		assert.Equal(t, wantG, c.Granularity, "call %d", i)
		if i%3 > 0 {
			assert.True(t, c.Window.Start.After(calls[i-1].Window.Start), "windows must be chronological")
		}
	}

	rows, err := writer.ReadCSV(out.Path)
	require.NoError(t, err)
	assert.Len(t, rows, 74)
}

// boundarySession returns the first bar of the next window again, as some
// providers do with inclusive range ends.
type boundarySession struct{ reader.Session }

func (b boundarySession) Bars(ctx context.Context, symbol string, g models.Granularity, w models.MonthWindow) ([]models.Bar, error) {
	bars, err := b.Session.Bars(ctx, symbol, g, w)
	if err != nil {
		return nil, err
	}
	return append(bars, models.Bar{Time: w.End, Close: decimal.NewFromInt(-1)}), nil
}

func TestFetchDeduplicatesBoundaryBars(t *testing.T) {
	p := &readertest.Provider{Series: map[string]map[models.Granularity][]models.Bar{
		"EURUSD": {models.D1: daily(rangeStart, 74)},
	}}
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	f := NewFetcher("Acme", []models.Granularity{models.D1}, calendar.Partition(rangeStart, rangeEnd), 0, sink)

	out := f.Fetch(context.Background(), boundarySession{openSession(t, p)}, models.Instrument{Name: "EURUSD"})
	require.True(t, out.OK())

	rows, err := writer.ReadCSV(out.Path)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, r := range rows {
		require.False(t, seen[r.Time.Unix()], "duplicate timestamp %s", r.Time)
		seen[r.Time.Unix()] = true
	}
	// Feb 1 arrives twice: once as a boundary echo with close -1, then for
	// real. The first occurrence is kept.
	for _, r := range rows {
		if r.Time.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
			assert.Equal(t, "-1", r.Close.String())
		}
	}
}

func TestFetchErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FetchErrorKind
	}{
		{"data", models.NewDataError(nil, "bad row"), models.KindDataShape},
		{"connection", context.DeadlineExceeded, models.KindConnectivity},
		{"system", errors.New("unexpected"), models.KindSystem},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &readertest.Provider{Failures: map[string]error{"GBPUSD": c.err}}
			sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
			f := NewFetcher("Acme", models.AllGranularities(), calendar.Partition(rangeStart, rangeEnd), 0, sink)

			out := f.Fetch(context.Background(), openSession(t, p), models.Instrument{Name: "GBPUSD"})
			require.NotNil(t, out.Err)
			assert.Equal(t, c.want, out.Err.Kind)
			assert.Equal(t, "GBPUSD", out.Err.Symbol)
			assert.Empty(t, out.Path)
			assert.Len(t, p.Calls(), 1, "fetch stops at the first failing request")
		})
	}
}

func TestFetchFileSystemError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "Acme")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	sink := writer.NewSink(writer.NewCSVWriter(dir))
	f := NewFetcher("Acme", []models.Granularity{models.D1}, calendar.Partition(rangeStart, rangeEnd), 0, sink)
	out := f.Fetch(context.Background(), openSession(t, &readertest.Provider{}), models.Instrument{Name: "EURUSD"})

	require.NotNil(t, out.Err)
	assert.Equal(t, models.KindFileSystem, out.Err.Kind)
	var pathErr *fs.PathError
	assert.ErrorAs(t, out.Err, &pathErr)
}

func TestFetchRecoversPanics(t *testing.T) {
	p := &readertest.Provider{BarsHook: func(context.Context, string) error { panic("driver bug") }}
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	f := NewFetcher("Acme", []models.Granularity{models.H1}, calendar.Partition(rangeStart, rangeEnd), 0, sink)

	out := f.Fetch(context.Background(), openSession(t, p), models.Instrument{Name: "EURUSD"})
	require.NotNil(t, out.Err)
	assert.Equal(t, models.KindSystem, out.Err.Kind)
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestFetchHonoursDelay(t *testing.T) {
	p := &readertest.Provider{}
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	f := NewFetcher("Acme", []models.Granularity{models.D1}, calendar.Partition(rangeStart, rangeEnd), 20*time.Millisecond, sink)

	start := time.Now()
	out := f.Fetch(context.Background(), openSession(t, p), models.Instrument{Name: "EURUSD"})
	require.True(t, out.OK())
	// Three requests with burst 1 wait for at least two intervals.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := writer.NewSink(writer.NewCSVWriter(t.TempDir()))
	f := NewFetcher("Acme", []models.Granularity{models.D1}, calendar.Partition(rangeStart, rangeEnd), 0, sink)

	out := f.Fetch(ctx, openSession(t, &readertest.Provider{}), models.Instrument{Name: "EURUSD"})
	require.NotNil(t, out.Err)
}
