package writer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"histflow/internal/symbols"
	"histflow/models"
)

// TimeLayout formats bar timestamps in artifacts. Times are always UTC.
const TimeLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"time", "open", "high", "low", "close", "tick_volume", "spread", "real_volume", "timeframe", "symbol"}

// CSVWriter stores one artifact per (broker, symbol) under dir/<broker>/.
type CSVWriter struct {
	dir string
}

func NewCSVWriter(dir string) *CSVWriter {
	return &CSVWriter{dir: dir}
}

// Path returns the artifact location for a broker and symbol.
func (w *CSVWriter) Path(broker, symbol string) string {
	return filepath.Join(w.dir, symbols.SafeFileName(broker), symbols.SafeFileName(symbol)+".csv")
}

// Write serialises the series, replacing any previous artifact atomically.
// An empty series produces a header-only file.
func (w *CSVWriter) Write(broker string, s *models.SymbolSeries) (string, error) {
	path := w.Path(broker, s.Symbol)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.csv")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeRows(tmp, s); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("move artifact into place: %w", err)
	}
	return path, nil
}

func writeRows(out io.Writer, s *models.SymbolSeries) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write artifact header: %w", err)
	}
	record := make([]string, len(csvHeader))
	for _, r := range s.Rows {
		record[0] = r.Time.UTC().Format(TimeLayout)
		record[1] = r.Open.String()
		record[2] = r.High.String()
		record[3] = r.Low.String()
		record[4] = r.Close.String()
		record[5] = strconv.FormatInt(r.TickVolume, 10)
		record[6] = strconv.FormatInt(r.Spread, 10)
		record[7] = r.RealVolume.String()
		record[8] = r.Granularity.String()
		record[9] = r.Symbol
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write artifact row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush artifact: %w", err)
	}
	return nil
}

// ReadCSV loads an artifact written by CSVWriter.
func ReadCSV(path string) ([]models.SeriesRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = len(csvHeader)
	header, err := cr.Read()
	if err != nil {
		return nil, models.NewDataError(err, "read header of %s", path)
	}
	for i, col := range csvHeader {
		if header[i] != col {
			return nil, models.NewDataError(nil, "%s: column %d is %q, want %q", path, i+1, header[i], col)
		}
	}

	var rows []models.SeriesRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.NewDataError(err, "%s line %d", path, line)
		}
		row, err := parseRow(rec)
		if err != nil {
			return nil, models.NewDataError(err, "%s line %d", path, line)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(rec []string) (models.SeriesRow, error) {
	var (
		row models.SeriesRow
		err error
	)
	if row.Time, err = time.ParseInLocation(TimeLayout, rec[0], time.UTC); err != nil {
		return row, err
	}
	for i, dst := range []*decimal.Decimal{&row.Open, &row.High, &row.Low, &row.Close} {
		if *dst, err = decimal.NewFromString(rec[i+1]); err != nil {
			return row, err
		}
	}
	if row.TickVolume, err = strconv.ParseInt(rec[5], 10, 64); err != nil {
		return row, err
	}
	if row.Spread, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
		return row, err
	}
	if row.RealVolume, err = decimal.NewFromString(rec[7]); err != nil {
		return row, err
	}
	if row.Granularity, err = models.ParseGranularity(rec[8]); err != nil {
		return row, err
	}
	row.Symbol = rec[9]
	return row, nil
}
