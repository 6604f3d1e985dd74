// Package writer persists symbol series as CSV artifacts with optional
// parquet twins and object storage copies.
package writer

import (
	"context"
	"fmt"
	"strings"

	"histflow/logger"
	"histflow/models"
)

// Sink writes the artifacts of one symbol series.
type Sink struct {
	csv      *CSVWriter
	parquet  *ParquetWriter
	uploader Uploader
	log      *logger.Log
}

// Option configures a Sink.
type Option func(*Sink)

// WithParquet also writes a parquet copy next to each CSV.
func WithParquet(w *ParquetWriter) Option {
	return func(s *Sink) { s.parquet = w }
}

// WithUploader copies every artifact to object storage.
func WithUploader(u Uploader) Option {
	return func(s *Sink) { s.uploader = u }
}

func NewSink(csv *CSVWriter, opts ...Option) *Sink {
	s := &Sink{csv: csv, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CSV returns the underlying CSV writer.
func (s *Sink) CSV() *CSVWriter { return s.csv }

// Write stores the series and returns the CSV artifact path.
func (s *Sink) Write(ctx context.Context, broker string, series *models.SymbolSeries) (string, error) {
	path, err := s.csv.Write(broker, series)
	if err != nil {
		return "", err
	}
	logger.IncrementFileWritten()
	logger.LogDataFlowEntry(s.log.WithComponent("writer"), broker, path, series.Len(), "bars")

	files := []string{path}
	if s.parquet != nil {
		pq := strings.TrimSuffix(path, ".csv") + ".parquet"
		if err := s.parquet.Write(pq, series); err != nil {
			return "", fmt.Errorf("write parquet twin: %w", err)
		}
		files = append(files, pq)
	}

	if s.uploader != nil {
		for _, f := range files {
			if _, err := s.uploader.Upload(ctx, broker, f); err != nil {
				return "", err
			}
			logger.IncrementUpload()
		}
	}
	return path, nil
}
