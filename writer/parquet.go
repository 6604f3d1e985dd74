package writer

import (
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"histflow/models"
)

// ParquetRecord is one bar row of the parquet twin artifact.
type ParquetRecord struct {
	Time       int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open       float64 `parquet:"name=open, type=DOUBLE"`
	High       float64 `parquet:"name=high, type=DOUBLE"`
	Low        float64 `parquet:"name=low, type=DOUBLE"`
	Close      float64 `parquet:"name=close, type=DOUBLE"`
	TickVolume int64   `parquet:"name=tick_volume, type=INT64"`
	Spread     int64   `parquet:"name=spread, type=INT64"`
	RealVolume float64 `parquet:"name=real_volume, type=DOUBLE"`
	Timeframe  string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ParquetWriter writes a columnar copy of an artifact next to the CSV.
type ParquetWriter struct {
	compression string
}

func NewParquetWriter(compression string) *ParquetWriter {
	return &ParquetWriter{compression: strings.ToLower(compression)}
}

func (w *ParquetWriter) codec() parquet.CompressionCodec {
	switch w.compression {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// Write stores s at path.
func (w *ParquetWriter) Write(path string, s *models.SymbolSeries) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := pqwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = w.codec()

	for _, r := range s.Rows {
		record := ParquetRecord{
			Time:       r.Time.UnixMilli(),
			Open:       r.Open.InexactFloat64(),
			High:       r.High.InexactFloat64(),
			Low:        r.Low.InexactFloat64(),
			Close:      r.Close.InexactFloat64(),
			TickVolume: r.TickVolume,
			Spread:     r.Spread,
			RealVolume: r.RealVolume.InexactFloat64(),
			Timeframe:  r.Granularity.String(),
			Symbol:     r.Symbol,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}
