// Package audit records every acquisition decision of a run as JSON lines,
// optionally mirrored into a sqlite table.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"histflow/config"
	"histflow/logger"
	"histflow/models"
)

// Entry types.
const (
	TypeSymbol        = "symbol"
	TypeBrokerSkipped = "broker_skipped"
	TypeBrokerFailed  = "broker_failed"
	TypeBrokerSummary = "broker_summary"
	TypeRunSummary    = "run_summary"
)

const fileTimeLayout = "20060102_150405"

// Record is one audit line.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Broker    string    `json:"broker,omitempty"`

	Symbol     string                                         `json:"symbol,omitempty"`
	Category   string                                         `json:"category,omitempty"`
	Path       string                                         `json:"path,omitempty"`
	Timeframes map[models.Granularity]models.GranularityStats `json:"timeframes,omitempty"`
	Rows       int                                            `json:"rows,omitempty"`
	DurationMS int64                                          `json:"duration_ms,omitempty"`
	Error      string                                         `json:"error,omitempty"`
	ErrorKind  string                                         `json:"error_kind,omitempty"`

	Status    string `json:"status,omitempty"`
	Symbols   int    `json:"symbols,omitempty"`
	Files     int    `json:"files,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Abandoned int    `json:"abandoned,omitempty"`

	Brokers    map[string]int `json:"brokers,omitempty"`
	TotalFiles int            `json:"total_files,omitempty"`
}

// OK reports whether a symbol record describes a successful fetch.
func (r Record) OK() bool { return r.Error == "" }

// Log is the append-only audit file of one run.
type Log struct {
	runID string
	path  string
	out   *lumberjack.Logger
	log   *logrus.Logger
	store *Store
	app   *logger.Entry
}

// Open creates <cfg.Dir>/download_log_<UTC yyyymmdd_hhmmss>.jsonl for runID.
func Open(cfg config.AuditConfig, runID string, now time.Time) (*Log, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("download_log_%s.jsonl", now.UTC().Format(fileTimeLayout)))

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:   time.RFC3339Nano,
		DisableHTMLEscape: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "type",
		},
	})

	return &Log{
		runID: runID,
		path:  path,
		out:   out,
		log:   l,
		app:   logger.GetLogger().WithComponent("audit").WithFields(logger.Fields{"run_id": runID}),
	}, nil
}

// Mirror copies every subsequent record into s.
func (l *Log) Mirror(s *Store) { l.store = s }

func (l *Log) RunID() string { return l.runID }
func (l *Log) Path() string  { return l.path }

// Symbol records the outcome of one symbol fetch.
func (l *Log) Symbol(broker string, o models.FetchOutcome) {
	rec := Record{
		Type:       TypeSymbol,
		Broker:     broker,
		Symbol:     o.Symbol,
		Category:   string(o.Category),
		Path:       o.Path,
		Timeframes: o.Stats,
		Rows:       o.TotalRows(),
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
		rec.ErrorKind = string(o.Err.Kind)
	}
	l.write(rec)
}

// BrokerSkipped records a broker excluded before any session was opened.
func (l *Log) BrokerSkipped(broker string, reason error) {
	rec := Record{Type: TypeBrokerSkipped, Broker: broker, Status: string(models.BrokerSkipped)}
	if reason != nil {
		rec.Error = reason.Error()
	}
	l.write(rec)
}

// BrokerFailed records a broker aborted by a session or enumeration failure.
func (l *Log) BrokerFailed(broker string, err error) {
	rec := Record{Type: TypeBrokerFailed, Broker: broker, Status: string(models.BrokerAborted)}
	if err != nil {
		rec.Error = err.Error()
	}
	l.write(rec)
}

// BrokerSummary records the totals of one broker.
func (l *Log) BrokerSummary(r models.BrokerResult) {
	rec := Record{
		Type:      TypeBrokerSummary,
		Broker:    r.Broker,
		Status:    string(r.Status),
		Symbols:   r.Symbols,
		Files:     r.Files,
		Failed:    r.Failed,
		Abandoned: r.Abandoned,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	l.write(rec)
}

// RunSummary records the files written per broker and overall.
func (l *Log) RunSummary(results []models.BrokerResult) {
	rec := Record{Type: TypeRunSummary, Brokers: make(map[string]int, len(results))}
	for _, r := range results {
		rec.Brokers[r.Broker] = r.Files
		rec.TotalFiles += r.Files
	}
	l.write(rec)
}

func (l *Log) write(rec Record) {
	rec.RunID = l.runID
	level := logrus.InfoLevel
	if rec.Error != "" {
		level = logrus.ErrorLevel
	}
	l.log.WithFields(rec.fields()).Log(level, rec.Type)

	if l.store != nil {
		rec.Timestamp = time.Now().UTC()
		rec.Level = level.String()
		if err := l.store.Insert(rec); err != nil {
			l.app.WithError(err).Warn("failed to mirror audit record")
		}
	}
}

func (r Record) fields() logrus.Fields {
	f := logrus.Fields{"run_id": r.RunID}
	set := func(k string, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set("broker", r.Broker)
	set("symbol", r.Symbol)
	set("category", r.Category)
	set("path", r.Path)
	set("error", r.Error)
	set("error_kind", r.ErrorKind)
	set("status", r.Status)

	switch r.Type {
	case TypeSymbol:
		f["timeframes"] = r.Timeframes
		f["rows"] = r.Rows
		f["duration_ms"] = r.DurationMS
	case TypeBrokerSummary:
		f["symbols"] = r.Symbols
		f["files"] = r.Files
		f["failed"] = r.Failed
		f["abandoned"] = r.Abandoned
	case TypeRunSummary:
		f["brokers"] = r.Brokers
		f["total_files"] = r.TotalFiles
	}
	return f
}

// Close flushes and closes the audit file.
func (l *Log) Close() error {
	return l.out.Close()
}

// ReadFile parses an audit file back into records.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Filter returns the records of type typ, in file order.
func Filter(records []Record, typ string) []Record {
	var out []Record
	for _, r := range records {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}
