package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store mirrors audit records into a sqlite table for ad-hoc queries.
type Store struct {
	db *gorm.DB
}

// EntryModel is one row of the download_log table.
type EntryModel struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"size:36;not null;index:download_log_run_broker,priority:1"`
	Broker     string    `gorm:"size:64;index:download_log_run_broker,priority:2"`
	Type       string    `gorm:"size:32;not null"`
	Symbol     string    `gorm:"size:128"`
	Category   string    `gorm:"size:32"`
	Path       string    `gorm:"size:512"`
	Status     string    `gorm:"size:16"`
	Rows       int       `gorm:"not null;default:0"`
	Files      int       `gorm:"not null;default:0"`
	Failed     int       `gorm:"not null;default:0"`
	ErrorKind  string    `gorm:"size:16"`
	Error      string    `gorm:"type:text"`
	Payload    string    `gorm:"type:text"`
	RecordedAt time.Time `gorm:"not null"`
}

func (EntryModel) TableName() string {
	return "download_log"
}

// OpenStore opens (or creates) the sqlite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.AutoMigrate(&EntryModel{}); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return &Store{db: db}, nil
}

func toModel(r Record) (EntryModel, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return EntryModel{}, err
	}
	files := r.Files
	if r.Type == TypeRunSummary {
		files = r.TotalFiles
	}
	return EntryModel{
		RunID:      r.RunID,
		Broker:     r.Broker,
		Type:       r.Type,
		Symbol:     r.Symbol,
		Category:   r.Category,
		Path:       r.Path,
		Status:     r.Status,
		Rows:       r.Rows,
		Files:      files,
		Failed:     r.Failed,
		ErrorKind:  r.ErrorKind,
		Error:      r.Error,
		Payload:    string(payload),
		RecordedAt: r.Timestamp,
	}, nil
}

// Insert stores one record.
func (s *Store) Insert(r Record) error {
	m, err := toModel(r)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return s.db.Create(&m).Error
}

// Entries returns every row of a run in insertion order.
func (s *Store) Entries(ctx context.Context, runID string) ([]EntryModel, error) {
	var out []EntryModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&out).Error
	return out, err
}

// FailedSymbols returns the symbol rows of a run that carry an error.
func (s *Store) FailedSymbols(ctx context.Context, runID, broker string) ([]EntryModel, error) {
	var out []EntryModel
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND broker = ? AND type = ? AND error <> ''", runID, broker, TypeSymbol).
		Order("id").Find(&out).Error
	return out, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
