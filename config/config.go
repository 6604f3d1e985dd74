package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"histflow/models"
)

const dateLayout = "2006-01-02"

// DefaultStartDate is the beginning of history when acquisition.start_date
// is not set.
var DefaultStartDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type Config struct {
	Histflow    HistflowConfig    `yaml:"histflow"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Reader      ReaderConfig      `yaml:"reader"`
	Writer      WriterConfig      `yaml:"writer"`
	Storage     StorageConfig     `yaml:"storage"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type HistflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type AcquisitionConfig struct {
	Credentials  string                  `yaml:"credentials"`
	Workers      int                     `yaml:"workers"`
	FailFast     bool                    `yaml:"fail_fast"`
	StartDate    string                  `yaml:"start_date"`
	EndDate      string                  `yaml:"end_date"`
	Timeframes   []string                `yaml:"timeframes"`
	RequestDelay time.Duration           `yaml:"request_delay"`
	Schedule     string                  `yaml:"schedule"`
	Brokers      map[string]BrokerConfig `yaml:"brokers"`
}

// BrokerConfig selects the driver for a credential column and optionally
// narrows the symbols fetched from it.
type BrokerConfig struct {
	Driver   string   `yaml:"driver"`
	Category string   `yaml:"category"`
	Symbols  []string `yaml:"symbols"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type WriterConfig struct {
	OutputDir string        `yaml:"output_dir"`
	Formats   FormatsConfig `yaml:"formats"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type AuditConfig struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Acquisition: AcquisitionConfig{
			Credentials:  "credentials.csv",
			FailFast:     true,
			RequestDelay: 100 * time.Millisecond,
		},
		Reader: ReaderConfig{
			Timeout: 30 * time.Second,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    4,
				MaxConnsPerHost: 2,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Writer: WriterConfig{
			OutputDir: "data",
			Formats:   FormatsConfig{Parquet: ParquetConfig{Compression: "snappy"}},
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  100,
			MaxBackups: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
		Metrics: MetricsConfig{Namespace: "Histflow"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("HISTFLOW_CREDENTIALS"); v != "" {
		config.Acquisition.Credentials = strings.TrimSpace(v)
	}
	if v := os.Getenv("HISTFLOW_OUTPUT_DIR"); v != "" {
		config.Writer.OutputDir = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Histflow.Name == "" {
		return fmt.Errorf("histflow.name is required")
	}
	if cfg.Histflow.Version == "" {
		return fmt.Errorf("histflow.version is required")
	}

	if cfg.Acquisition.Credentials == "" {
		return fmt.Errorf("acquisition.credentials is required")
	}
	if cfg.Acquisition.Workers < 0 {
		return fmt.Errorf("acquisition.workers must not be negative")
	}
	if cfg.Acquisition.RequestDelay < 0 {
		return fmt.Errorf("acquisition.request_delay must not be negative")
	}
	if _, err := cfg.Acquisition.Granularities(); err != nil {
		return fmt.Errorf("acquisition.timeframes: %w", err)
	}
	if _, err := cfg.Acquisition.DateRange(time.Now()); err != nil {
		return err
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Writer.OutputDir == "" {
		return fmt.Errorf("writer.output_dir is required")
	}
	if cfg.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// DateRange resolves the configured [start, end) range. An empty start
// means DefaultStartDate and an empty end means now.
func (a AcquisitionConfig) DateRange(now time.Time) (models.DateRange, error) {
	r := models.DateRange{Start: DefaultStartDate, End: now.UTC()}
	if a.StartDate != "" {
		t, err := time.ParseInLocation(dateLayout, a.StartDate, time.UTC)
		if err != nil {
			return r, fmt.Errorf("acquisition.start_date: %w", err)
		}
		r.Start = t
	}
	if a.EndDate != "" {
		t, err := time.ParseInLocation(dateLayout, a.EndDate, time.UTC)
		if err != nil {
			return r, fmt.Errorf("acquisition.end_date: %w", err)
		}
		r.End = t
	}
	return r, nil
}

// Granularities parses acquisition.timeframes; empty means all of them.
func (a AcquisitionConfig) Granularities() ([]models.Granularity, error) {
	return models.ParseGranularities(a.Timeframes)
}

// WorkerCount is the configured pool size, or one less than the CPU count
// when unset. It is never below 1.
func (a AcquisitionConfig) WorkerCount() int {
	n := a.Workers
	if n <= 0 {
		n = runtime.NumCPU() - 1
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Broker returns the settings for a credential column. Brokers without an
// entry use the driver named like the broker itself.
func (a AcquisitionConfig) Broker(name string) BrokerConfig {
	bc, ok := a.Brokers[name]
	if !ok {
		for k, v := range a.Brokers {
			if strings.EqualFold(k, name) {
				bc, ok = v, true
				break
			}
		}
	}
	if bc.Driver == "" {
		bc.Driver = strings.ToLower(strings.TrimSpace(name))
	}
	bc.Driver = strings.ToLower(bc.Driver)
	return bc
}
