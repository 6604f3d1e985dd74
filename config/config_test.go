package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"histflow/models"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, extra string) string {
	t.Helper()
	content := `histflow:
  name: "TestApp"
  version: "1.0"
acquisition:
  credentials: "creds.csv"
  workers: 2
  start_date: "2024-01-01"
  end_date: "2024-03-15"
  timeframes: ["d1", "H1"]
  brokers:
    Acme:
      driver: Binance
      symbols: ["BTCUSDT"]
storage:
  s3:
    enabled: false
` + extra
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Histflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Histflow.Name)
	}
	if cfg.Acquisition.WorkerCount() != 2 {
		t.Errorf("unexpected worker count: %d", cfg.Acquisition.WorkerCount())
	}
	if !cfg.Acquisition.FailFast {
		t.Errorf("fail_fast should default to true")
	}
	if cfg.Reader.Timeout != 30*time.Second {
		t.Errorf("unexpected default reader timeout: %s", cfg.Reader.Timeout)
	}

	gs, err := cfg.Acquisition.Granularities()
	if err != nil {
		t.Fatalf("Granularities failed: %v", err)
	}
	if len(gs) != 2 || gs[0] != models.H1 || gs[1] != models.D1 {
		t.Errorf("unexpected granularities: %v", gs)
	}

	r, err := cfg.Acquisition.DateRange(time.Now())
	if err != nil {
		t.Fatalf("DateRange failed: %v", err)
	}
	if !r.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !r.End.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected range: %v", r)
	}

	acme := cfg.Acquisition.Broker("acme")
	if acme.Driver != "binance" || len(acme.Symbols) != 1 {
		t.Errorf("unexpected broker settings: %+v", acme)
	}
	if other := cfg.Acquisition.Broker("Bybit"); other.Driver != "bybit" {
		t.Errorf("default driver should follow the broker name, got %q", other.Driver)
	}
}

func TestLoadConfigFailFastOff(t *testing.T) {
	path := writeTempConfig(t, "")
	data, _ := os.ReadFile(path)
	patched := strings.Replace(string(data), "  workers: 2\n", "  workers: 2\n  fail_fast: false\n", 1)
	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Acquisition.FailFast {
		t.Errorf("expected fail_fast false")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HISTFLOW_OUTPUT_DIR", "/tmp/out")
	t.Setenv("HISTFLOW_CREDENTIALS", "/secrets/creds.csv")
	cfg, err := LoadConfig(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Writer.OutputDir != "/tmp/out" {
		t.Errorf("unexpected output dir: %s", cfg.Writer.OutputDir)
	}
	if cfg.Acquisition.Credentials != "/secrets/creds.csv" {
		t.Errorf("unexpected credentials path: %s", cfg.Acquisition.Credentials)
	}
}

func TestLoadConfigRejectsBadTimeframe(t *testing.T) {
	path := writeTempConfig(t, "")
	data, _ := os.ReadFile(path)
	patched := strings.Replace(string(data), `["d1", "H1"]`, `["M5"]`, 1)
	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unknown timeframe")
	}
}

func TestLoadConfigS3RequiresBucket(t *testing.T) {
	path := writeTempConfig(t, "")
	data, _ := os.ReadFile(path)
	patched := strings.Replace(string(data), "    enabled: false", "    enabled: true\n    region: eu-west-1", 1)
	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("S3_BUCKET", "")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected S3 validation error")
	}
}

func TestWorkerCountMinimum(t *testing.T) {
	if n := (AcquisitionConfig{}).WorkerCount(); n < 1 {
		t.Errorf("worker count must be at least 1, got %d", n)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(""); got != "config/config.production.yml" {
		t.Errorf("unexpected production path: %s", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}
	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("unexpected development path: %s", got)
	}
	if !IsProductionLike(EnvironmentStaging) || IsProductionLike(EnvironmentDevelopment) {
		t.Errorf("unexpected production-like classification")
	}
}

func TestLoadCredentials(t *testing.T) {
	table := `Tipo,Acme,Beta
user,1001,2002
password,secret-a,
Investor,inv-a,
Server,Acme-Live,Beta-Demo
`
	creds, err := LoadCredentials(strings.NewReader(table))
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(creds.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(creds.Profiles))
	}
	acme := creds.Profiles[0]
	if acme.Name != "Acme" || acme.Login != "1001" || acme.Password != "secret-a" || acme.Server != "Acme-Live" || acme.InvestorPassword != "inv-a" {
		t.Errorf("unexpected profile: %+v", acme)
	}
	if len(creds.Skipped) != 1 {
		t.Fatalf("expected 1 skipped broker, got %d", len(creds.Skipped))
	}
	var cfgErr *models.ConfigError
	if !errors.As(creds.Skipped[0], &cfgErr) || cfgErr.Broker != "Beta" {
		t.Fatalf("unexpected skipped entry: %v", creds.Skipped[0])
	}
	if len(cfgErr.Missing) != 1 || cfgErr.Missing[0] != "password" {
		t.Errorf("unexpected missing fields: %v", cfgErr.Missing)
	}
}

func TestLoadCredentialsMissingServer(t *testing.T) {
	table := "Tipo,Acme,Beta\nuser,1,2\npassword,a,b\nserver,,srv\n"
	creds, err := LoadCredentials(strings.NewReader(table))
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(creds.Profiles) != 1 || creds.Profiles[0].Name != "Beta" {
		t.Fatalf("expected only Beta to load, got %+v", creds.Profiles)
	}
	if _, ok := creds.Lookup("acme"); ok {
		t.Errorf("Acme should not be loadable")
	}
	if p, ok := creds.Lookup("beta"); !ok || p.HasInvestor() {
		t.Errorf("unexpected lookup result %+v %v", p, ok)
	}
}

func TestLoadCredentialsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"no brokers": "Tipo\nuser\n",
		"duplicate":  "Tipo,Acme,acme\n",
		"bad quote":  "Tipo,\"Acme\nuser,1\n",
	}
	for name, table := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadCredentials(strings.NewReader(table)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadCredentialsFileMissing(t *testing.T) {
	if _, err := LoadCredentialsFile(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
