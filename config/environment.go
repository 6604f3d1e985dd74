package config

import (
	"os"
	"strings"
)

// Deployment environments selected through APP_ENV.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

// envShortNames lets operators write APP_ENV=prod or APP_ENV=stg.
var envShortNames = map[string]string{
	"dev":  EnvironmentDevelopment,
	"prod": EnvironmentProduction,
	"prd":  EnvironmentProduction,
	"stg":  EnvironmentStaging,
	"stag": EnvironmentStaging,
}

// configByEnv holds the file that replaces DefaultConfigPath per environment.
var configByEnv = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

// AppEnvironment returns the normalised APP_ENV value, development when
// unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return EnvironmentDevelopment
	}
	if full, ok := envShortNames[env]; ok {
		return full
	}
	return env
}

// IsProductionLike reports whether env runs against real broker accounts.
// There, incomplete credential columns are logged as errors.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// ResolveConfigPath swaps the default config file for the one of the
// current APP_ENV. Any other explicit path is returned unchanged.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultConfigPath
	}
	if path != DefaultConfigPath {
		return path
	}
	if envPath, ok := configByEnv[AppEnvironment()]; ok {
		return envPath
	}
	return path
}
