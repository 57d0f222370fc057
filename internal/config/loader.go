// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRole           = "participant"
	DefaultBackend        = "memory"
	DefaultConnectTimeout = 30 * time.Second
	DefaultDuplicateWait  = 10 * time.Second
	DefaultJournalTTL     = 24 * time.Hour
	DefaultReportInterval = 60 * time.Second
	DefaultAdminAddr      = "127.0.0.1:9180"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. An empty configPath means
// defaults plus environment only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, empty when none.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) env(key string) string {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return key
}

func (l *Loader) envString(key, def string) string  { return ParseString(l.env(key), def) }
func (l *Loader) envBool(key string, def bool) bool { return ParseBool(l.env(key), def) }
func (l *Loader) envInt(key string, def int) int    { return ParseInt(l.env(key), def) }
func (l *Loader) envFloat(key string, def float64) float64 {
	return ParseFloat(l.env(key), def)
}
func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	return ParseDuration(l.env(key), def)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults -> strict file parse -> env -> validate.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if cfg.Journal.Dir != "" {
		if abs, err := filepath.Abs(cfg.Journal.Dir); err == nil {
			cfg.Journal.Dir = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Role:           DefaultRole,
		LogLevel:       "info",
		ConnectTimeout: DefaultConnectTimeout,
		DuplicateWait:  DefaultDuplicateWait,
		Coord: CoordConfig{
			Backend:        DefaultBackend,
			Namespace:      "tether",
			SessionTimeout: 10 * time.Second,
		},
		Journal: JournalConfig{TTL: DefaultJournalTTL},
		HealthReport: HealthReportConfig{
			Enabled:  true,
			Interval: DefaultReportInterval,
		},
		Admin: AdminConfig{
			ListenAddr: DefaultAdminAddr,
			RateLimit:  120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "production",
			SamplingRate: 1.0,
		},
	}
}

// loadFile decodes a YAML file onto cfg with STRICT parsing: unknown
// fields and trailing documents are errors.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("strict config parse error: %w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.Cluster = l.envString("CLUSTER", cfg.Cluster)
	cfg.Instance = l.envString("INSTANCE", cfg.Instance)
	cfg.Role = strings.ToLower(l.envString("ROLE", cfg.Role))
	cfg.LogLevel = strings.ToLower(l.envString("LOG_LEVEL", cfg.LogLevel))
	cfg.ConnectTimeout = l.envDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.DuplicateWait = l.envDuration("DUPLICATE_WAIT", cfg.DuplicateWait)
	cfg.KeepPreviousStates = l.envBool("KEEP_PREVIOUS_STATES", cfg.KeepPreviousStates)
	cfg.Workers = l.envInt("WORKERS", cfg.Workers)

	cfg.Coord.Backend = strings.ToLower(l.envString("COORD_BACKEND", cfg.Coord.Backend))
	cfg.Coord.Addr = l.envString("COORD_ADDR", cfg.Coord.Addr)
	cfg.Coord.Password = l.envString("COORD_PASSWORD", cfg.Coord.Password)
	cfg.Coord.DB = l.envInt("COORD_DB", cfg.Coord.DB)
	cfg.Coord.Namespace = l.envString("COORD_NAMESPACE", cfg.Coord.Namespace)
	cfg.Coord.SessionTimeout = l.envDuration("COORD_SESSION_TIMEOUT", cfg.Coord.SessionTimeout)
	cfg.Coord.CompressThreshold = l.envInt("COORD_COMPRESS_THRESHOLD", cfg.Coord.CompressThreshold)

	cfg.Journal.Dir = l.envString("JOURNAL_DIR", cfg.Journal.Dir)
	cfg.Journal.TTL = l.envDuration("JOURNAL_TTL", cfg.Journal.TTL)

	cfg.HealthReport.Enabled = l.envBool("HEALTH_REPORT_ENABLED", cfg.HealthReport.Enabled)
	cfg.HealthReport.Interval = l.envDuration("HEALTH_REPORT_INTERVAL", cfg.HealthReport.Interval)
	cfg.HealthReport.StatusFile = l.envString("HEALTH_REPORT_STATUS_FILE", cfg.HealthReport.StatusFile)

	cfg.Admin.ListenAddr = l.envString("ADMIN_LISTEN", cfg.Admin.ListenAddr)
	cfg.Admin.RateLimit = l.envInt("ADMIN_RATE_LIMIT", cfg.Admin.RateLimit)

	cfg.Telemetry.Enabled = l.envBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = l.envString("TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
