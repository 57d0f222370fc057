// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Config is the complete process configuration.
type Config struct {
	Cluster  string `yaml:"cluster" validate:"required,max=128"`
	Instance string `yaml:"instance" validate:"required,max=128"`
	Role     string `yaml:"role" validate:"required,oneof=participant controller spectator administrator"`
	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=trace debug info warn error"`

	// ConnectTimeout bounds the first connect and every re-join.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// DuplicateWait bounds the wait for a stale live-instance record.
	DuplicateWait      time.Duration `yaml:"duplicateWait"`
	KeepPreviousStates bool          `yaml:"keepPreviousStates"`
	Workers            int           `yaml:"workers" validate:"min=0,max=256"`

	Coord        CoordConfig        `yaml:"coord"`
	Journal      JournalConfig      `yaml:"journal"`
	HealthReport HealthReportConfig `yaml:"healthReport"`
	Admin        AdminConfig        `yaml:"admin"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	// Version is set from the binary, never from file or env.
	Version string `yaml:"-"`
}

// CoordConfig selects and configures the coordination service facade.
type CoordConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=redis memory"`
	Addr           string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db" validate:"min=0,max=15"`
	Namespace      string        `yaml:"namespace"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	// CompressThreshold is the payload size above which records are
	// compressed; negative disables compression.
	CompressThreshold int `yaml:"compressThreshold"`
}

// JournalConfig configures the acknowledged-message journal. An empty Dir
// keeps the journal in memory.
type JournalConfig struct {
	Dir string        `yaml:"dir"`
	TTL time.Duration `yaml:"ttl"`
}

// HealthReportConfig configures the periodic health report task.
type HealthReportConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StatusFile string        `yaml:"statusFile"`
}

// AdminConfig configures the admin HTTP listener.
type AdminConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"omitempty,hostname_port"`
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit int `yaml:"rateLimit"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=grpc http noop"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate" validate:"min=0,max=1"`
}
