// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const baseYAML = `
cluster: C
instance: node-1
connectTimeout: 20s
coord:
  backend: redis
  addr: localhost:6379
  sessionTimeout: 6s
journal:
  dir: /var/lib/tether/journal
healthReport:
  interval: 30s
`

func TestLoadDefaultsPlusEnv(t *testing.T) {
	t.Setenv("TETHER_CLUSTER", "C")
	t.Setenv("TETHER_INSTANCE", "node-1")

	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	want := Defaults()
	want.Cluster = "C"
	want.Instance = "node-1"
	want.Version = "v1.2.3"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := writeFile(t, "tether.yaml", baseYAML)
	t.Setenv("TETHER_CONNECT_TIMEOUT", "45s")
	t.Setenv("TETHER_COORD_PASSWORD", "secret")
	t.Setenv("TETHER_WORKERS", "not-a-number")

	l := NewLoader(path, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "C", cfg.Cluster)
	assert.Equal(t, 45*time.Second, cfg.ConnectTimeout, "env beats file")
	assert.Equal(t, "redis", cfg.Coord.Backend)
	assert.Equal(t, "secret", cfg.Coord.Password)
	assert.Equal(t, 6*time.Second, cfg.Coord.SessionTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthReport.Interval)
	assert.True(t, cfg.HealthReport.Enabled, "default kept when file omits it")
	assert.Equal(t, DefaultDuplicateWait, cfg.DuplicateWait)
	assert.Equal(t, 0, cfg.Workers, "invalid env value falls back")
	assert.Equal(t, "/var/lib/tether/journal", cfg.Journal.Dir)
	assert.Contains(t, l.ConsumedEnvKeys, "TETHER_CONNECT_TIMEOUT")
}

func TestLoadStrictFile(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		path := writeFile(t, "tether.yaml", "cluster: C\ninstance: n\nclusterName: typo\n")
		_, err := NewLoader(path, "").Load()
		require.ErrorIs(t, err, ErrUnknownConfigField)
	})
	t.Run("multiple documents", func(t *testing.T) {
		path := writeFile(t, "tether.yaml", "cluster: C\ninstance: n\n---\ncluster: D\n")
		_, err := NewLoader(path, "").Load()
		require.ErrorContains(t, err, "multiple documents")
	})
	t.Run("extension", func(t *testing.T) {
		path := writeFile(t, "tether.json", "{}")
		_, err := NewLoader(path, "").Load()
		require.ErrorContains(t, err, "only YAML")
	})
	t.Run("empty file", func(t *testing.T) {
		t.Setenv("TETHER_CLUSTER", "C")
		t.Setenv("TETHER_INSTANCE", "n")
		path := writeFile(t, "tether.yaml", "")
		_, err := NewLoader(path, "").Load()
		require.NoError(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Cluster = "C"
	valid.Instance = "node-1"
	require.NoError(t, Validate(valid))

	cases := map[string]func(*Config){
		"missing cluster":     func(c *Config) { c.Cluster = "" },
		"bad role":            func(c *Config) { c.Role = "observer" },
		"redis without addr":  func(c *Config) { c.Coord.Backend = "redis" },
		"unknown backend":     func(c *Config) { c.Coord.Backend = "etcd" },
		"bad listen addr":     func(c *Config) { c.Admin.ListenAddr = "nope" },
		"negative timeout":    func(c *Config) { c.ConnectTimeout = -time.Second },
		"wait beyond timeout": func(c *Config) { c.DuplicateWait = time.Minute },
		"slash in instance":   func(c *Config) { c.Instance = "a/b" },
		"sampling above one":  func(c *Config) { c.Telemetry.SamplingRate = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("TETHER_TEST_BOOL", "YES")
	t.Setenv("TETHER_TEST_BAD_BOOL", "maybe")
	t.Setenv("TETHER_TEST_DUR", "250ms")
	t.Setenv("TETHER_TEST_FLOAT", "0.25")
	t.Setenv("TETHER_TEST_EMPTY", "")

	assert.True(t, ParseBool("TETHER_TEST_BOOL", false))
	assert.True(t, ParseBool("TETHER_TEST_BAD_BOOL", true))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("TETHER_TEST_DUR", time.Second))
	assert.InDelta(t, 0.25, ParseFloat("TETHER_TEST_FLOAT", 1), 1e-9)
	assert.Equal(t, "fallback", ParseString("TETHER_TEST_EMPTY", "fallback"))
	assert.Equal(t, 7, ParseInt("TETHER_TEST_UNSET", 7))
}
