// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package healthreport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord/memory"
	"github.com/ManuGH/tether/internal/manager"
	"github.com/ManuGH/tether/internal/testutil"
)

const (
	testCluster  = "C"
	testInstance = "node-1"
)

var reportPath = cluster.NewPaths(testCluster).HealthReport(testInstance, DefaultName)

func static(name string, stats map[string]string) Provider {
	return ProviderFunc{ProviderName: name, Fn: func(context.Context) (map[string]string, error) { return stats, nil }}
}

func readReport(t *testing.T, srv *memory.Server) (cluster.HealthReport, bool) {
	t.Helper()
	data, _, ok := srv.Snapshot(reportPath)
	if !ok {
		return cluster.HealthReport{}, false
	}
	rec, err := cluster.Decode(DefaultName, data)
	require.NoError(t, err)
	return cluster.HealthReport{Record: rec}, true
}

func TestCollectorWritesReportAndStatusFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := memory.NewServer()
	client := srv.NewClient(memory.Options{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	nop := zerolog.Nop()
	statusPath := filepath.Join(t.TempDir(), "health.json")
	c := New(Options{
		Cluster:  testCluster,
		Instance: testInstance,
		Writer:   accessor.NewCached(accessor.NewBase(client), nil, accessor.WithLogger(nop)),
		Providers: []Provider{
			static("engine", map[string]string{"tasks": "3"}),
			ProviderFunc{ProviderName: "broken", Fn: func(context.Context) (map[string]string, error) {
				return nil, errors.New("unavailable")
			}},
			NewRuntimeProvider(),
		},
		Interval:   10 * time.Millisecond,
		StatusFile: statusPath,
		Logger:     &nop,
	})

	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrRunning)

	require.Eventually(t, func() bool {
		_, ok := readReport(t, srv)
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	report, _ := readReport(t, srv)
	assert.Equal(t, "3", report.Map("engine")["tasks"])
	assert.NotEmpty(t, report.Map("runtime")["goroutines"])
	assert.Empty(t, report.Map("broken"))
	assert.NotEmpty(t, report.Simple(FieldLastUpdate))

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)

	last, err := c.LastWrite()
	require.NoError(t, err)
	assert.False(t, last.IsZero())

	raw, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	var st statusFile
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, testInstance, st.Instance)
	assert.Equal(t, "3", st.Stats["engine"]["tasks"])
	assert.NotContains(t, st.Stats, "broken")
}

func TestCollectorRecordsWriteFailure(t *testing.T) {
	nop := zerolog.Nop()
	failing := writerFunc(func(context.Context, string, *cluster.Record) error { return errors.New("read-only") })
	c := New(Options{Cluster: testCluster, Instance: testInstance, Writer: failing, Interval: time.Hour, Logger: &nop})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, err := c.LastWrite()
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	last, err := c.LastWrite()
	assert.True(t, last.IsZero())
	assert.ErrorContains(t, err, "read-only")
}

type writerFunc func(ctx context.Context, path string, rec *cluster.Record) error

func (f writerFunc) Set(ctx context.Context, path string, rec *cluster.Record) error {
	return f(ctx, path, rec)
}

func TestCollectorRunsAsManagerTimerTask(t *testing.T) {
	ctx := context.Background()
	srv, admin := testutil.Cluster(t, testCluster, testInstance)
	defer admin.Close()

	nop := zerolog.Nop()
	m, err := manager.New(manager.Options{
		Cluster:       testCluster,
		Instance:      testInstance,
		Role:          manager.RoleParticipant,
		Client:        srv.NewClient(memory.Options{}),
		DuplicateWait: 100 * time.Millisecond,
		Logger:        &nop,
	})
	require.NoError(t, err)

	c := New(Options{
		Cluster:   testCluster,
		Instance:  testInstance,
		Writer:    m.Accessor(),
		Providers: []Provider{static("engine", map[string]string{"tasks": "0"})},
		Interval:  10 * time.Millisecond,
		Logger:    &nop,
	})
	var task manager.TimerTask = c
	m.AddTimerTask(task)
	require.NoError(t, m.Connect(ctx))

	s1 := m.SessionID()
	require.NoError(t, srv.ExpireSession(s1))
	require.Eventually(t, func() bool { return m.IsConnected() && m.SessionID() != s1 }, 3*time.Second, 5*time.Millisecond)

	before, _ := c.LastWrite()
	require.Eventually(t, func() bool {
		last, err := c.LastWrite()
		return err == nil && last.After(before)
	}, 3*time.Second, 5*time.Millisecond, "collector restarted after re-join")

	require.NoError(t, m.Disconnect())
	assert.ErrorIs(t, c.Stop(), ErrNotRunning, "manager stopped the collector")
}
