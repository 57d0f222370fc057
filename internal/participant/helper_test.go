// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package participant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/coord/memory"
	"github.com/ManuGH/tether/internal/testutil"
)

const (
	testCluster  = "C"
	testInstance = "node-1"
)

var paths = cluster.NewPaths(testCluster)

type staticInfo map[string]string

func (s staticInfo) LiveInstanceInfo() map[string]string { return s }

func connect(t *testing.T, srv *memory.Server) *memory.Client {
	t.Helper()
	c := srv.NewClient(memory.Options{})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func provisioned(t *testing.T) (*memory.Server, *memory.Client) {
	srv, admin := testutil.Cluster(t, testCluster, testInstance)
	t.Cleanup(func() { _ = admin.Close() })
	return srv, admin
}

func newHelper(c coord.Client, mutate func(*Options)) *Helper {
	nop := zerolog.Nop()
	opts := Options{
		Cluster:      testCluster,
		Instance:     testInstance,
		Client:       c,
		Accessor:     accessor.NewCached(accessor.NewBase(c), []string{paths.CurrentStates(testInstance)}, accessor.WithLogger(nop)),
		PollInterval: 5 * time.Millisecond,
		Version:      "test",
		Logger:       &nop,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func liveRecord(t *testing.T, srv *memory.Server) (cluster.LiveInstance, coord.Stat) {
	t.Helper()
	data, stat, ok := srv.Snapshot(paths.LiveInstance(testInstance))
	require.True(t, ok, "live instance record missing")
	rec, err := cluster.Decode(testInstance, data)
	require.NoError(t, err)
	return cluster.LiveInstance{Record: rec}, stat
}

func TestJoinClusterRequiresProvisioning(t *testing.T) {
	srv := memory.NewServer()
	c := connect(t, srv)
	require.NoError(t, cluster.Provision(context.Background(), c, testCluster))
	h := newHelper(c, nil)

	err := h.JoinCluster(context.Background())
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, paths.ParticipantConfig(testInstance), perr.Missing)
	assert.ErrorIs(t, err, ErrInstanceNotProvisioned)
	assert.ErrorIs(t, err, cluster.ErrNotSetUp)

	ok, _, err := c.Exists(context.Background(), paths.ParticipantConfig(testInstance))
	require.NoError(t, err)
	assert.False(t, ok, "join never provisions")

	require.NoError(t, cluster.AddInstance(context.Background(), c, testCluster, cluster.NewInstanceConfig(testInstance)))
	assert.NoError(t, h.JoinCluster(context.Background()))
}

func TestCreateLiveInstance(t *testing.T) {
	srv, c := provisioned(t)
	h := newHelper(c, func(o *Options) { o.InfoProvider = staticInfo{"zone": "eu-1"} })

	require.NoError(t, h.CreateLiveInstance(context.Background()))
	li, stat := liveRecord(t, srv)
	assert.Equal(t, c.SessionID(), li.SessionID())
	assert.Equal(t, c.SessionID(), stat.EphemeralOwner)
	assert.Equal(t, "test", li.Version())
	assert.Equal(t, "eu-1", li.Simple("zone"))
	assert.NotEmpty(t, li.Process())

	// Same session again is a no-op.
	require.NoError(t, h.CreateLiveInstance(context.Background()))
	_, again := liveRecord(t, srv)
	assert.Equal(t, stat.Version, again.Version)
}

func TestCreateLiveInstanceRejectsDuplicate(t *testing.T) {
	srv, c := provisioned(t)
	other := connect(t, srv)
	first := newHelper(other, nil)
	require.NoError(t, first.CreateLiveInstance(context.Background()))
	beforeData, beforeStat, _ := srv.Snapshot(paths.LiveInstance(testInstance))

	h := newHelper(c, func(o *Options) { o.DuplicateWait = 30 * time.Millisecond })
	err := h.CreateLiveInstance(context.Background())
	var dup *DuplicateInstanceError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, ErrDuplicateInstance)
	assert.Equal(t, other.SessionID(), dup.Owner)

	afterData, afterStat, ok := srv.Snapshot(paths.LiveInstance(testInstance))
	require.True(t, ok)
	assert.Equal(t, beforeData, afterData)
	assert.Equal(t, beforeStat.Version, afterStat.Version)
	assert.Equal(t, other.SessionID(), afterStat.EphemeralOwner)
}

func TestCreateLiveInstanceWithoutWait(t *testing.T) {
	srv, c := provisioned(t)
	require.NoError(t, newHelper(connect(t, srv), nil).CreateLiveInstance(context.Background()))
	assert.ErrorIs(t, newHelper(c, nil).CreateLiveInstance(context.Background()), ErrDuplicateInstance)
}

func TestCreateLiveInstanceWaitsForStaleRecord(t *testing.T) {
	srv, c := provisioned(t)
	stale := srv.NewClient(memory.Options{})
	require.NoError(t, stale.Connect(context.Background()))
	require.NoError(t, newHelper(stale, nil).CreateLiveInstance(context.Background()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = stale.Close()
	}()

	h := newHelper(c, func(o *Options) { o.DuplicateWait = 2 * time.Second })
	require.NoError(t, h.CreateLiveInstance(context.Background()))
	li, _ := liveRecord(t, srv)
	assert.Equal(t, c.SessionID(), li.SessionID())
}

func TestCreateLiveInstanceRequiresSession(t *testing.T) {
	srv := memory.NewServer()
	c := srv.NewClient(memory.Options{})
	assert.ErrorIs(t, newHelper(c, nil).CreateLiveInstance(context.Background()), coord.ErrNotConnected)
}

func TestCarryOverPreviousCurrentState(t *testing.T) {
	srv, c := provisioned(t)
	ctx := context.Background()
	s1 := c.SessionID()

	cs := cluster.NewCurrentState("db", s1)
	cs.SetStateModel("OnlineOffline")
	cs.SetPartitionState("db_0", "ONLINE")
	cs.SetPartitionState("db_1", "OFFLINE")
	data, err := cs.Encode()
	require.NoError(t, err)
	require.NoError(t, c.Create(ctx, paths.CurrentState(testInstance, s1, "db"), data, coord.Persistent))

	require.NoError(t, srv.ExpireSession(s1))
	require.Eventually(t, func() bool {
		return c.State() == coord.StateConnected && c.SessionID() != s1
	}, 2*time.Second, 5*time.Millisecond)
	s2 := c.SessionID()

	// A snapshot already written under s2 must survive.
	kept := cluster.NewCurrentState("cache", s2)
	kept.SetPartitionState("cache_0", "ONLINE")
	keptData, err := kept.Encode()
	require.NoError(t, err)
	require.NoError(t, c.Create(ctx, paths.CurrentState(testInstance, s2, "cache"), keptData, coord.Persistent))
	stale := cluster.NewCurrentState("cache", s1)
	stale.SetPartitionState("cache_0", "OFFLINE")
	staleData, err := stale.Encode()
	require.NoError(t, err)
	require.NoError(t, c.Create(ctx, paths.CurrentState(testInstance, s1, "cache"), staleData, coord.Persistent))

	h := newHelper(c, nil)
	require.NoError(t, h.CarryOverPreviousCurrentState(ctx))

	rec, err := h.opts.Accessor.Get(ctx, paths.CurrentState(testInstance, s2, "db"))
	require.NoError(t, err)
	got := cluster.CurrentState{Record: rec}
	assert.Equal(t, s2, got.SessionID())
	assert.Equal(t, map[string]string{"db_0": "ONLINE", "db_1": "OFFLINE"}, got.PartitionStates())
	assert.Equal(t, "OnlineOffline", got.StateModel())

	rec, err = h.opts.Accessor.Get(ctx, paths.CurrentState(testInstance, s2, "cache"))
	require.NoError(t, err)
	assert.Equal(t, "ONLINE", cluster.CurrentState{Record: rec}.PartitionState("cache_0"))

	// Copy, not move, until the purge step.
	ok, _, err := c.Exists(ctx, paths.SessionCurrentStates(testInstance, s1))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.PurgePreviousCurrentStates(ctx))
	ok, _, err = c.Exists(ctx, paths.SessionCurrentStates(testInstance, s1))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _, err = c.Exists(ctx, paths.CurrentState(testInstance, s2, "db"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCarryOverPrefersNewestSessionPerPartition(t *testing.T) {
	_, c := provisioned(t)
	ctx := context.Background()
	current := c.SessionID()
	older, newer := coord.SessionID("0190-a"), coord.SessionID("0190-b")

	write := func(session coord.SessionID, states map[string]string) {
		cs := cluster.NewCurrentState("db", session)
		for p, st := range states {
			cs.SetPartitionState(p, st)
		}
		data, err := cs.Encode()
		require.NoError(t, err)
		require.NoError(t, c.Create(ctx, paths.CurrentState(testInstance, session, "db"), data, coord.Persistent))
	}
	write(older, map[string]string{"db_0": "OFFLINE", "db_2": "OFFLINE"})
	write(newer, map[string]string{"db_0": "ONLINE", "db_1": "ONLINE"})
	write(current, map[string]string{"db_1": "SLAVE"})

	h := newHelper(c, func(o *Options) { o.KeepPreviousStates = true })
	require.NoError(t, h.CarryOverPreviousCurrentState(ctx))

	rec, err := h.opts.Accessor.Base().Get(ctx, paths.CurrentState(testInstance, current, "db"))
	require.NoError(t, err)
	got := cluster.CurrentState{Record: rec}
	assert.Equal(t, current, got.SessionID())
	assert.Equal(t, map[string]string{
		"db_0": "ONLINE",
		"db_1": "SLAVE",
		"db_2": "OFFLINE",
	}, got.PartitionStates())
}

func TestKeepPreviousStates(t *testing.T) {
	_, c := provisioned(t)
	ctx := context.Background()
	old := coord.SessionID("0190-old")
	data, err := cluster.NewCurrentState("db", old).Encode()
	require.NoError(t, err)
	require.NoError(t, c.Create(ctx, paths.CurrentState(testInstance, old, "db"), data, coord.Persistent))

	h := newHelper(c, func(o *Options) { o.KeepPreviousStates = true })
	require.NoError(t, h.CarryOverPreviousCurrentState(ctx))
	require.NoError(t, h.PurgePreviousCurrentStates(ctx))

	ok, _, err := c.Exists(ctx, paths.SessionCurrentStates(testInstance, old))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPreConnectCallbacks(t *testing.T) {
	_, c := provisioned(t)
	h := newHelper(c, nil)
	var order []int
	h.AddPreConnectCallback(func(context.Context) error { order = append(order, 1); return nil })
	h.AddPreConnectCallback(nil)
	h.AddPreConnectCallback(func(context.Context) error { order = append(order, 2); return errors.New("refused") })
	h.AddPreConnectCallback(func(context.Context) error { order = append(order, 3); return nil })

	err := h.RunPreConnectCallbacks(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, []int{1, 2}, order)
}

func TestSetupMessageHandlerAndHealthPath(t *testing.T) {
	srv, c := provisioned(t)
	nop := zerolog.Nop()
	acc := accessor.NewCached(accessor.NewBase(c), nil, accessor.WithLogger(nop))
	reg := callback.New(callback.Options{
		Cluster: testCluster,
		Role:    cluster.RoleParticipant,
		Watcher: c,
		Reader:  acc,
		Logger:  &nop,
	})
	defer reg.Close()
	listener := callback.NewListener(func(context.Context, callback.Event) error { return nil })

	h := newHelper(c, func(o *Options) {
		o.Registry = reg
		o.MessageListener = listener
	})
	require.NoError(t, h.SetupMessageHandler(context.Background()))
	infos := reg.Handlers()
	require.Len(t, infos, 1)
	assert.Equal(t, cluster.ChangeMessage.String(), infos[0].Type)
	assert.Equal(t, paths.Messages(testInstance), infos[0].Path)

	require.NoError(t, c.Delete(context.Background(), paths.HealthReports(testInstance), coord.AnyVersion))
	require.NoError(t, h.CreateHealthCheckPath(context.Background()))
	require.NoError(t, h.CreateHealthCheckPath(context.Background()))
	_, _, ok := srv.Snapshot(paths.HealthReports(testInstance))
	assert.True(t, ok)
}

func TestStepsOrder(t *testing.T) {
	_, c := provisioned(t)
	var names []string
	for _, s := range newHelper(c, nil).Steps() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"join_cluster",
		"pre_connect",
		"create_live_instance",
		"carry_over_current_state",
		"setup_message_handler",
		"create_health_check_path",
		"purge_previous_current_state",
	}, names)
}
