// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/coord/memory"
)

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) OnChange(_ context.Context, ev Event) error {
	r.ch <- ev
	return nil
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s %s", ev.Type, ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	srv    *memory.Server
	client *memory.Client
	reg    *Registry
}

func newFixture(t *testing.T, role cluster.Role, caps *Capabilities) *fixture {
	t.Helper()
	srv := memory.NewServer()
	client := srv.NewClient(memory.Options{})
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, cluster.Provision(context.Background(), client, "C"))
	nop := zerolog.Nop()
	reg := New(Options{
		Cluster:       "C",
		Role:          role,
		Capabilities:  caps,
		Watcher:       client,
		Reader:        accessor.NewCached(accessor.NewBase(client), nil, accessor.WithLogger(nop)),
		Logger:        &nop,
		RearmInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		reg.Close()
		_ = client.Close()
	})
	return &fixture{srv: srv, client: client, reg: reg}
}

func (f *fixture) put(t *testing.T, path string, id string) {
	t.Helper()
	data, err := cluster.NewRecord(id).Encode()
	require.NoError(t, err)
	_, err = f.client.Set(context.Background(), path, data, coord.AnyVersion)
	if errors.Is(err, coord.ErrNoNode) {
		err = f.client.Create(context.Background(), path, data, coord.Persistent)
	}
	require.NoError(t, err)
}

func TestSubscribeRejectsInvalidListeners(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)

	err := f.reg.Subscribe(nil, cluster.ChangeIdealState, cluster.Scope{})
	assert.ErrorIs(t, err, ErrNilListener)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var typedNil *recorder
	assert.ErrorIs(t, f.reg.Subscribe(typedNil, cluster.ChangeIdealState, cluster.Scope{}), ErrNilListener)

	err = f.reg.Subscribe(newRecorder(), cluster.ChangeCurrentState, cluster.Scope{Instance: "node-1"})
	assert.ErrorIs(t, err, ErrInvalidArgument, "current state needs a session")

	err = f.reg.Subscribe(newRecorder(), cluster.ChangeType(42), cluster.Scope{})
	var unsupported *UnsupportedChangeTypeError
	assert.ErrorAs(t, err, &unsupported)
}

func TestRoleCapabilities(t *testing.T) {
	admin := newFixture(t, cluster.RoleAdministrator, nil)
	err := admin.reg.Subscribe(newRecorder(), cluster.ChangeIdealState, cluster.Scope{})
	var unsupported *UnsupportedChangeTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, cluster.RoleAdministrator, unsupported.Role)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	spectator := newFixture(t, cluster.RoleSpectator, nil)
	assert.Error(t, spectator.reg.Subscribe(newRecorder(), cluster.ChangeMessage, cluster.Scope{Instance: "n"}))
	assert.NoError(t, spectator.reg.Subscribe(newRecorder(), cluster.ChangeExternalView, cluster.Scope{}))

	restricted := RestrictedCapabilities()
	legacy := newFixture(t, cluster.RoleParticipant, &restricted)
	for _, typ := range []cluster.ChangeType{cluster.ChangeConfig, cluster.ChangeExternalView, cluster.ChangeController} {
		assert.ErrorIs(t, legacy.reg.Subscribe(newRecorder(), typ, cluster.Scope{}), ErrInvalidArgument, typ.String())
	}
	for _, typ := range []cluster.ChangeType{cluster.ChangeIdealState, cluster.ChangeLiveInstance} {
		assert.NoError(t, legacy.reg.Subscribe(newRecorder(), typ, cluster.Scope{}), typ.String())
	}
	assert.Equal(t, []cluster.ChangeType{
		cluster.ChangeIdealState, cluster.ChangeLiveInstance, cluster.ChangeCurrentState,
	}, restricted.Types())
}

func TestInitThenCallbacksInOrder(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)
	f.put(t, "/C/IDEALSTATES/db", "db")

	f.reg.Bind(context.Background())
	rec := newRecorder()
	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeIdealState, cluster.Scope{}))

	ev := rec.next(t)
	assert.Equal(t, KindInit, ev.Kind)
	assert.Equal(t, "/C/IDEALSTATES", ev.Path)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, "db", ev.Records[0].ID)
	assert.Equal(t, f.client.SessionID(), ev.SessionID)

	f.put(t, "/C/IDEALSTATES/cache", "cache")
	ev = rec.next(t)
	assert.Equal(t, KindCallback, ev.Kind)
	assert.Len(t, ev.Records, 2)

	f.put(t, "/C/IDEALSTATES/db", "db")
	ev = rec.next(t)
	assert.Equal(t, KindCallback, ev.Kind, "data change on a child fires")
}

func TestDuplicateSubscribeIsNoOp(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)
	f.reg.Bind(context.Background())
	rec := newRecorder()

	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeLiveInstance, cluster.Scope{}))
	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeLiveInstance, cluster.Scope{}))
	assert.Equal(t, KindInit, rec.next(t).Kind)
	rec.none(t)

	infos := f.reg.Handlers()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Listeners)
	assert.True(t, infos[0].Running)
}

func TestSecondListenerGetsOwnInit(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)
	f.reg.Bind(context.Background())
	first, second := newRecorder(), newRecorder()

	require.NoError(t, f.reg.Subscribe(first, cluster.ChangeLiveInstance, cluster.Scope{}))
	assert.Equal(t, KindInit, first.next(t).Kind)

	require.NoError(t, f.reg.Subscribe(second, cluster.ChangeLiveInstance, cluster.Scope{}))
	assert.Equal(t, KindInit, second.next(t).Kind)
	first.none(t)
}

func TestUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, cluster.RoleParticipant, nil)
	f.reg.Bind(context.Background())
	rec := newRecorder()
	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeExternalView, cluster.Scope{}))
	assert.Equal(t, KindInit, rec.next(t).Kind)

	assert.True(t, f.reg.Unsubscribe(rec))
	assert.Equal(t, KindFinalize, rec.next(t).Kind)
	assert.False(t, f.reg.Unsubscribe(rec))
	assert.False(t, f.reg.Unsubscribe(nil))
	assert.Empty(t, f.reg.Handlers())

	f.put(t, "/C/EXTERNALVIEW/db", "db")
	rec.none(t)

	f.reg.Close()
	require.NoError(t, f.client.Close())
}

func TestFailingListenerDoesNotStopOthers(t *testing.T) {
	var mu sync.Mutex
	var hooked []error

	srv := memory.NewServer()
	client := srv.NewClient(memory.Options{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	require.NoError(t, cluster.Provision(context.Background(), client, "C"))
	nop := zerolog.Nop()
	reg := New(Options{
		Cluster: "C",
		Role:    cluster.RoleParticipant,
		Watcher: client,
		Reader:  accessor.NewCached(accessor.NewBase(client), nil, accessor.WithLogger(nop)),
		Logger:  &nop,
		ErrorHook: func(_ Event, err error) {
			mu.Lock()
			hooked = append(hooked, err)
			mu.Unlock()
		},
	})
	defer reg.Close()
	reg.Bind(context.Background())

	panicky := NewListener(func(context.Context, Event) error { panic("boom") })
	failing := NewListener(func(context.Context, Event) error { return errors.New("nope") })
	good := newRecorder()
	require.NoError(t, reg.Subscribe(panicky, cluster.ChangeIdealState, cluster.Scope{}))
	require.NoError(t, reg.Subscribe(failing, cluster.ChangeIdealState, cluster.Scope{}))
	require.NoError(t, reg.Subscribe(good, cluster.ChangeIdealState, cluster.Scope{}))

	assert.Equal(t, KindInit, good.next(t).Kind)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hooked) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResetKeepsRegistrations(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)
	f.reg.Bind(context.Background())
	rec := newRecorder()
	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeLiveInstance, cluster.Scope{}))
	assert.Equal(t, KindInit, rec.next(t).Kind)

	f.reg.Reset()
	assert.Equal(t, KindFinalize, rec.next(t).Kind)
	assert.False(t, f.reg.Bound())
	require.Len(t, f.reg.Handlers(), 1)
	assert.False(t, f.reg.Handlers()[0].Running)

	f.put(t, "/C/LIVEINSTANCES/x", "x")
	rec.none(t)

	f.reg.Bind(context.Background())
	f.reg.InitAll()
	ev := rec.next(t)
	assert.Equal(t, KindInit, ev.Kind)
	assert.Len(t, ev.LiveInstances(), 1)
}

func TestWatchesSurviveSessionExpiry(t *testing.T) {
	f := newFixture(t, cluster.RoleParticipant, nil)
	f.reg.Bind(context.Background())
	rec := newRecorder()
	require.NoError(t, f.reg.Subscribe(rec, cluster.ChangeIdealState, cluster.Scope{}))
	assert.Equal(t, KindInit, rec.next(t).Kind)

	require.NoError(t, f.srv.ExpireSession(f.client.SessionID()))
	// The dropped watch fires; the handler re-arms under the new session.
	assert.Equal(t, KindCallback, rec.next(t).Kind)

	f.put(t, "/C/IDEALSTATES/db", "db")
	ev := rec.next(t)
	assert.Equal(t, KindCallback, ev.Kind)
	assert.Len(t, ev.Records, 1)
}
