// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/coord/memory"
)

func TestPaths(t *testing.T) {
	p := NewPaths("C")
	assert.Equal(t, "/C/LIVEINSTANCES/node-1", p.LiveInstance("node-1"))
	assert.Equal(t, "/C/CONFIGS/PARTICIPANT/node-1", p.ParticipantConfig("node-1"))
	assert.Equal(t, "/C/INSTANCES/node-1/CURRENTSTATES/S1/db", p.CurrentState("node-1", "S1", "db"))
	assert.Equal(t, "/C/INSTANCES/node-1/MESSAGES/m1", p.Message("node-1", "m1"))
	assert.Equal(t, "/C/CONTROLLER/MESSAGES", p.ControllerMessages())
	assert.Len(t, p.RequiredPaths(), 12)
}

func TestParseCurrentStatePath(t *testing.T) {
	ref, ok := ParseCurrentStatePath("/C/INSTANCES/node-1/CURRENTSTATES/S1/db")
	require.True(t, ok)
	assert.Equal(t, CurrentStateRef{Cluster: "C", Instance: "node-1", Session: "S1", Resource: "db"}, ref)

	ref, ok = ParseCurrentStatePath("/C/INSTANCES/node-1/CURRENTSTATES/S1")
	require.True(t, ok)
	assert.Empty(t, ref.Resource)

	_, ok = ParseCurrentStatePath("/C/INSTANCES/node-1/MESSAGES/m1")
	assert.False(t, ok)
	_, ok = ParseCurrentStatePath("/C/LIVEINSTANCES/node-1")
	assert.False(t, ok)

	inst, ok := InstanceFromPath("/C/INSTANCES/node-1/HEALTHREPORT")
	require.True(t, ok)
	assert.Equal(t, "node-1", inst)
}

func TestRecordEncodeDecode(t *testing.T) {
	cs := NewCurrentState("db", "S1")
	cs.SetPartitionState("db_0", "MASTER")
	cs.SetPartitionState("db_1", "SLAVE")
	cs.ListFields["owners"] = []string{"a", "b"}

	data, err := cs.Encode()
	require.NoError(t, err)
	got, err := Decode("db", data)
	require.NoError(t, err)

	if diff := cmp.Diff(cs.Record, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	view := CurrentState{got}
	assert.Equal(t, coord.SessionID("S1"), view.SessionID())
	assert.Equal(t, map[string]string{"db_0": "MASTER", "db_1": "SLAVE"}, view.PartitionStates())

	empty, err := Decode("x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", empty.ID)
	assert.NotNil(t, empty.MapFields)

	_, err = Decode("x", []byte("{"))
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRecord("a")
	r.SetMapValue("p", "k", "v")
	c := r.Clone()
	c.SetMapValue("p", "k", "changed")
	assert.Equal(t, "v", r.Map("p")["k"])
}

func TestLiveInstanceFields(t *testing.T) {
	li := NewLiveInstance("node-1")
	li.SetSessionID("S1")
	now := time.UnixMilli(time.Now().UnixMilli())
	li.SetStartTime(now)
	li.SetProcess("42@host")
	assert.Equal(t, "node-1", li.InstanceName())
	assert.Equal(t, coord.SessionID("S1"), li.SessionID())
	assert.True(t, now.Equal(li.StartTime()))
	assert.Equal(t, "42@host", li.Process())
}

func TestBuildMessage(t *testing.T) {
	m := BuildMessage("m1", MessageSpec{
		Source: "controller", Target: "node-1", TargetSession: "S2",
		Resource: "db", Partition: "db_0", FromState: "OFFLINE", ToState: "SLAVE",
	}, time.UnixMilli(1000))
	assert.Equal(t, MsgStateTransition, m.MsgType())
	assert.Equal(t, coord.SessionID("S2"), m.TargetSession())
	assert.Equal(t, int64(1000), m.CreatedAt().UnixMilli())
}

func TestChangeTypePath(t *testing.T) {
	p, err := ChangeCurrentState.Path("C", Scope{Instance: "node-1", Session: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "/C/INSTANCES/node-1/CURRENTSTATES/S1", p)

	p, err = ChangeMessage.Path("C", Scope{Instance: "node-1"})
	require.NoError(t, err)
	assert.Equal(t, "/C/INSTANCES/node-1/MESSAGES", p)

	p, err = ChangeConfig.Path("C", Scope{ConfigScope: ScopeResource})
	require.NoError(t, err)
	assert.Equal(t, "/C/CONFIGS/RESOURCE", p)

	_, err = ChangeCurrentState.Path("C", Scope{Instance: "node-1"})
	assert.ErrorIs(t, err, ErrBadScope)
	_, err = ChangeIdealState.Path("C", Scope{Instance: "node-1"})
	assert.ErrorIs(t, err, ErrBadScope)
	_, err = ChangeType(99).Path("C", Scope{})
	assert.ErrorIs(t, err, ErrBadScope)
	assert.False(t, ChangeType(99).Valid())
}

func TestIsSetupAndProvision(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	c := srv.NewClient(memory.Options{})
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	err := IsSetup(ctx, c, "C")
	require.ErrorIs(t, err, ErrNotSetUp)
	var se *StructureError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "/C", se.Missing)

	require.NoError(t, Provision(ctx, c, "C"))
	require.NoError(t, Provision(ctx, c, "C"), "provision is idempotent")
	require.NoError(t, IsSetup(ctx, c, "C"))

	assert.ErrorIs(t, IsInstanceSetup(ctx, c, "C", "node-1"), ErrNotSetUp)
	require.NoError(t, AddInstance(ctx, c, "C", NewInstanceConfig("node-1")))
	require.NoError(t, IsInstanceSetup(ctx, c, "C", "node-1"))
	assert.ErrorIs(t, AddInstance(ctx, c, "C", NewInstanceConfig("node-1")), coord.ErrNodeExists)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("participant")
	require.NoError(t, err)
	assert.Equal(t, RoleParticipant, r)
	_, err = ParseRole("janitor")
	assert.Error(t, err)
}
