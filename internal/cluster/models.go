// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cluster

import (
	"strconv"
	"time"

	"github.com/ManuGH/tether/internal/coord"
)

// Field names shared by several record kinds.
const (
	FieldSessionID = "SESSION_ID"

	FieldStartTime    = "START_TIME"
	FieldLiveInstance = "LIVE_INSTANCE"
	FieldVersion      = "VERSION"

	FieldCurrentState = "CURRENT_STATE"
	FieldStateModel   = "STATE_MODEL_DEF"

	FieldHost    = "HELIX_HOST"
	FieldPort    = "HELIX_PORT"
	FieldEnabled = "HELIX_ENABLED"

	FieldMsgType         = "MSG_TYPE"
	FieldSrcName         = "SRC_NAME"
	FieldTgtName         = "TGT_NAME"
	FieldTgtSessionID    = "TGT_SESSION_ID"
	FieldResourceName    = "RESOURCE_NAME"
	FieldPartitionName   = "PARTITION_NAME"
	FieldFromState       = "FROM_STATE"
	FieldToState         = "TO_STATE"
	FieldCreateTimestamp = "CREATE_TIMESTAMP"
)

// LiveInstance is the ephemeral membership record of a connected participant.
type LiveInstance struct{ *Record }

func NewLiveInstance(instance string) LiveInstance {
	return LiveInstance{NewRecord(instance)}
}

func (l LiveInstance) InstanceName() string { return l.ID }

func (l LiveInstance) SessionID() coord.SessionID {
	return coord.SessionID(l.Simple(FieldSessionID))
}

func (l LiveInstance) SetSessionID(id coord.SessionID) { l.SetSimple(FieldSessionID, id.String()) }

// StartTime is the moment the session that created the record began.
func (l LiveInstance) StartTime() time.Time {
	ms, err := strconv.ParseInt(l.Simple(FieldStartTime), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (l LiveInstance) SetStartTime(t time.Time) {
	l.SetSimple(FieldStartTime, strconv.FormatInt(t.UnixMilli(), 10))
}

// Process is the "pid@host" marker of the owning process.
func (l LiveInstance) Process() string { return l.Simple(FieldLiveInstance) }

func (l LiveInstance) SetProcess(v string) { l.SetSimple(FieldLiveInstance, v) }

func (l LiveInstance) Version() string { return l.Simple(FieldVersion) }

func (l LiveInstance) SetVersion(v string) { l.SetSimple(FieldVersion, v) }

// CurrentState holds the partition states of one resource for one session.
type CurrentState struct{ *Record }

func NewCurrentState(resource string, session coord.SessionID) CurrentState {
	cs := CurrentState{NewRecord(resource)}
	cs.SetSessionID(session)
	return cs
}

func (c CurrentState) Resource() string { return c.ID }

func (c CurrentState) SessionID() coord.SessionID {
	return coord.SessionID(c.Simple(FieldSessionID))
}

func (c CurrentState) SetSessionID(id coord.SessionID) { c.SetSimple(FieldSessionID, id.String()) }

func (c CurrentState) StateModel() string { return c.Simple(FieldStateModel) }

func (c CurrentState) SetStateModel(v string) { c.SetSimple(FieldStateModel, v) }

// PartitionState returns the current state of a partition, or "".
func (c CurrentState) PartitionState(partition string) string {
	return c.Map(partition)[FieldCurrentState]
}

func (c CurrentState) SetPartitionState(partition, state string) {
	c.SetMapValue(partition, FieldCurrentState, state)
}

// PartitionStates returns partition -> state.
func (c CurrentState) PartitionStates() map[string]string {
	out := make(map[string]string, len(c.MapFields))
	for partition, fields := range c.MapFields {
		if s, ok := fields[FieldCurrentState]; ok {
			out[partition] = s
		}
	}
	return out
}

// MessageType values.
const (
	MsgStateTransition = "STATE_TRANSITION"
	MsgNoOp            = "NO_OP"
)

// Message is a unit of work addressed to one instance and session.
type Message struct{ *Record }

func NewMessage(id string) Message { return Message{NewRecord(id)} }

func (m Message) MsgID() string     { return m.ID }
func (m Message) MsgType() string   { return m.Simple(FieldMsgType) }
func (m Message) Source() string    { return m.Simple(FieldSrcName) }
func (m Message) Target() string    { return m.Simple(FieldTgtName) }
func (m Message) Resource() string  { return m.Simple(FieldResourceName) }
func (m Message) Partition() string { return m.Simple(FieldPartitionName) }
func (m Message) FromState() string { return m.Simple(FieldFromState) }
func (m Message) ToState() string   { return m.Simple(FieldToState) }
func (m Message) TargetSession() coord.SessionID {
	return coord.SessionID(m.Simple(FieldTgtSessionID))
}

func (m Message) CreatedAt() time.Time {
	ms, err := strconv.ParseInt(m.Simple(FieldCreateTimestamp), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MessageSpec fills a new message.
type MessageSpec struct {
	Type          string
	Source        string
	Target        string
	TargetSession coord.SessionID
	Resource      string
	Partition     string
	FromState     string
	ToState       string
}

// BuildMessage creates a message record from spec.
func BuildMessage(id string, spec MessageSpec, now time.Time) Message {
	m := NewMessage(id)
	typ := spec.Type
	if typ == "" {
		typ = MsgStateTransition
	}
	m.SetSimple(FieldMsgType, typ)
	m.SetSimple(FieldSrcName, spec.Source)
	m.SetSimple(FieldTgtName, spec.Target)
	m.SetSimple(FieldTgtSessionID, spec.TargetSession.String())
	m.SetSimple(FieldResourceName, spec.Resource)
	m.SetSimple(FieldPartitionName, spec.Partition)
	m.SetSimple(FieldFromState, spec.FromState)
	m.SetSimple(FieldToState, spec.ToState)
	m.SetSimple(FieldCreateTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	return m
}

// InstanceConfig is the static provisioning record of an instance.
type InstanceConfig struct{ *Record }

func NewInstanceConfig(instance string) InstanceConfig {
	ic := InstanceConfig{NewRecord(instance)}
	ic.SetEnabled(true)
	return ic
}

func (i InstanceConfig) InstanceName() string { return i.ID }
func (i InstanceConfig) Host() string         { return i.Simple(FieldHost) }
func (i InstanceConfig) Port() string         { return i.Simple(FieldPort) }
func (i InstanceConfig) SetHost(v string)     { i.SetSimple(FieldHost, v) }
func (i InstanceConfig) SetPort(v string)     { i.SetSimple(FieldPort, v) }

func (i InstanceConfig) Enabled() bool {
	v := i.Simple(FieldEnabled)
	return v == "" || v == "true"
}

func (i InstanceConfig) SetEnabled(on bool) { i.SetSimple(FieldEnabled, strconv.FormatBool(on)) }

// HealthReport is a periodic statistics record written by a participant.
type HealthReport struct{ *Record }

func NewHealthReport(name string) HealthReport { return HealthReport{NewRecord(name)} }
