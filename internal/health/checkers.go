// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"time"

	"github.com/ManuGH/tether/internal/coord"
)

// Session is the part of the session lifecycle manager readiness needs.
type Session interface {
	IsConnected() bool
	SessionID() coord.SessionID
	Done() <-chan struct{}
	Err() error
}

// SessionChecker is healthy while the manager holds a joined session,
// degraded while it waits for one and unhealthy once it stopped.
type SessionChecker struct {
	session Session
}

func NewSessionChecker(s Session) *SessionChecker { return &SessionChecker{session: s} }

func (c *SessionChecker) Name() string { return "session" }

func (c *SessionChecker) Check(context.Context) CheckResult {
	select {
	case <-c.session.Done():
		res := CheckResult{Status: StatusUnhealthy, Message: "manager stopped"}
		if err := c.session.Err(); err != nil {
			res.Error = err.Error()
		}
		return res
	default:
	}
	if !c.session.IsConnected() {
		return CheckResult{Status: StatusUnhealthy, Message: "waiting for session"}
	}
	return CheckResult{Status: StatusHealthy, Message: "joined with session " + c.session.SessionID().String()}
}

// ReportChecker checks the age of the last health report write.
type ReportChecker struct {
	lastWrite func() (time.Time, error)
	maxAge    time.Duration
}

// NewReportChecker reports degraded when the last successful write is older
// than maxAge or the last attempt failed.
func NewReportChecker(lastWrite func() (time.Time, error), maxAge time.Duration) *ReportChecker {
	return &ReportChecker{lastWrite: lastWrite, maxAge: maxAge}
}

func (c *ReportChecker) Name() string { return "health_report" }

func (c *ReportChecker) Check(context.Context) CheckResult {
	last, err := c.lastWrite()
	switch {
	case err != nil:
		return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: "last health report write failed"}
	case last.IsZero():
		return CheckResult{Status: StatusDegraded, Message: "no health report written yet"}
	case time.Since(last) > c.maxAge:
		return CheckResult{Status: StatusDegraded, Message: "last health report older than " + c.maxAge.String()}
	}
	return CheckResult{Status: StatusHealthy, Message: "health report current"}
}
