// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Session lifecycle metrics. No session ids or instance names in labels.
var (
	// SessionEventsTotal counts facade session events by state.
	SessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_session_events_total",
		Help: "Total number of coordination session events, by state.",
	}, []string{"state"})

	// RejoinTotal counts re-join attempts by result (ok, failed, skipped).
	RejoinTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_rejoin_total",
		Help: "Total number of re-join sequences, by result.",
	}, []string{"result"})

	// RejoinDuration observes how long a full re-join takes.
	RejoinDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tether_rejoin_duration_seconds",
		Help:    "Duration of the re-join sequence.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// RejoinStepFailuresTotal counts failed re-join steps.
	RejoinStepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_rejoin_step_failures_total",
		Help: "Total number of failed re-join steps, by step.",
	}, []string{"step"})

	// TimerTaskStopFailuresTotal counts timer tasks that failed to stop.
	TimerTaskStopFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_timer_task_stop_failures_total",
		Help: "Total number of timer task stop failures, by task.",
	}, []string{"task"})

	// Connected is 1 while the manager holds a processed session.
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_connected",
		Help: "Whether the manager is connected with a joined session (1) or not (0).",
	})
)

// Callback registry metrics.
var (
	// DispatchTotal counts listener notifications by change type and kind.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_dispatch_total",
		Help: "Total number of listener notifications, by change type and kind.",
	}, []string{"change_type", "kind"})

	// ListenerFailuresTotal counts listener errors and panics.
	ListenerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_listener_failures_total",
		Help: "Total number of failed listener invocations, by change type.",
	}, []string{"change_type"})

	// WatchRearmFailuresTotal counts failures to re-arm a watch.
	WatchRearmFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_watch_rearm_failures_total",
		Help: "Total number of failed watch re-arms, by change type.",
	}, []string{"change_type"})
)

// Cached accessor metrics.
var (
	// CacheEventsTotal counts cache hits, misses, sets, resets and inconsistencies.
	CacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_cache_events_total",
		Help: "Total number of write-through cache events, by event.",
	}, []string{"event"})
)

// Messaging metrics.
var (
	// MessagesTotal counts processed messages by outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_messages_total",
		Help: "Total number of processed messages, by outcome.",
	}, []string{"outcome"})

	// TaskDuration observes state-machine task execution time.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tether_task_duration_seconds",
		Help:    "Duration of state-machine task execution.",
		Buckets: prometheus.DefBuckets,
	})

	// HealthReportWritesTotal counts health report writes by result.
	HealthReportWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_health_report_writes_total",
		Help: "Total number of health report writes, by result.",
	}, []string{"result"})
)

// RecordSessionEvent increments the session event counter.
func RecordSessionEvent(state string) {
	SessionEventsTotal.WithLabelValues(normalize(state)).Inc()
}

// RecordRejoin records a finished re-join with its duration.
func RecordRejoin(result string, took time.Duration) {
	RejoinTotal.WithLabelValues(normalize(result)).Inc()
	if result != "skipped" {
		RejoinDuration.Observe(took.Seconds())
	}
}

// RecordRejoinStepFailure increments the failed step counter.
func RecordRejoinStepFailure(step string) {
	RejoinStepFailuresTotal.WithLabelValues(normalize(step)).Inc()
}

// RecordTimerTaskStopFailure increments the timer stop failure counter.
func RecordTimerTaskStopFailure(task string) {
	TimerTaskStopFailuresTotal.WithLabelValues(normalize(task)).Inc()
}

// SetConnected sets the connected gauge.
func SetConnected(connected bool) {
	if connected {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

// RecordDispatch increments the dispatch counter.
func RecordDispatch(changeType, kind string) {
	DispatchTotal.WithLabelValues(normalize(changeType), normalize(kind)).Inc()
}

// RecordListenerFailure increments the listener failure counter.
func RecordListenerFailure(changeType string) {
	ListenerFailuresTotal.WithLabelValues(normalize(changeType)).Inc()
}

// RecordWatchRearmFailure increments the re-arm failure counter.
func RecordWatchRearmFailure(changeType string) {
	WatchRearmFailuresTotal.WithLabelValues(normalize(changeType)).Inc()
}

// RecordCacheEvent increments the cache event counter.
// event: "hit", "miss", "set", "reset" or "inconsistency"
func RecordCacheEvent(event string) {
	CacheEventsTotal.WithLabelValues(normalize(event)).Inc()
}

// RecordMessage increments the message outcome counter.
// outcome: "delivered", "failed", "duplicate", "stale_session" or "malformed"
func RecordMessage(outcome string) {
	MessagesTotal.WithLabelValues(normalize(outcome)).Inc()
}

// ObserveTask records a task execution time.
func ObserveTask(took time.Duration) {
	TaskDuration.Observe(took.Seconds())
}

// RecordHealthReportWrite increments the health report counter.
func RecordHealthReportWrite(result string) {
	HealthReportWritesTotal.WithLabelValues(normalize(result)).Inc()
}

// GetConnected returns the current value of the connected gauge (for testing).
func GetConnected() float64 {
	var m dto.Metric
	if err := Connected.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func normalize(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
