// Package metrics exposes the process's Prometheus instrumentation,
// adapted from the teacher's pkg/metrics (container/service/raft gauges)
// onto oplog, invocation and cluster concerns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OplogAppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "durablewasm_oplog_append_duration_seconds",
		Help:    "Latency of oplog append/commit operations.",
		Buckets: prometheus.DefBuckets,
	})

	OplogEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durablewasm_oplog_entries_total",
		Help: "Oplog entries appended, by kind.",
	}, []string{"kind"})

	InvocationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "durablewasm_invocation_duration_seconds",
		Help:    "Latency of one invocation runner pass (pre+execute+post).",
		Buckets: prometheus.DefBuckets,
	})

	InvocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durablewasm_invocations_total",
		Help: "Completed invocations, by outcome.",
	}, []string{"outcome"})

	LifecycleTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durablewasm_lifecycle_transitions_total",
		Help: "Worker lifecycle state transitions.",
	}, []string{"from", "to"})

	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durablewasm_retries_total",
		Help: "Retry decisions made by the lifecycle state machine.",
	}, []string{"decision"})

	ClusterApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "durablewasm_cluster_apply_duration_seconds",
		Help:    "Latency of raft Apply for shard-assignment commands.",
		Buckets: prometheus.DefBuckets,
	})

	SchedulerActionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "durablewasm_scheduler_action_duration_seconds",
		Help:    "Latency of one fired scheduler action.",
		Buckets: prometheus.DefBuckets,
	})

	WorkersLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "durablewasm_workers_loaded",
		Help: "Workers currently loaded in this process.",
	})
)

func init() {
	prometheus.MustRegister(
		OplogAppendLatency,
		OplogEntriesTotal,
		InvocationDuration,
		InvocationsTotal,
		LifecycleTransitionsTotal,
		RetriesTotal,
		ClusterApplyDuration,
		SchedulerActionDuration,
		WorkersLoaded,
	)
}

// Timer is a small stopwatch helper, mirroring the teacher's
// metrics.NewTimer()/ObserveDuration pattern used around every raft Apply
// and scheduling cycle.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
