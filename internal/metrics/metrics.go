// Package metrics is the Prometheus instrumentation surface, a direct
// generalization of the teacher's pkg/metrics: same gauge/counter/
// histogram/Timer shape, renamed for pipeline, throttle, and
// participant concerns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster/membership metrics
	LiveInstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partitionctl_live_instances_total",
			Help: "Total number of live participant instances",
		},
	)

	ResourcesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partitionctl_resources_total",
			Help: "Total number of resources with an IdealState",
		},
	)

	PartitionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitionctl_partitions_by_state",
			Help: "Number of (resource,partition,instance) replicas observed in each state",
		},
		[]string{"resource", "state"},
	)

	PartitionsInRecovery = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitionctl_partitions_in_recovery",
			Help: "Number of partitions classified as in-recovery, by resource",
		},
		[]string{"resource"},
	)

	// Leader-election (Raft) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partitionctl_raft_is_leader",
			Help: "Whether this controller process holds CONTROLLER/LEADER (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partitionctl_raft_peers_total",
			Help: "Total number of Raft peers in the leader-election group",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partitionctl_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline stage metrics
	PipelineRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partitionctl_pipeline_run_duration_seconds",
			Help:    "Time taken for one controller pipeline run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partitionctl_pipeline_stage_duration_seconds",
			Help:    "Time taken by one pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitionctl_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	PipelineCoalescedTriggersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partitionctl_pipeline_coalesced_triggers_total",
			Help: "Total number of triggers collapsed into a pending follow-up run",
		},
	)

	// Throttle metrics
	ThrottleBudgetUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitionctl_throttle_budget_used",
			Help: "Concurrent in-flight transitions consumed against a throttle scope",
		},
		[]string{"scope", "key"},
	)

	// Message / dispatch metrics
	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitionctl_messages_dispatched_total",
			Help: "Total number of state-transition messages dispatched",
		},
		[]string{"resource", "to_state"},
	)

	MessagesCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partitionctl_messages_cancelled_total",
			Help: "Total number of pending messages cancelled on supersession",
		},
	)

	// Participant executor metrics
	HandlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitionctl_handler_invocations_total",
			Help: "Total number of state-model handler invocations by outcome",
		},
		[]string{"outcome"},
	)

	HandlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partitionctl_handler_duration_seconds",
			Help:    "Time taken by one state-model handler invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PartitionsMarkedErrorTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partitionctl_partitions_marked_error_total",
			Help: "Total number of partitions marked ERROR by the participant executor or skipped by the throttle engine for a state model violation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LiveInstancesTotal,
		ResourcesTotal,
		PartitionsByState,
		PartitionsInRecovery,
		RaftLeader,
		RaftPeers,
		RaftApplyDuration,
		PipelineRunDuration,
		PipelineStageDuration,
		PipelineRunsTotal,
		PipelineCoalescedTriggersTotal,
		ThrottleBudgetUsed,
		MessagesDispatchedTotal,
		MessagesCancelledTotal,
		HandlerInvocationsTotal,
		HandlerDuration,
		PartitionsMarkedErrorTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
