package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_submitted_total",
			Help: "Total number of tasks accepted by the submission gateway.",
		},
		[]string{"task_type"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_finished_total",
			Help: "Total number of terminal transitions applied, by final status.",
		},
		[]string{"status", "task_type"},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpilot_task_duration_seconds",
			Help:    "Time from task creation to terminal transition.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"status"},
	)

	EventsDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_events_discarded_total",
			Help: "Terminal events discarded as idempotent no-ops, by reason.",
		},
		[]string{"reason"}, // already_terminal, unknown_task
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_retries_total",
			Help: "Total number of consumer processing retries by reason.",
		},
		[]string{"reason"}, // store_unavailable, publish, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_dlq_total",
			Help: "Total number of events moved to the dead-letter stream.",
		},
		[]string{"reason"}, // malformed, retry_exhausted
	)

	RepublishTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_republish_total",
			Help: "Creation events republished by the compensating sweep.",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_notifications_total",
			Help: "Notification dispatch outcomes by mode.",
		},
		[]string{"mode"}, // push, deferred
	)

	SweepDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpilot_sweep_duration_seconds",
			Help:    "Duration of timeout sweeper passes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	OverdueTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpilot_overdue_tasks",
			Help: "Tasks found past their deadline in the last sweep.",
		},
	)

	StreamDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpilot_stream_depth",
			Help: "Broker backlog depth per stream and consumer group.",
		},
		[]string{"stream", "group"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksSubmittedTotal,
		TasksFinishedTotal,
		TaskDurationSeconds,
		EventsDiscardedTotal,
		RetriesTotal,
		DLQTotal,
		RepublishTotal,
		NotificationsTotal,
		SweepDurationSeconds,
		OverdueTasks,
		StreamDepth,
	)
}

// RecordSubmitted increments the submission counter for a task type.
func RecordSubmitted(taskType string) {
	TasksSubmittedTotal.WithLabelValues(taskType).Inc()
}

// RecordFinished records a terminal transition and its end-to-end duration.
func RecordFinished(status, taskType string, sinceCreate time.Duration) {
	TasksFinishedTotal.WithLabelValues(status, taskType).Inc()
	TaskDurationSeconds.WithLabelValues(status).Observe(sinceCreate.Seconds())
}

// RecordDiscarded counts an idempotent event discard.
func RecordDiscarded(reason string) {
	EventsDiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordRetry counts a consumer retry by reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ counts a dead-lettered event by reason.
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// RecordNotification counts a dispatch outcome (push or deferred).
func RecordNotification(mode string) {
	NotificationsTotal.WithLabelValues(mode).Inc()
}

// UpdateStreamDepth sets the backlog gauge for a stream/group pair.
func UpdateStreamDepth(stream, group string, depth float64) {
	StreamDepth.WithLabelValues(stream, group).Set(depth)
}
