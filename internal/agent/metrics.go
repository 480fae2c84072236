package agent

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalCollectors *collectors
	collectorsOnce   sync.Once
)

// collectors are shared by every Runtime in the process and labelled by agent.
type collectors struct {
	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueLength    *prometheus.GaugeVec
	inflight       *prometheus.GaugeVec
	scheduledTotal *prometheus.CounterVec
}

func promCollectors() *collectors {
	collectorsOnce.Do(func() {
		globalCollectors = &collectors{
			tasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "agent",
					Name:      "tasks_total",
					Help:      "Task attempts by outcome (success, failure, retry, permanent_failure)",
				},
				[]string{"agent", "outcome"},
			),
			taskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "curator",
					Subsystem: "agent",
					Name:      "task_duration_seconds",
					Help:      "Task execution time in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
				[]string{"agent"},
			),
			queueLength: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "curator",
					Subsystem: "agent",
					Name:      "queue_length",
					Help:      "Tasks waiting for a slot",
				},
				[]string{"agent"},
			),
			inflight: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "curator",
					Subsystem: "agent",
					Name:      "inflight_tasks",
					Help:      "Tasks currently executing",
				},
				[]string{"agent"},
			),
			scheduledTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "agent",
					Name:      "scheduled_runs_total",
					Help:      "Scheduled callback runs by outcome",
				},
				[]string{"agent", "outcome"},
			),
		}
	})
	return globalCollectors
}
