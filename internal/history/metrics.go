package history

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalCollectors *collectors
	collectorsOnce   sync.Once
)

type collectors struct {
	reports     *prometheus.CounterVec
	archived    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	discovered  prometheus.Counter
	timeline    prometheus.Gauge
}

func promCollectors() *collectors {
	collectorsOnce.Do(func() {
		globalCollectors = &collectors{
			reports: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "history",
					Name:      "reports_total",
					Help:      "Analysis reports persisted, by kind",
				},
				[]string{"kind"},
			),
			archived: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "history",
					Name:      "archived_records_total",
					Help:      "Records deleted by history archival, by kind",
				},
				[]string{"kind"},
			),
			transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "history",
					Name:      "pattern_transitions_total",
					Help:      "Pattern status transitions written back",
				},
				[]string{"from", "to"},
			),
			discovered: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "history",
					Name:      "patterns_discovered_total",
					Help:      "Patterns discovered from unlabeled interactions",
				},
			),
			timeline: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "curator",
					Subsystem: "history",
					Name:      "timeline_entries",
					Help:      "Evolution snapshots held in memory",
				},
			),
		}
	})
	return globalCollectors
}
