package validator

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
	outcomes     *prometheus.CounterVec
	confidence   prometheus.Histogram
	cacheEntries *prometheus.GaugeVec
	promoted     prometheus.Counter
	rulesReloads prometheus.Counter
}

func promCollectors() *collectors {
	collectorsOnce.Do(func() {
		globalCollectors = &collectors{
			outcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "validator",
					Name:      "outcomes_total",
					Help:      "Validation outcomes (approved, rejected, duplicate, harmful, error)",
				},
				[]string{"outcome"},
			),
			confidence: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "curator",
					Subsystem: "validator",
					Name:      "confidence",
					Help:      "Final confidence of validated items",
					Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
			cacheEntries: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "curator",
					Subsystem: "validator",
					Name:      "cache_entries",
					Help:      "Entries held by the validator caches",
				},
				[]string{"cache"},
			),
			promoted: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "validator",
					Name:      "revalidation_promotions_total",
					Help:      "Items whose confidence rose on scheduled revalidation",
				},
			),
			rulesReloads: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "curator",
					Subsystem: "validator",
					Name:      "rules_reloads_total",
					Help:      "Successful reloads of the validation rules file",
				},
			),
		}
	})
	return globalCollectors
}
