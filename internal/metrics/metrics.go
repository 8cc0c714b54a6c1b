package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_entries_total",
			Help: "Queue entry lifecycle counter by stage and action",
		},
		[]string{"stage", "action"}, // queued|synced|retry|failed|imported , create|update|delete
	)

	DrainCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_drain_cycles_total",
			Help: "Drain cycles by result",
		},
		[]string{"result"}, // idle|completed|coalesced|offline|error
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treesync_drain_duration_seconds",
			Help:    "Duration of drain cycles that attempted at least one entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_pending_entries",
			Help: "Entries currently held in the persistent queue",
		},
	)

	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_online",
			Help: "1 when the remote service is considered reachable",
		},
	)
)

// MustRegister registers all collectors; repeated calls on the same registerer are ignored.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		EntriesTotal,
		DrainCyclesTotal,
		DrainDuration,
		PendingEntries,
		Online,
	} {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			panic(err)
		}
	}
}
