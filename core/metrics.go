package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the core's Prometheus exports (SPEC_FULL.md §2's Core row:
// "metrics"). Grounded on the pack's promauto usage pattern (e.g.
// arzzra-soft_phone's pkg/dialog/metrics.go), registered once per Core
// instance against the default registry.
type metrics struct {
	dialogsActive       prometheus.Gauge
	earlyDialogsActive  prometheus.Gauge
	transactionsEnded   *prometheus.CounterVec
	registrationRefresh *prometheus.CounterVec
}

func newMetrics(namespace string) *metrics {
	return &metrics{
		dialogsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "dialogs_active",
			Help:      "Number of confirmed dialogs currently tracked.",
		}),
		earlyDialogsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "early_dialogs_active",
			Help:      "Number of early (not yet confirmed) dialogs currently tracked.",
		}),
		transactionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "transactions_terminated_total",
			Help:      "Transactions that reached Terminated, by side (client/server).",
		}, []string{"side"}),
		registrationRefresh: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "registration_refresh_total",
			Help:      "Outcomes of the persistent-registration refresh loop.",
		}, []string{"outcome"}),
	}
}
