package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Transitions *prometheus.CounterVec   // op, result
	OpLatencyMS *prometheus.HistogramVec // op

	SweepExpired prometheus.Counter
	SweepRaces   prometheus.Counter
	SweepErrors  prometheus.Counter
	Reconciled   prometheus.Counter

	HookDeliveries *prometheus.CounterVec // hook
	HookFailures   *prometheus.CounterVec // hook
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_transitions_total",
				Help: "Lifecycle operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reservation_op_latency_ms",
				Help:    "Latency of lifecycle operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sweep_expired_total",
			Help: "Reservations moved to EXPIRED by the sweeper",
		}),
		SweepRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sweep_races_total",
			Help: "Sweep candidates resolved by another caller first",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sweep_errors_total",
			Help: "Sweep candidates that failed with an unexpected error",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservation_settlement_reconciled_total",
			Help: "Terminal reservations whose settlement was re-dispatched",
		}),
		HookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_hook_deliveries_total",
				Help: "Settlement hooks delivered",
			},
			[]string{"hook"},
		),
		HookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_hook_failures_total",
				Help: "Settlement hooks that exhausted their retries",
			},
			[]string{"hook"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Transitions, m.OpLatencyMS,
			m.SweepExpired, m.SweepRaces, m.SweepErrors, m.Reconciled,
			m.HookDeliveries, m.HookFailures,
		)
	}
	return m
}
