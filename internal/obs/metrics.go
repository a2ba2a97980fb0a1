package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the lease engine.
type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=created|adopted|conflict
	ReleaseTotal prometheus.Counter
	RenewTotal   *prometheus.CounterVec // result=success|fail
	RepairTotal  prometheus.Counter
	ExpiredTotal prometheus.Counter
	LeasesActive prometheus.Gauge
	SweepErrors  prometheus.Counter
}

// NewMetrics creates and registers the collectors against reg. Tests pass
// a fresh prometheus.NewRegistry; the daemon uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_release_total",
			Help: "Total explicit lease completions",
		}),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_renew_total",
				Help: "Total renew attempts by result",
			},
			[]string{"result"},
		),
		RepairTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "username_repair_total",
			Help: "Total username values repaired from the locked value",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_expired_total",
			Help: "Total leases removed after passing their end time",
		}),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leases_active",
			Help: "Number of currently active leases",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_errors_total",
			Help: "Total sweep cycles that hit a store error",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.ReleaseTotal,
		m.RenewTotal,
		m.RepairTotal,
		m.ExpiredTotal,
		m.LeasesActive,
		m.SweepErrors,
	)

	return m
}
