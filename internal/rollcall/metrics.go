package rollcall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_session_active",
		Help: "1 while an emergency roll-call session is open.",
	})
	scansRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Badge scans accepted during roll-call sessions.",
	})
	togglesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_toggles_total",
		Help: "Manual status toggles, labeled by resulting status.",
	}, []string{"result"})
)
