package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Process-wide counters mirroring the teacher's metrics2 usage in
// task_scheduler.go (FuncTimer/counters around scheduling work), wired
// directly against prometheus/client_golang here since this module has no
// metrics2 abstraction of its own (SPEC_FULL.md §2 domain stack).
var (
	tasksActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_tasks_active",
		Help: "Number of command-dispatcher tasks currently in flight, by family.",
	}, []string{"family"})

	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_cache_hits_total",
		Help: "Number of dedup submissions served from the completed-result cache, by family.",
	}, []string{"family"})
)

func init() {
	prometheus.MustRegister(tasksActive, cacheHitsTotal)
}
