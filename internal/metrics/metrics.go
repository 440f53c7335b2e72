package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockGrants tracks successful region lock acquisitions, refreshes included.
	LockGrants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildboard_region_lock_grants_total",
		Help: "Total number of granted region lock acquisitions",
	})
	// LockConflicts tracks acquisitions refused because another user holds the lock.
	LockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildboard_region_lock_conflicts_total",
		Help: "Total number of region lock acquisitions refused due to an existing holder",
	})
	// LockTakeovers tracks expired locks claimed by a new holder.
	LockTakeovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildboard_region_lock_takeovers_total",
		Help: "Total number of expired region locks taken over",
	})
	// LockSweeps tracks expired lock rows deleted by sweeps.
	LockSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildboard_region_lock_sweeps_total",
		Help: "Total number of expired region lock rows swept",
	})
	// HTTPRequests counts requests by method and status class.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_http_requests_total",
		Help: "Total number of HTTP requests handled",
	}, []string{"method", "status"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers buildboard core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockGrants, LockConflicts, LockTakeovers, LockSweeps, HTTPRequests)
}
