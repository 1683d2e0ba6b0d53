// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rankspot_probes_total",
		Help: "Rank probes by outcome.",
	}, []string{"result"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rankspot_probe_duration_seconds",
		Help:    "Wall time of a complete probe cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	PoolAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rankspot_pool_acquires_total",
		Help: "Session acquisition attempts by class and outcome.",
	}, []string{"class", "result"})

	ProxyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rankspot_proxy_checks_total",
		Help: "Proxy health checks by outcome.",
	}, []string{"result"})

	WatchdogSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rankspot_watchdog_sweeps_total",
		Help: "Completed watchdog sweep cycles.",
	})

	RentalsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rankspot_rentals",
		Help: "Rentals currently in each status.",
	}, []string{"status"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rankspot_notifications_total",
		Help: "Notifications sent by type.",
	}, []string{"type"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rankspot_rank_cache_lookups_total",
		Help: "Rank cache lookups by outcome.",
	}, []string{"result"})
)

// ObserveProbe records one probe outcome and its duration.
func ObserveProbe(result string, d time.Duration) {
	ProbesTotal.WithLabelValues(result).Inc()
	ProbeDuration.Observe(d.Seconds())
}

// Register mounts the Prometheus handler on the provided mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
