package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted by the admission API"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the per-tenant rate limiter"})
	ClaimCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Claims issued by the lease manager"})
	ReclaimCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Expired claims returned to pending"})
	CompletedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached done"})
	RetriedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts re-queued for another try"})
	DeadLetterCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs that exhausted retries and were dead-lettered"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_pending", Help: "Jobs waiting to be claimed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			ClaimCounter,
			ReclaimCounter,
			CompletedCounter,
			RetriedCounter,
			DeadLetterCounter,
			InFlightGauge,
			PendingGauge,
		)
	})
	return promhttp.Handler()
}
