package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfdc_engine",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sfdc_engine",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfdc_engine",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfdc_engine",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Deployments reaching a terminal status",
		}, []string{"status"})

		r.pushRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfdc_engine",
			Subsystem: "push",
			Name:      "records_total",
			Help:      "Pushed records by outcome",
		}, []string{"outcome"})

		r.conflictReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfdc_engine",
			Subsystem: "conflict",
			Name:      "reports_total",
			Help:      "Conflict reports by overall severity",
		}, []string{"severity"})

		collectors := map[prometheus.Collector]func(prometheus.Collector){
			r.requestTotal:         func(c prometheus.Collector) { r.requestTotal = c.(*prometheus.CounterVec) },
			r.requestLatency:       func(c prometheus.Collector) { r.requestLatency = c.(*prometheus.HistogramVec) },
			r.rateLimitHits:        func(c prometheus.Collector) { r.rateLimitHits = c.(*prometheus.CounterVec) },
			r.deploymentsTotal:     func(c prometheus.Collector) { r.deploymentsTotal = c.(*prometheus.CounterVec) },
			r.pushRecordsTotal:     func(c prometheus.Collector) { r.pushRecordsTotal = c.(*prometheus.CounterVec) },
			r.conflictReportsTotal: func(c prometheus.Collector) { r.conflictReportsTotal = c.(*prometheus.CounterVec) },
		}
		for collector, replace := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					replace(are.ExistingCollector)
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordDeployment(status string) {
	if !r.metricsInitialized || status == "" {
		return
	}
	r.deploymentsTotal.With(prometheus.Labels{"status": status}).Inc()
}

func (r *Router) recordPushOutcome(succeeded, failed int) {
	if !r.metricsInitialized {
		return
	}
	if succeeded > 0 {
		r.pushRecordsTotal.With(prometheus.Labels{"outcome": "succeeded"}).Add(float64(succeeded))
	}
	if failed > 0 {
		r.pushRecordsTotal.With(prometheus.Labels{"outcome": "failed"}).Add(float64(failed))
	}
}

func (r *Router) recordConflictReport(severity string) {
	if !r.metricsInitialized || severity == "" {
		return
	}
	r.conflictReportsTotal.With(prometheus.Labels{"severity": severity}).Inc()
}
