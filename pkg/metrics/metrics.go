package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorscreen_executions_total",
		Help: "Executions reaching a terminal status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorscreen_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"})

	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "factorscreen_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit window to roll over",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 1800, 3600},
	})

	RateLimitInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factorscreen_ratelimit_in_flight",
		Help: "Permits currently held against the process-wide limiter",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorscreen_cache_requests_total",
		Help: "Cache lookups by strategy and outcome",
	}, []string{"strategy", "outcome"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorscreen_cache_evictions_total",
		Help: "Entries evicted because the cache exceeded its size bound",
	})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorscreen_provider_calls_total",
		Help: "External market data calls by interface and result",
	}, []string{"interface", "result"})

	FactorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorscreen_factor_failures_total",
		Help: "Factor computations that raised and were isolated",
	}, []string{"factor"})
)
