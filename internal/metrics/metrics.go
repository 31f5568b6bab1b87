// Package metrics exposes the gateway's Prometheus collectors. Everything is
// registered on the default registry and served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for GenerationsTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeViolation = "violation"
	OutcomeTimeout   = "timeout"
	OutcomeShielded  = "cf_shield"
)

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sora_proxy_generations_total",
		Help: "Generations started, by modality and outcome.",
	}, []string{"modality", "outcome"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sora_proxy_generation_duration_seconds",
		Help:    "Wall time from credential selection to terminal chunk.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	}, []string{"modality"})

	CredentialsEligible = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sora_proxy_credentials_eligible",
		Help: "Credentials that passed selection predicates in the last pick.",
	}, []string{"modality"})

	PowSolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sora_proxy_pow_solve_duration_seconds",
		Help:    "Time spent solving anti-abuse puzzles.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	PowSolveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sora_proxy_pow_solve_failures_total",
		Help: "Puzzles that exhausted the iteration budget.",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sora_proxy_cache_hits_total",
		Help: "File cache lookups served from disk.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sora_proxy_cache_misses_total",
		Help: "File cache lookups that triggered a download.",
	})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sora_proxy_upstream_errors_total",
		Help: "Upstream call failures by error kind.",
	}, []string{"kind"})

	CredentialsDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sora_proxy_credentials_disabled_total",
		Help: "Credentials taken out of rotation, by reason.",
	}, []string{"reason"})

	RequestLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sora_proxy_request_log_dropped_total",
		Help: "Audit writes dropped because the tracking queue was full.",
	})
)
