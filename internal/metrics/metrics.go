// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	ledgerRequestsCounter      *prometheus.CounterVec
	ledgerRequestDuration      *prometheus.HistogramVec
	ledgerThrottleRetries      prometheus.Counter
	cacheLookupsCounter        *prometheus.CounterVec
	projectionDiagnostics      *prometheus.CounterVec
	snapshotWritesCounter      *prometheus.CounterVec
	webhookDeliveriesCounter   *prometheus.CounterVec
	refreshCycleDurationMetric prometheus.Histogram
	httpRequestsCounter        *prometheus.CounterVec
	httpRequestDuration        *prometheus.HistogramVec
)

// Ledger request kinds.
const (
	KindResource  = "resource"
	KindTableItem = "table_item"
	KindEvents    = "events"
)

// Ledger request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeMalformed   = "malformed"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Cache lookup results.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheCoalesced = "coalesced"
	CacheShared    = "shared"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		ledgerRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_requests_total",
				Help: "Total number of ledger gateway requests by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		ledgerRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_request_duration_seconds",
				Help:    "Duration of ledger gateway requests in seconds, including throttling backoff.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)

		ledgerThrottleRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_throttle_retries_total",
				Help: "Total number of ledger requests retried after a throttling response.",
			},
		)

		cacheLookupsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of request cache lookups by result.",
			},
			[]string{"result"},
		)

		projectionDiagnostics = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projection_diagnostics_total",
				Help: "Total number of projection diagnostics by kind.",
			},
			[]string{"kind"},
		)

		snapshotWritesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_writes_total",
				Help: "Total number of archived snapshot changes by entity.",
			},
			[]string{"entity"},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of change webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		)

		refreshCycleDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refresh_cycle_duration_seconds",
				Help:    "Duration of snapshot refresher cycles in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		httpRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests by route and status class.",
			},
			[]string{"route", "class"},
		)

		httpRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of API requests in seconds by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)

		prometheus.MustRegister(
			ledgerRequestsCounter,
			ledgerRequestDuration,
			ledgerThrottleRetries,
			cacheLookupsCounter,
			projectionDiagnostics,
			snapshotWritesCounter,
			webhookDeliveriesCounter,
			refreshCycleDurationMetric,
			httpRequestsCounter,
			httpRequestDuration,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, kind := range []string{KindResource, KindTableItem, KindEvents} {
			for _, outcome := range []string{OutcomeOK, OutcomeNotFound, OutcomeMalformed, OutcomeRateLimited, OutcomeError} {
				ledgerRequestsCounter.WithLabelValues(kind, outcome)
			}
		}
		for _, result := range []string{CacheHit, CacheMiss, CacheCoalesced, CacheShared} {
			cacheLookupsCounter.WithLabelValues(result)
		}
	})
}

func IncLedgerRequest(kind, outcome string) {
	Init()
	ledgerRequestsCounter.WithLabelValues(kind, outcome).Inc()
}

func ObserveLedgerRequestDuration(kind string, d time.Duration) {
	Init()
	ledgerRequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func IncLedgerThrottleRetries() {
	Init()
	ledgerThrottleRetries.Inc()
}

func IncCacheLookup(result string) {
	Init()
	cacheLookupsCounter.WithLabelValues(result).Inc()
}

func IncProjectionDiagnostic(kind string) {
	Init()
	projectionDiagnostics.WithLabelValues(kind).Inc()
}

func IncSnapshotWrite(entity string) {
	Init()
	snapshotWritesCounter.WithLabelValues(entity).Inc()
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}

func ObserveRefreshCycleDuration(d time.Duration) {
	Init()
	refreshCycleDurationMetric.Observe(d.Seconds())
}

// ObserveHTTPRequest records one API request. route is the matched pattern,
// never the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route string, status int, d time.Duration) {
	Init()
	httpRequestsCounter.WithLabelValues(route, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
