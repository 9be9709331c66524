package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lending_keeper",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Chain connectivity ─────────────────────────────────────────────────

var (
	ChainBlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "chain",
		Name:      "block_height",
		Help:      "Latest block number observed per chain.",
	}, []string{"chain"})

	ChainHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "chain",
		Name:      "healthy",
		Help:      "1 if the chain RPC answered the last health check.",
	}, []string{"chain"})
)

// ── Module cycles ──────────────────────────────────────────────────────

var (
	ModuleCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "module",
		Name:      "cycles_total",
		Help:      "Total module job runs.",
	}, []string{"module", "chain", "job", "status"})

	ModuleCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lending_keeper",
		Subsystem: "module",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one module job run in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"module", "chain", "job"})

	ModuleLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "module",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last successful job run.",
	}, []string{"module", "chain", "job"})
)

// ── Liquidations ───────────────────────────────────────────────────────

var (
	LiquidationsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "liquidator",
		Name:      "executed_total",
		Help:      "Liquidations mined with a successful receipt.",
	}, []string{"chain"})

	LiquidationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "liquidator",
		Name:      "skipped_total",
		Help:      "Opportunities not executed, by reason.",
	}, []string{"chain", "reason"})

	LiquidationProfitUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "liquidator",
		Name:      "estimated_profit_usd_total",
		Help:      "Sum of estimated profit of executed liquidations in USD.",
	}, []string{"chain"})

	CandidatesTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "liquidator",
		Name:      "candidates",
		Help:      "Number of borrower addresses checked each cycle.",
	}, []string{"chain"})
)

// ── Oracle and points ──────────────────────────────────────────────────

var (
	OraclePricesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "oracle",
		Name:      "prices_pushed_total",
		Help:      "setDirectPrice transactions per token and status.",
	}, []string{"chain", "token", "status"})

	PointEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "points",
		Name:      "events_applied_total",
		Help:      "Protocol events applied to the daily accumulator.",
	}, []string{"chain", "kind"})

	PointsScannedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lending_keeper",
		Subsystem: "points",
		Name:      "scanned_block",
		Help:      "High-water mark of the event scan per market.",
	}, []string{"chain", "market"})

	PointsPostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "points",
		Name:      "posts_total",
		Help:      "Leaderboard posts by kind and status.",
	}, []string{"chain", "kind", "status"})
)

// ── Alert delivery ─────────────────────────────────────────────────────

var (
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts successfully delivered.",
	}, []string{"type"})

	AlertsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Total alert delivery failures.",
	}, []string{"type"})

	AlertsDeduplicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lending_keeper",
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total alerts suppressed by deduplication.",
	}, []string{"type"})
)
