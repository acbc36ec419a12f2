// Package metrics provides Prometheus instrumentation for the Tradesafe engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesafe",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradesafe",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts lifecycle transitions by resulting status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesafe",
			Name:      "transactions_total",
			Help:      "Total transaction lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	// DisputesTotal counts dispute transitions by resulting status.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesafe",
			Name:      "disputes_total",
			Help:      "Total dispute transitions by resulting status.",
		},
		[]string{"status"},
	)

	// RefundsTotal counts refund outcomes.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesafe",
			Name:      "refunds_total",
			Help:      "Total refund executions by outcome.",
		},
		[]string{"outcome"},
	)

	// SweepRuns counts sweeper passes.
	SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Name:      "sweep_runs_total",
		Help:      "Total deadline sweeper runs.",
	})

	// SweepReleasesTotal counts payouts released by the sweeper.
	SweepReleasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Name:      "sweep_releases_total",
		Help:      "Total payouts released by the sweeper.",
	})

	// SweepRemindersTotal counts payment reminders sent by the sweeper.
	SweepRemindersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Name:      "sweep_reminders_total",
		Help:      "Total payment reminders sent by the sweeper.",
	})

	// SweepErrorsTotal counts per-transaction sweep failures.
	SweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Name:      "sweep_errors_total",
		Help:      "Total per-transaction errors during sweeps.",
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesafe",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ReleaseDuration observes the time from settlement to payout.
	ReleaseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradesafe",
		Name:      "release_duration_seconds",
		Help:      "Time from payment settlement to seller payout in seconds.",
		Buckets:   []float64{3600, 86400, 2 * 86400, 4 * 86400, 7 * 86400, 10 * 86400, 14 * 86400},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradesafe", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		DisputesTotal,
		RefundsTotal,
		SweepRuns,
		SweepReleasesTotal,
		SweepRemindersTotal,
		SweepErrorsTotal,
		WebhookDeliveriesTotal,
		ReleaseDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
