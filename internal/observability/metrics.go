package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	proposalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upgrade",
			Subsystem: "proposals",
			Name:      "transitions_total",
			Help:      "Proposal status transitions.",
		},
		[]string{"status"},
	)
	approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upgrade",
			Subsystem: "proposals",
			Name:      "approvals_total",
			Help:      "Approval attempts by result.",
		},
		[]string{"result"},
	)
	migrationItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upgrade",
			Subsystem: "migration",
			Name:      "items_total",
			Help:      "Migrated records by outcome.",
		},
		[]string{"outcome"},
	)
	migrationItemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upgrade",
			Subsystem: "migration",
			Name:      "item_duration_seconds",
			Help:      "Per-record migration duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	systemPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upgrade",
			Subsystem: "system",
			Name:      "paused",
			Help:      "1 while the system is paused.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upgrade",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upgrade",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(proposalTransitions, approvals, migrationItems, migrationItemDuration, systemPaused, httpRequests, httpDuration)
	})
}

func RecordTransition(status string) {
	RegisterMetrics()
	proposalTransitions.WithLabelValues(status).Inc()
}

func RecordApproval(result string) {
	RegisterMetrics()
	approvals.WithLabelValues(result).Inc()
}

func RecordMigrationItem(outcome string, duration time.Duration) {
	RegisterMetrics()
	migrationItems.WithLabelValues(outcome).Inc()
	migrationItemDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordPaused(paused bool) {
	RegisterMetrics()
	if paused {
		systemPaused.Set(1)
		return
	}
	systemPaused.Set(0)
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
