// Package metrics provides Prometheus metrics for the device sync loop and the relay
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync holds metrics of the device sync session manager
type Sync struct {
	Cycles           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	Pushed           prometheus.Counter
	Pulled           prometheus.Counter
	Duplicates       prometheus.Counter
	Conflicts        *prometheus.CounterVec
	MalformedBatches prometheus.Counter
	Retries          prometheus.Counter
}

// NewSync creates sync metrics. A nil registerer creates unregistered collectors.
func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_cycles_total",
			Help: "Sync cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerkeeper_sync_cycle_duration_seconds",
			Help:    "Duration of a full push and pull cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Pushed: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_pushed_changes_total",
			Help: "Local changes acknowledged by the relay",
		}),
		Pulled: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_pulled_changes_total",
			Help: "Remote changes applied locally",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_duplicate_changes_total",
			Help: "Remote changes skipped because they were already applied",
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_conflicts_total",
			Help: "Conflict records by classification",
		}, []string{"classification"}),
		MalformedBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_malformed_batches_total",
			Help: "Remote batches rejected as a whole",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerkeeper_sync_retries_total",
			Help: "Transport attempts retried after backoff",
		}),
	}
}

// Relay holds metrics of the hosted relay
type Relay struct {
	Changes         *prometheus.CounterVec
	Pulls           prometheus.Counter
	RejectedBatches prometheus.Counter
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRelay creates relay metrics
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerrelay_changes_total",
			Help: "Pushed changes by acknowledgement status",
		}, []string{"status"}),
		Pulls: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerrelay_pulls_total",
			Help: "Pull requests served",
		}),
		RejectedBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "ledgerrelay_rejected_batches_total",
			Help: "Push batches rejected as inconsistent",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerrelay_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerrelay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}
