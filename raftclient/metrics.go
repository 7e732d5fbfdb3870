package raftclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// clientMetrics mirrors the raftwal package's metrics.go idiom
// (promauto.With(reg) construction, one struct of named collectors) for
// the client core's own concerns.
type clientMetrics struct {
	requests            *prometheus.CounterVec
	retries             prometheus.Counter
	leaderChanges       prometheus.Counter
	outstandingRequests prometheus.Gauge
	terminalErrors      *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	return &clientMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "client_requests",
			Help: "client_requests counts calls to Send* by request kind.",
		}, []string{"kind"}),
		retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "client_retries",
			Help: "client_retries counts retry attempts scheduled after a transient failure or null reply.",
		}),
		leaderChanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "client_leader_changes",
			Help: "client_leader_changes counts how many times the tracked leader id changed.",
		}),
		outstandingRequests: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "client_outstanding_requests",
			Help: "client_outstanding_requests is the current number of permits held from the outstanding-request semaphore.",
		}),
		terminalErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "client_terminal_errors",
			Help: "client_terminal_errors counts requests that completed with a terminal error, by kind.",
		}, []string{"kind"}),
	}
}
