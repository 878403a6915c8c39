// Package metrics defines the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tim8_poller_polls_total",
			Help: "Cluster poll attempts by result (success, failure, skipped)",
		},
		[]string{"result"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tim8_poller_poll_duration_seconds",
			Help:    "Duration of a single cluster poll",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	BackoffClusters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tim8_poller_backoff_clusters",
			Help: "Clusters currently skipped because of backoff",
		},
	)

	ExpiredTokensDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tim8_poller_expired_tokens_deleted_total",
			Help: "Enrollment tokens removed by the periodic sweep",
		},
	)

	// Broadcast hub
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tim8_hub_subscribers",
			Help: "Currently registered broadcast subscribers",
		},
	)

	HubEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tim8_hub_events_published_total",
			Help: "Events published to the hub by type",
		},
		[]string{"type"},
	)

	HubEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tim8_hub_evictions_total",
			Help: "Subscribers removed after a failed delivery",
		},
	)

	// Incident orchestration
	CollaboratorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tim8_collaborator_calls_total",
			Help: "Collaborator calls by collaborator and result",
		},
		[]string{"collaborator", "result"},
	)

	CollaboratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tim8_collaborator_call_duration_seconds",
			Help:    "Collaborator call latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"collaborator"},
	)

	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tim8_incidents_total",
			Help: "Incident lifecycle transitions (opened, summarized, resolved, failed)",
		},
		[]string{"transition"},
	)

	// Push ingress
	AgentReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tim8_agent_health_reports_total",
			Help: "Agent health pushes by result",
		},
		[]string{"result"},
	)
)
