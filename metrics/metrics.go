package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Presence and sessions
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_online_users",
			Help: "Users with a registered realtime session",
		},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_sessions",
			Help: "Open websocket sessions, anonymous included",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_sessions_closed_total",
			Help: "Closed websocket sessions by cause",
		},
		[]string{"cause"},
	)

	// Routing
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_messages_routed_total",
			Help: "Routed messages by receiver presence",
		},
		[]string{"outcome"}, // "delivered" or "offline"
	)

	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_send_errors_total",
			Help: "Rejected send requests",
		},
		[]string{"reason"},
	)

	// Durable path
	JournalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_journal_failures_total",
			Help: "Failed durable write attempts",
		},
		[]string{"journal"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minichat_store_latency_seconds",
			Help:    "Conversation store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "op"},
	)
)
