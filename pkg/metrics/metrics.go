package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionStatus tracks the current connection state
	// (0 disconnected, 1 connecting, 2 connected).
	ConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jamlink_connection_status",
			Help: "Current connection status (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// ReconnectAttempts counts reconnect attempts after transport failures.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jamlink_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		},
	)

	// MessagesSent counts outgoing messages by channel (code|chat|agent).
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamlink_messages_sent_total",
			Help: "Total number of messages dispatched to the server",
		},
		[]string{"channel"},
	)

	// RateDeferrals counts rate-limit outcomes by channel and policy
	// (deferred|coalesced).
	RateDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamlink_rate_deferrals_total",
			Help: "Total number of sends deferred or coalesced by rate limiting",
		},
		[]string{"channel", "policy"},
	)

	// EventsApplied counts inbound server events applied to the local mirror.
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamlink_events_applied_total",
			Help: "Total number of server events applied to the session mirror",
		},
		[]string{"kind"},
	)

	// SessionParticipants tracks the size of the local participant set.
	SessionParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jamlink_session_participants",
			Help: "Number of participants in the current session",
		},
	)
)
