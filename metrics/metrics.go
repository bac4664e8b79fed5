package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbchat_connections_active",
			Help: "Number of live websocket connections on this instance.",
		},
	)

	ConnectionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_connections_rejected_total",
			Help: "Handshakes refused by the gatekeeper.",
		},
		[]string{"reason"},
	)

	PresenceStoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_presence_store_errors_total",
			Help: "Presence store operations that failed or timed out.",
		},
		[]string{"op"},
	)

	FanoutDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_fanout_deliveries_total",
			Help: "Events handed to local connections, by event and result.",
		},
		[]string{"event", "result"},
	)

	CallTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_call_transitions_total",
			Help: "Call signaling transitions, by transition and outcome.",
		},
		[]string{"transition", "outcome"},
	)

	MessagesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_messages_persisted_total",
			Help: "message:send commits, by result.",
		},
		[]string{"result"},
	)

	PushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbchat_push_notifications_total",
			Help: "Offline notifications, by type and result.",
		},
		[]string{"type", "result"},
	)
)

// MustRegister registers all collectors with the default registry. Tests use the collectors
// unregistered.
func MustRegister() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsRejectedTotal,
		PresenceStoreErrorsTotal,
		FanoutDeliveriesTotal,
		CallTransitionsTotal,
		MessagesPersistedTotal,
		PushNotificationsTotal,
	)
}
