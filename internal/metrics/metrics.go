// Package metrics exposes Prometheus collectors for the messaging layer.
package metrics

import (
	"net/http"

	"schoolmsg/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schoolmsg_connection_state",
			Help: "1 for the current connection state, 0 for the others",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolmsg_reconnect_attempts_total",
			Help: "Automatic reconnect attempts",
		},
	)

	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolmsg_room_joins_total",
			Help: "Join frames sent, by reason",
		},
		[]string{"reason"}, // "join" or "replay"
	)

	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolmsg_push_events_total",
			Help: "Push events received from the service",
		},
		[]string{"event"},
	)

	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolmsg_listener_failures_total",
			Help: "Listener panics and errors isolated by the bus",
		},
		[]string{"channel"},
	)

	// Gateway metrics
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schoolmsg_request_duration_seconds",
			Help:    "Remote service request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	RequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolmsg_request_failures_total",
			Help: "Gateway operations that returned success=false",
		},
		[]string{"op", "kind"}, // kind: validation, transport, request
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolmsg_messages_sent_total",
			Help: "Composed messages by outcome",
		},
		[]string{"result"}, // "confirmed" or "failed"
	)

	AttachmentBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolmsg_attachment_upload_bytes_total",
			Help: "Bytes of attachments uploaded",
		},
	)
)

var states = []domain.ConnectionState{
	domain.StateDisconnected,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateError,
}

// SetConnectionState flips the state gauge to s.
func SetConnectionState(s domain.ConnectionState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
