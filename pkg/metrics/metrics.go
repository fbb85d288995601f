package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// REST metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_api_requests_total",
			Help: "REST requests issued to the marketplace server",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolshed_api_request_duration_seconds",
			Help:    "REST request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Realtime channel
	ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolshed_channel_state",
			Help: "Event channel state (0 closed, 1 opening, 2 open)",
		},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolshed_channel_reconnects_total",
			Help: "Automatic reconnect attempts",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_events_received_total",
			Help: "Typed events dispatched from the channel",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_events_dropped_total",
			Help: "Frames or events discarded before dispatch",
		},
		[]string{"reason"}, // "unknown_event", "malformed", "no_handler"
	)

	// Conversations
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolshed_messages_sent_total",
			Help: "Messages emitted on the channel",
		},
	)

	SendRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_send_rejected_total",
			Help: "Send intents rejected by a precondition",
		},
		[]string{"reason"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolshed_persist_failures_total",
			Help: "Messages delivered live but not persisted",
		},
	)

	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_history_fetches_total",
			Help: "Conversation history loads",
		},
		[]string{"result"}, // "applied", "stale", "failed"
	)

	Reroutes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolshed_owner_reroutes_total",
			Help: "Owner-mode selection changes caused by inbound messages",
		},
	)

	// Bookings
	BookingUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolshed_booking_updates_total",
			Help: "Booking list mutations",
		},
		[]string{"source", "outcome"}, // source: "created", "status_event", "rest"; outcome: "prepended", "replaced", "unchanged", "dropped"
	)
)
