package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_active_connections",
			Help: "Current number of live websocket connections",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_active_rooms",
			Help: "Current number of rooms with at least one connection",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_events_received_total",
			Help: "Total inbound events accepted for dispatch",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_events_dropped_total",
			Help: "Total inbound events dropped before dispatch",
		},
		[]string{"reason"}, // "decode", "unknown_event", "not_in_room", "forbidden", "duplicate"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_broadcasts_total",
			Help: "Total room fan-outs performed",
		},
		[]string{"event"},
	)

	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_alerts_fired_total",
			Help: "Safety alerts emitted by the presence monitor",
		},
		[]string{"kind"}, // "sos", "offline", "idle"
	)

	GeofenceTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_geofence_triggers_total",
			Help: "Arrival events fired by the geofence evaluator",
		},
		[]string{"target"}, // "checkpoint", "destination"
	)

	CollabRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caravan_collaborator_request_duration_seconds",
			Help:    "Duration of calls to the external record layer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CollabRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_collaborator_request_errors_total",
			Help: "Failed calls to the external record layer",
		},
		[]string{"operation"},
	)
)
