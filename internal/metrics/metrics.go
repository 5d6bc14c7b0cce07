// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datacore_relay_sessions_active",
		Help: "Number of currently authenticated relay sessions.",
	})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datacore_relay_sessions_evicted_total",
		Help: "Total number of sessions evicted by a re-auth for the same handle.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datacore_relay_auth_failures_total",
		Help: "Total number of rejected auth attempts.",
	})

	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datacore_relay_heartbeat_timeouts_total",
		Help: "Total number of sessions closed after missed heartbeats.",
	})
)

// Frame metrics.
var (
	FramesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datacore_relay_frames_in_total",
		Help: "Total number of inbound frames by type.",
	}, []string{"type"})

	FramesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datacore_relay_frames_out_total",
		Help: "Total number of outbound frames written to peer sockets.",
	})
)

// Routing metrics.
var (
	RoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datacore_relay_routed_total",
		Help: "Total number of routed messages by outcome.",
	}, []string{"outcome"}) // delivered, not_delivered, auto_replied

	PresenceBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datacore_relay_presence_broadcasts_total",
		Help: "Total number of presence_change broadcasts.",
	})
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datacore_relay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})
)
