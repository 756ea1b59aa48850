// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdgate_client_connections",
		Help: "Currently connected websocket clients.",
	})

	SnapshotsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_snapshots_received_total",
		Help: "Snapshots received from upstream feeds.",
	}, []string{"source"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_messages_sent_total",
		Help: "Frames written to clients, by wire dialect.",
	}, []string{"dialect"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_frames_dropped_total",
		Help: "Frames dropped from full client outboxes.",
	})

	UpstreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_upstream_reconnects_total",
		Help: "Reconnect attempts per upstream adapter.",
	}, []string{"adapter"})

	SubscribedInstruments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mdgate_subscribed_instruments",
		Help: "Instruments subscribed upstream, per adapter.",
	}, []string{"adapter"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
