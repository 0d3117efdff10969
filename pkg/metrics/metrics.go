// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates every gantry metric. One instance is shared by the
// transport, session, broker and provider layers.
type Collector struct {
	registry *prometheus.Registry

	FramesIn            *prometheus.CounterVec
	FramesOut           *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	ReplayedFrames      prometheus.Counter
	BufferReclaimed     prometheus.Counter
	UpstreamRequests    *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "frames_in_total",
			Help:      "Inbound control-channel frames by type.",
		}, []string{"type"}),
		FramesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "frames_out_total",
			Help:      "Outbound control-channel frames by type.",
		}, []string{"type"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "active_connections",
			Help:      "Live control-channel connections.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "active_sessions",
			Help:      "Live sessions across all states except terminated.",
		}),
		ReplayedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "replayed_frames_total",
			Help:      "Outbound frames re-delivered during reconnect replay.",
		}),
		BufferReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "buffer_reclaimed_total",
			Help:      "Acknowledged frames reclaimed by the buffer sweep.",
		}),
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "upstream_requests_total",
			Help:      "Upstream provider requests by provider and status class.",
		}, []string{"provider", "status"}),
		PermissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "permission_decisions_total",
			Help:      "Permission arbitration outcomes.",
		}, []string{"outcome"}),
	}
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
