package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamEvents     *prometheus.CounterVec
	UpstreamReconnects prometheus.Counter
	AssetsStored       prometheus.Counter
	AudioFramesSent    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live gateway sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Frontend websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Voice service events by kind.",
		}, []string{"kind"}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts against the voice service.",
		}),
		AssetsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_stored_total",
			Help:      "Audio segments written to the asset store.",
		}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Encoded audio frames forwarded upstream.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
