package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	RelayDrops     *prometheus.CounterVec
	ReplayClamps   prometheus.Counter
	ArchiveErrors  prometheus.Counter

	relayWindow *relayStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live interview sessions in the registry.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		RelayDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_drops_total",
			Help:      "Messages dropped by the relay, by reason.",
		}, []string{"reason"}),
		ReplayClamps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_clamps_total",
			Help:      "Out-of-range operation offsets clamped during replay.",
		}),
		ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Failed archive-store handoffs after retries.",
		}),
		relayWindow: newRelayStageWindow(256),
	}
}

// ObserveStage records one relay stage latency sample in milliseconds.
func (m *Metrics) ObserveStage(stage string, ms float64) {
	m.relayWindow.Observe(stage, ms)
}

// ObserveIndicator bumps a named relay health indicator.
func (m *Metrics) ObserveIndicator(name string) {
	m.relayWindow.ObserveIndicator(name)
}

// RelayPerfSnapshot returns the rolling latency window for the perf endpoint.
func (m *Metrics) RelayPerfSnapshot() RelayStageSnapshot {
	return m.relayWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
