package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	SessionEvents   *prometheus.CounterVec
	QueueEvents     *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	QueueWait       prometheus.Histogram
	SessionDuration prometheus.Histogram

	// Durations feeds queue wait estimates with recently observed sessions.
	Durations *SessionWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active consultation sessions.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued (not yet reserved) entries by agent type.",
		}, []string{"agent_type"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		QueueEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Queue events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Signaling WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Avatar provider errors by provider and code.",
		}, []string{"provider", "code"}),
		QueueWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time from queue join to reservation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Consultation session duration.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
		Durations: NewSessionWindow(128),
	}
}

func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.QueueWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveSessionDuration(agentType string, d time.Duration) {
	m.SessionDuration.Observe(d.Seconds())
	m.Durations.Observe(agentType, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
