package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	StepEvents       *prometheus.CounterVec
	StreamsOpen      prometheus.Gauge
	StreamErrors     *prometheus.CounterVec
	QueuedMessages   prometheus.Gauge
	TaskElapsed      prometheus.Histogram
	Replays          *prometheus.CounterVec
	AskTimeouts      prometheus.Counter
	BusyRejections   prometheus.Counter
	BackendCallFails *prometheus.CounterVec

	rounds *roundWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		StepEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_events_total",
			Help:      "Step-events applied to tasks, by step.",
		}, []string{"step"}),
		StreamsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_open",
			Help:      "Number of open backend event streams.",
		}),
		StreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Stream failures by kind (open, transport).",
		}, []string{"kind"}),
		QueuedMessages: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_messages",
			Help:      "Messages waiting in project queues.",
		}),
		TaskElapsed: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_elapsed_seconds",
			Help:      "Running time of finished task rounds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		Replays: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replays started, by task type.",
		}, []string{"type"}),
		AskTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ask_timeouts_total",
			Help:      "Human asks auto-answered with skip after the timeout.",
		}),
		BusyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Sends rejected because the active task was busy.",
		}),
		BackendCallFails: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_call_failures_total",
			Help:      "Failed non-streaming backend calls, by call.",
		}, []string{"call"}),
		rounds: newRoundWindow(256),
	}
}

func (m *Metrics) ObserveStep(step string) {
	if m == nil {
		return
	}
	m.StepEvents.WithLabelValues(step).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpen.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsOpen.Dec()
}

func (m *Metrics) ObserveStreamError(kind string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(kind).Inc()
	m.rounds.ObserveIndicator("stream_error_" + kind)
}

func (m *Metrics) AddQueued(delta int) {
	if m == nil {
		return
	}
	m.QueuedMessages.Add(float64(delta))
}

func (m *Metrics) ObserveTaskElapsed(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskElapsed.Observe(d.Seconds())
}

func (m *Metrics) ObserveReplay(taskType string) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(taskType).Inc()
}

func (m *Metrics) ObserveAskTimeout() {
	if m == nil {
		return
	}
	m.AskTimeouts.Inc()
	m.rounds.ObserveIndicator("ask_timeout")
}

func (m *Metrics) ObserveBusyRejection() {
	if m == nil {
		return
	}
	m.BusyRejections.Inc()
	m.rounds.ObserveIndicator("busy_rejection")
}

func (m *Metrics) ObserveBackendFailure(call string) {
	if m == nil {
		return
	}
	m.BackendCallFails.WithLabelValues(call).Inc()
}

func (m *Metrics) ObserveRoundStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.rounds.Observe(stage, d)
}

// RoundSnapshot returns rolling latency statistics of recent task rounds.
func (m *Metrics) RoundSnapshot() RoundSnapshot {
	if m == nil {
		return RoundSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.rounds.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
