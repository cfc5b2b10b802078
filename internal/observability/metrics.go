package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. Each
// instance owns its registry so tests and parallel builds never collide.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	OutboundQueue      *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	Commands           *prometheus.CounterVec
	Utterances         *prometheus.CounterVec
	RealtimeCloses     *prometheus.CounterVec
	ImageGenerations   *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec
	RealtimeFirstAudio prometheus.Histogram
	TTSCacheLookups    *prometheus.CounterVec
	ExportBytes        prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active editor voice sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		OutboundQueue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_outbound_queue_total",
			Help:      "Outbound message queue outcomes by type.",
		}, []string{"type", "outcome"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and kind.",
		}, []string{"provider", "kind"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched voice commands by action, interpreter source and outcome.",
		}, []string{"action", "source", "outcome"}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Detected utterances by outcome.",
		}, []string{"outcome"}),
		RealtimeCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_closes_total",
			Help:      "Realtime connection closes by classified reason.",
		}, []string{"reason"}),
		ImageGenerations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_generations_total",
			Help:      "Image predictions by kind and terminal status.",
		}, []string{"kind", "status"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_latency_ms",
			Help:      "Voice pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500, 4000},
		}, []string{"stage"}),
		RealtimeFirstAudio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realtime_first_audio_latency_ms",
			Help:      "Latency from commit to the first assistant audio delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TTSCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_cache_lookups_total",
			Help:      "Speech synthesis cache lookups by result.",
		}, []string{"result"}),
		ExportBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_bytes",
			Help:      "Encoded export size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 10),
		}),
	}
}

// ObserveStage records a pipeline stage duration in both the histogram and the
// rolling window served by the latency endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// ObserveIndicator counts a discrete pipeline event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// StageSnapshot returns rolling latency statistics.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ObserveRealtimeFirstAudio(d time.Duration) {
	m.RealtimeFirstAudio.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveOutboundMessage(msgType, outcome string) {
	m.OutboundQueue.WithLabelValues(msgType, outcome).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
