package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Call lifecycle
	ActiveCalls     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	MediaFrames     *prometheus.CounterVec
	BargeIns        prometheus.Counter
	FallbackPhrases *prometheus.CounterVec

	// Speech to text
	STTConnects         *prometheus.CounterVec
	STTReconnects       *prometheus.CounterVec
	TranscriptsReceived *prometheus.CounterVec

	// Provider latency (stt, llm, tts, rag)
	ProviderLatency *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec

	// Agent
	AgentActions *prometheus.CounterVec
	ToolCalls    *prometheus.CounterVec

	// Response generation
	ResponsesTotal     *prometheus.CounterVec
	TimeToFirstAudio   prometheus.Histogram
	BreakerTransitions *prometheus.CounterVec

	// Export
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
	PIIRedactions         *prometheus.CounterVec

	// HTTP
	RateLimited *prometheus.CounterVec
)

// Init creates and registers all collectors once
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_active_calls",
			Help: "Number of calls with a live session",
		})
		CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_calls_total",
			Help: "Calls ended, by end reason",
		}, []string{"reason"})
		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecall_call_duration_seconds",
			Help:    "Duration of finished calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		})
		MediaFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_media_frames_total",
			Help: "Media frames handled by direction",
		}, []string{"direction"})
		BargeIns = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_barge_ins_total",
			Help: "Agent playback interrupted by caller speech",
		})
		FallbackPhrases = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_fallback_phrases_total",
			Help: "Canned utterances played instead of a generated response",
		}, []string{"reason"})

		STTConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_stt_connects_total",
			Help: "Streaming STT connection attempts",
		}, []string{"provider", "status"})
		STTReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_stt_reconnects_total",
			Help: "Streaming STT reconnects triggered by send failures",
		}, []string{"provider"})
		TranscriptsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_transcripts_total",
			Help: "Transcript events by routing outcome",
		}, []string{"provider", "outcome"})

		ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecall_provider_latency_seconds",
			Help:    "Latency of external provider calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage", "provider"})
		ProviderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_provider_errors_total",
			Help: "Failed external provider calls",
		}, []string{"stage", "provider", "kind"})

		AgentActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_agent_actions_total",
			Help: "Agent actions executed by kind and outcome",
		}, []string{"kind", "status"})
		ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_agent_tool_calls_total",
			Help: "Tool choices made by the language model",
		}, []string{"tool"})

		ResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_responses_total",
			Help: "Response generations by final state",
		}, []string{"state"})
		TimeToFirstAudio = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecall_time_to_first_audio_seconds",
			Help:    "Delay between final transcript and first enqueued audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.1, 1.6, 12),
		})
		BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		}, []string{"name", "to"})

		AMQPPublishedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_amqp_published_messages_total",
			Help: "Messages published to AMQP",
		}, []string{"queue", "status"})
		AMQPConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_amqp_connection_status",
			Help: "Status of AMQP connection (1 = connected, 0 = disconnected)",
		})
		PIIRedactions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_pii_redactions_total",
			Help: "Personal data redacted from exported transcripts",
		}, []string{"type"})
		RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}, []string{"path"})

		registry.MustRegister(
			ActiveCalls, CallsTotal, CallDuration, MediaFrames, BargeIns, FallbackPhrases,
			STTConnects, STTReconnects, TranscriptsReceived,
			ProviderLatency, ProviderErrors,
			AgentActions, ToolCalls,
			ResponsesTotal, TimeToFirstAudio, BreakerTransitions,
			AMQPPublishedMessages, AMQPConnectionStatus, PIIRedactions,
			RateLimited,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

func enabled() bool {
	return metricsEnabled && registry != nil
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(on bool) {
	metricsEnabled = on
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return enabled()
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// RegisterHandler mounts the metrics endpoint on mux
func RegisterHandler(mux *http.ServeMux) {
	if !enabled() {
		return
	}
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	}))
}

// StartMetrics initializes collection according to configuration
func StartMetrics(logger *logrus.Logger, on bool) {
	if !on {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}
	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// StartCallTimer marks a call active and returns the function that ends it
func StartCallTimer() func(reason string) {
	if !enabled() {
		return func(string) {}
	}
	ActiveCalls.Inc()
	start := time.Now()
	return func(reason string) {
		ActiveCalls.Dec()
		CallsTotal.WithLabelValues(reason).Inc()
		CallDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordMediaFrame counts one inbound or outbound media frame
func RecordMediaFrame(direction string) {
	if enabled() {
		MediaFrames.WithLabelValues(direction).Inc()
	}
}

// RecordBargeIn counts one barge-in
func RecordBargeIn() {
	if enabled() {
		BargeIns.Inc()
	}
}

// RecordFallback counts a canned utterance played for reason
func RecordFallback(reason string) {
	if enabled() {
		FallbackPhrases.WithLabelValues(reason).Inc()
	}
}

// RecordSTTConnect records a streaming STT connect attempt
func RecordSTTConnect(provider string, ok bool) {
	if enabled() {
		STTConnects.WithLabelValues(provider, status(ok)).Inc()
	}
}

// RecordSTTReconnect records a reconnect triggered by a failed send
func RecordSTTReconnect(provider string) {
	if enabled() {
		STTReconnects.WithLabelValues(provider).Inc()
	}
}

// RecordTranscript records how a transcript event was routed
func RecordTranscript(provider, outcome string) {
	if enabled() {
		TranscriptsReceived.WithLabelValues(provider, outcome).Inc()
	}
}

// ObserveProviderLatency returns a timer for one provider call
func ObserveProviderLatency(stage, provider string) func() {
	if !enabled() {
		return func() {}
	}
	start := time.Now()
	return func() {
		ProviderLatency.WithLabelValues(stage, provider).Observe(time.Since(start).Seconds())
	}
}

// RecordProviderError records a failed provider call
func RecordProviderError(stage, provider, kind string) {
	if enabled() {
		ProviderErrors.WithLabelValues(stage, provider, kind).Inc()
	}
}

// RecordAgentAction records one executed action
func RecordAgentAction(kind string, ok bool) {
	if enabled() {
		AgentActions.WithLabelValues(kind, status(ok)).Inc()
	}
}

// RecordToolCall records the tool the model selected
func RecordToolCall(tool string) {
	if enabled() {
		ToolCalls.WithLabelValues(tool).Inc()
	}
}

// RecordResponse records the final state of a response generation
func RecordResponse(state string) {
	if enabled() {
		ResponsesTotal.WithLabelValues(state).Inc()
	}
}

// ObserveTimeToFirstAudio records the delay until the caller hears audio
func ObserveTimeToFirstAudio(d time.Duration) {
	if enabled() {
		TimeToFirstAudio.Observe(d.Seconds())
	}
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(name, to string) {
	if enabled() {
		BreakerTransitions.WithLabelValues(name, to).Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, result string) {
	if enabled() {
		AMQPPublishedMessages.WithLabelValues(queue, result).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !enabled() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// RecordPIIRedaction counts one redacted item
func RecordPIIRedaction(kind string) {
	if enabled() {
		PIIRedactions.WithLabelValues(kind).Inc()
	}
}

// RecordRateLimited counts a rejected HTTP request
func RecordRateLimited(path string) {
	if enabled() {
		RateLimited.WithLabelValues(path).Inc()
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
