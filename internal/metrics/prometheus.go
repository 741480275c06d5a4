package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audiosocket agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Protocol metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	BytesReceived  prometheus.Counter

	// Call metrics
	ActiveCalls   prometheus.Gauge
	CallsStarted  prometheus.Counter
	CallsEnded    *prometheus.CounterVec
	CallsRejected prometheus.Counter
	CallDuration  prometheus.Histogram

	// VAD metrics
	VADFrames        prometheus.Counter
	VADSpeechFrames  prometheus.Counter
	VADUtterances    prometheus.Counter
	UtteranceSeconds prometheus.Histogram

	// Turn metrics
	Turns           *prometheus.CounterVec
	TurnsDropped    prometheus.Counter
	StageDuration   *prometheus.HistogramVec
	StageFailures   *prometheus.CounterVec
	PoolInFlight    prometheus.Gauge
	ReplyFramesSent prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Protocol metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_frames_received_total",
			Help: "Total number of protocol frames received by kind",
		}, []string{"kind"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_frames_sent_total",
			Help: "Total number of protocol frames sent",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_frames_dropped_total",
			Help: "Total number of received frames dropped by reason",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_bytes_received_total",
			Help: "Total number of raw bytes read from call transports",
		}),

		// Call metrics
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audiosocket_active_calls",
			Help: "Current number of active calls",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_calls_started_total",
			Help: "Total number of calls started",
		}),
		CallsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_calls_ended_total",
			Help: "Total number of calls ended by reason",
		}, []string{"reason"}),
		CallsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_calls_rejected_total",
			Help: "Total number of connections rejected at the call limit",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiosocket_call_duration_seconds",
			Help:    "Duration of calls in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// VAD metrics
		VADFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_vad_frames_total",
			Help: "Total number of PCM frames fed to the segmenter",
		}),
		VADSpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_vad_speech_frames_total",
			Help: "Total number of PCM frames classified as speech",
		}),
		VADUtterances: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_vad_utterances_total",
			Help: "Total number of utterances emitted by the segmenter",
		}),
		UtteranceSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiosocket_utterance_duration_seconds",
			Help:    "Duration of emitted utterances",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Turn metrics
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_turns_total",
			Help: "Total number of conversation turns by outcome",
		}, []string{"outcome"}),
		TurnsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_turns_dropped_total",
			Help: "Total number of utterances dropped because the turn queue was full",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiosocket_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_stage_failures_total",
			Help: "Total number of failed pipeline stage calls",
		}, []string{"stage"}),
		PoolInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audiosocket_pool_in_flight",
			Help: "Current number of stage calls running in the worker pool",
		}),
		ReplyFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "audiosocket_reply_frames_sent_total",
			Help: "Total number of synthesized audio frames streamed to callers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiosocket_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiosocket_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameReceived counts one decoded frame
func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameSent counts one written frame
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameDropped counts one dropped frame
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordBytesReceived adds raw transport bytes
func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// SetActiveCalls sets the current number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(count))
}

// RecordCallStarted increments the calls started counter
func (m *Metrics) RecordCallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
}

// RecordCallEnded records call end reason and duration
func (m *Metrics) RecordCallEnded(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(durationSeconds)
}

// RecordCallRejected increments the rejected connections counter
func (m *Metrics) RecordCallRejected() {
	if m == nil {
		return
	}
	m.CallsRejected.Inc()
}

// RecordVADFrame counts a segmented frame
func (m *Metrics) RecordVADFrame(isSpeech bool) {
	if m == nil {
		return
	}
	m.VADFrames.Inc()
	if isSpeech {
		m.VADSpeechFrames.Inc()
	}
}

// RecordUtterance records an emitted utterance
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	if m == nil {
		return
	}
	m.VADUtterances.Inc()
	m.UtteranceSeconds.Observe(durationSeconds)
}

// RecordTurn counts a finished turn by outcome
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// RecordTurnDropped counts an utterance dropped at the turn queue
func (m *Metrics) RecordTurnDropped() {
	if m == nil {
		return
	}
	m.TurnsDropped.Inc()
}

// RecordStage records a stage call duration and failure
func (m *Metrics) RecordStage(stage string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// AddPoolInFlight adjusts the worker pool in-flight gauge
func (m *Metrics) AddPoolInFlight(delta int) {
	if m == nil {
		return
	}
	m.PoolInFlight.Add(float64(delta))
}

// RecordReplyFrames adds streamed reply frames
func (m *Metrics) RecordReplyFrames(n int) {
	if m == nil {
		return
	}
	m.ReplyFramesSent.Add(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
