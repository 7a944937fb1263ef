package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the streamer. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	encoderSpawns      *prometheus.CounterVec
	encoderExits       *prometheus.CounterVec
	brokenPipes        *prometheus.CounterVec
	stageSubscribers   *prometheus.GaugeVec
	audioSubscribers   prometheus.Gauge
	audioDropped       prometheus.Counter
	tracksCompleted    prometheus.Counter
	broadcastState     *prometheus.GaugeVec
	providerCalls      *prometheus.CounterVec
	cacheHits          prometheus.Counter
	framesCaptured     prometheus.Counter
	timelapseFinalized *prometheus.CounterVec
	printerPolls       *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	jobEvents          *prometheus.CounterVec
	activeJobs         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the streamer.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		encoderSpawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_encoder_spawns_total",
			Help: "Encoder child processes started, by stage",
		}, []string{"stage"}),
		encoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_encoder_exits_total",
			Help: "Encoder child processes exited, by stage and outcome",
		}, []string{"stage", "outcome"}),
		brokenPipes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_encoder_broken_pipes_total",
			Help: "Writes to an encoder stdin that failed because the child exited",
		}, []string{"stage"}),
		stageSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "printstreamer_stage_subscribers",
			Help: "Clients attached to each pipeline stage",
		}, []string{"stage"}),
		audioSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printstreamer_audio_subscribers",
			Help: "Clients attached to the audio broadcaster",
		}),
		audioDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_audio_chunks_dropped_total",
			Help: "Audio chunks dropped because a subscriber queue was full",
		}),
		tracksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_audio_tracks_completed_total",
			Help: "Tracks that played to their natural end",
		}),
		broadcastState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "printstreamer_broadcast_state",
			Help: "1 for the current broadcast lifecycle state, 0 otherwise",
		}, []string{"state"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_provider_calls_total",
			Help: "Calls made to the broadcast provider through the rate limiter",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_provider_cache_hits_total",
			Help: "Provider calls answered from the rate limiter cache",
		}),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printstreamer_timelapse_frames_captured_total",
			Help: "Timelapse frames written to disk",
		}),
		timelapseFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_timelapse_finalized_total",
			Help: "Timelapse finalize runs by outcome",
		}, []string{"outcome"}),
		printerPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_printer_polls_total",
			Help: "Printer API polls by outcome",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printstreamer_timelapse_active_sessions",
			Help: "Timelapse sessions currently capturing",
		}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printstreamer_job_events_total",
			Help: "Lifecycle actions taken by the job orchestrator, by event",
		}, []string{"event"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printstreamer_active_jobs",
			Help: "Print jobs the orchestrator is tracking",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.encoderSpawns,
		m.encoderExits,
		m.brokenPipes,
		m.stageSubscribers,
		m.audioSubscribers,
		m.audioDropped,
		m.tracksCompleted,
		m.broadcastState,
		m.providerCalls,
		m.cacheHits,
		m.framesCaptured,
		m.timelapseFinalized,
		m.printerPolls,
		m.activeSessions,
		m.jobEvents,
		m.activeJobs,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

func (m *Metrics) EncoderSpawned(stage string) {
	if m != nil {
		m.encoderSpawns.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) EncoderExited(stage string, failed bool) {
	if m == nil {
		return
	}
	outcome := "clean"
	if failed {
		outcome = "error"
	}
	m.encoderExits.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) BrokenPipe(stage string) {
	if m != nil {
		m.brokenPipes.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) SetStageSubscribers(stage string, n int) {
	if m != nil {
		m.stageSubscribers.WithLabelValues(stage).Set(float64(n))
	}
}

func (m *Metrics) SetAudioSubscribers(n int) {
	if m != nil {
		m.audioSubscribers.Set(float64(n))
	}
}

func (m *Metrics) AudioChunkDropped() {
	if m != nil {
		m.audioDropped.Inc()
	}
}

func (m *Metrics) TrackCompleted() {
	if m != nil {
		m.tracksCompleted.Inc()
	}
}

// SetBroadcastState flips the one-hot broadcast lifecycle gauge.
func (m *Metrics) SetBroadcastState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.broadcastState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ProviderCall(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

func (m *Metrics) TimelapseFinalized(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.timelapseFinalized.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PrinterPolled(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.printerPolls.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the active timelapse sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// JobEvent counts one orchestrator action such as "started" or "last_layer".
func (m *Metrics) JobEvent(event string) {
	if m != nil {
		m.jobEvents.WithLabelValues(event).Inc()
	}
}

// SetActiveJobs sets the active jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	if m != nil {
		m.activeJobs.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
