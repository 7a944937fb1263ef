// Package api exposes the stage endpoints and the JSON control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"printstreamer/internal/audio"
	"printstreamer/internal/broadcast"
	"printstreamer/internal/encoder"
	"printstreamer/internal/moonraker"
	"printstreamer/internal/orchestrator"
	"printstreamer/internal/overlay"
	"printstreamer/internal/pipeline"
	"printstreamer/internal/platform/config"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
	"printstreamer/internal/timelapse"
	"printstreamer/internal/webcam"
)

const (
	maxBodyBytes  = 1 << 20
	healthTimeout = 3 * time.Second
)

// errUnavailable marks a component that is not configured in this process.
var errUnavailable = errors.New("not configured")

// badRequest wraps client input errors.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// Deps are the components behind the routes. Nil components answer 503.
type Deps struct {
	Config     config.Config
	Runtime    *config.Runtime
	Pipeline   *pipeline.Pipeline
	Webcam     *webcam.Proxy
	Printer    *moonraker.Client
	Broadcasts *broadcast.Controller
	Jobs       *orchestrator.Service
	Uploader   *orchestrator.Uploader
	Timelapses *timelapse.Manager
	Audio      *audio.Broadcaster
	Overlay    *overlay.Generator
	// Spawner runs the per-request preview encoder.
	Spawner encoder.Spawner
	// Probe measures track durations after a folder change.
	Probe func(ctx context.Context, path string) (time.Duration, error)
}

// Server holds the handlers.
type Server struct {
	d       Deps
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter returns the chi router with every route mounted.
func NewRouter(d Deps, log *slog.Logger, m *metrics.Metrics) http.Handler {
	if d.Runtime == nil {
		d.Runtime = config.NewRuntime(d.Config)
	}
	if d.Webcam == nil && d.Pipeline != nil {
		d.Webcam = d.Pipeline.Source
	}
	if d.Audio == nil && d.Pipeline != nil {
		d.Audio = d.Pipeline.Audio
	}
	s := &Server{d: d, log: logger.WithComponent(log, "api"), metrics: m}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(m))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.Handler(func() {
			if d.Jobs != nil {
				m.SetActiveJobs(d.Jobs.ActiveJobCount())
			}
		}).ServeHTTP(w, r)
	})

	s.mountStreams(r)
	r.Get("/websocket", s.tunnel)

	r.Route("/api", func(r chi.Router) {
		r.Route("/camera", func(r chi.Router) {
			r.Post("/on", s.cameraOn)
			r.Post("/off", s.cameraOff)
			r.Post("/toggle", s.cameraToggle)
		})
		r.Route("/live", s.mountLive)
		r.Route("/timelapses", s.mountTimelapses)
		r.Route("/audio", s.mountAudio)
		r.Route("/config", s.mountConfig)
		r.Get("/jobs", s.jobs)
		r.Get("/health/upstream", s.upstreamHealth)
		r.Get("/debug/pipeline", s.debugPipeline)
	})
	return r
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ok writes a success envelope with the given fields.
func ok(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// fail writes {"success": false, "error": ...} with the status derived from err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func statusOf(err error) int {
	var br badRequest
	var pe *broadcast.ProviderError
	var ae *broadcast.AuthError
	switch {
	case errors.As(err, &br),
		errors.Is(err, timelapse.ErrInvalidFrame),
		errors.Is(err, broadcast.ErrInvalidPrivacy),
		errors.Is(err, audio.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, timelapse.ErrNotFound),
		errors.Is(err, audio.ErrTrackUnknown),
		errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrActive),
		errors.Is(err, broadcast.ErrNoBroadcast),
		errors.Is(err, timelapse.ErrActive),
		errors.Is(err, timelapse.ErrNotActive),
		errors.Is(err, timelapse.ErrNoFrames),
		errors.Is(err, audio.ErrEmptyQueue):
		return http.StatusConflict
	case errors.Is(err, errUnavailable),
		errors.Is(err, orchestrator.ErrNoBroadcaster):
		return http.StatusServiceUnavailable
	case errors.As(err, &ae), errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest{err: err}
	}
	return nil
}

func unavailable(name string) error {
	return &componentError{name: name}
}

type componentError struct{ name string }

func (e *componentError) Error() string { return e.name + " is not configured" }
func (e *componentError) Unwrap() error { return errUnavailable }
