package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"printstreamer/internal/pipeline"
)

func (s *Server) mountStreams(r chi.Router) {
	r.Get("/stream", s.serveSource)
	r.Get(pipeline.SourcePath, s.serveSource)
	r.Get(pipeline.OverlayPath, s.withPipeline(func(p *pipeline.Pipeline, w http.ResponseWriter, r *http.Request) {
		p.Overlay.ServeHTTP(w, r)
	}))
	r.Get(pipeline.AudioPath, s.withPipeline(func(p *pipeline.Pipeline, w http.ResponseWriter, r *http.Request) {
		p.ServeAudio(w, r)
	}))
	r.Get(pipeline.MixPath, s.withPipeline(func(p *pipeline.Pipeline, w http.ResponseWriter, r *http.Request) {
		p.Mix.ServeHTTP(w, r)
	}))
	r.Get("/stream/{stage}/capture", s.withPipeline(s.capture))
}

func (s *Server) withPipeline(fn func(*pipeline.Pipeline, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.d.Pipeline == nil {
			s.fail(w, r, unavailable("pipeline"))
			return
		}
		fn(s.d.Pipeline, w, r)
	}
}

func (s *Server) serveSource(w http.ResponseWriter, r *http.Request) {
	if s.d.Webcam == nil {
		s.fail(w, r, unavailable("webcam"))
		return
	}
	s.d.Webcam.ServeHTTP(w, r)
}

func (s *Server) capture(p *pipeline.Pipeline, w http.ResponseWriter, r *http.Request) {
	kind := pipeline.Kind(chi.URLParam(r, "stage"))
	switch kind {
	case pipeline.KindSource, pipeline.KindOverlay, pipeline.KindMix:
	default:
		s.fail(w, r, pipeline.ErrUnknownStage)
		return
	}
	img, err := p.Capture(r.Context(), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) cameraOn(w http.ResponseWriter, r *http.Request) {
	s.setCamera(w, r, func() { s.d.Webcam.SetDisabled(false) })
}

func (s *Server) cameraOff(w http.ResponseWriter, r *http.Request) {
	s.setCamera(w, r, func() { s.d.Webcam.SetDisabled(true) })
}

func (s *Server) cameraToggle(w http.ResponseWriter, r *http.Request) {
	s.setCamera(w, r, func() { s.d.Webcam.Toggle() })
}

func (s *Server) setCamera(w http.ResponseWriter, r *http.Request, apply func()) {
	if s.d.Webcam == nil {
		s.fail(w, r, unavailable("webcam"))
		return
	}
	apply()
	ok(w, map[string]any{"disabled": s.d.Webcam.Disabled()})
}
