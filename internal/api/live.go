package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"printstreamer/internal/pipeline"
)

func (s *Server) mountLive(r chi.Router) {
	r.Get("/status", s.liveStatus)
	r.Post("/start", s.liveStart)
	r.Post("/stop", s.liveStop)
	r.Get("/privacy", s.livePrivacy)
	r.Post("/privacy", s.liveSetPrivacy)
	r.Post("/force-go-live", s.liveForce)
	r.Post("/repair", s.liveRepair)
	r.Get("/debug", s.liveDebug)
	r.Post("/chat", s.liveChat)
	r.Post("/thumbnail", s.liveThumbnail)
}

func (s *Server) liveStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	fields := map[string]any{
		"broadcast": s.d.Broadcasts.State(),
		"runtime":   s.d.Runtime.Snapshot(),
	}
	if s.d.Pipeline != nil {
		fields["relay"] = s.d.Pipeline.Bridge.Status()
	}
	if s.d.Jobs != nil {
		if job, found := s.d.Jobs.Current(); found {
			fields["job"] = job
		}
	}
	ok(w, fields)
}

func (s *Server) liveAction(w http.ResponseWriter, r *http.Request, run func() error) {
	if s.d.Jobs == nil || s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	if err := run(); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"broadcast": s.d.Broadcasts.State()})
}

func (s *Server) liveStart(w http.ResponseWriter, r *http.Request) {
	s.liveAction(w, r, func() error { return s.d.Jobs.StartBroadcast(r.Context()) })
}

func (s *Server) liveStop(w http.ResponseWriter, r *http.Request) {
	s.liveAction(w, r, func() error { return s.d.Jobs.StopBroadcast(r.Context()) })
}

func (s *Server) liveForce(w http.ResponseWriter, r *http.Request) {
	s.liveAction(w, r, func() error { return s.d.Jobs.GoLiveNow(r.Context()) })
}

func (s *Server) liveRepair(w http.ResponseWriter, r *http.Request) {
	s.liveAction(w, r, func() error { return s.d.Jobs.RepairBroadcast(r.Context()) })
}

func (s *Server) livePrivacy(w http.ResponseWriter, r *http.Request) {
	if s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	privacy, err := s.d.Broadcasts.GetPrivacy(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"privacy": privacy})
}

func (s *Server) liveSetPrivacy(w http.ResponseWriter, r *http.Request) {
	if s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	var body struct {
		Privacy string `json:"privacy"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	privacy := strings.ToLower(strings.TrimSpace(body.Privacy))
	if err := s.d.Broadcasts.UpdatePrivacy(r.Context(), privacy); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"privacy": privacy})
}

func (s *Server) liveDebug(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{"runtime": s.d.Runtime.Snapshot()}
	if s.d.Broadcasts != nil {
		fields["broadcast"] = s.d.Broadcasts.State()
	}
	if s.d.Pipeline != nil {
		fields["relay"] = s.d.Pipeline.Bridge.Status()
		var stages []pipeline.Info
		for _, info := range s.d.Pipeline.Registry.Snapshot() {
			if info.Kind == pipeline.KindIngest || info.Kind == pipeline.KindMix {
				stages = append(stages, info)
			}
		}
		fields["stages"] = stages
	}
	if s.d.Jobs != nil {
		fields["jobs"] = s.d.Jobs.Jobs()
	}
	ok(w, fields)
}

func (s *Server) liveChat(w http.ResponseWriter, r *http.Request) {
	if s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		s.fail(w, r, badRequest{err: errors.New("message is empty")})
		return
	}
	if err := s.d.Broadcasts.SendChatMessage(r.Context(), body.Message); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, nil)
}

// liveThumbnail sets the broadcast thumbnail from a posted JPEG, or from
// an overlay capture when the body is empty.
func (s *Server) liveThumbnail(w http.ResponseWriter, r *http.Request) {
	if s.d.Broadcasts == nil {
		s.fail(w, r, unavailable("broadcast provider"))
		return
	}
	img, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2*maxBodyBytes))
	if err != nil {
		s.fail(w, r, badRequest{err: err})
		return
	}
	if len(img) == 0 {
		if s.d.Pipeline == nil {
			s.fail(w, r, unavailable("pipeline"))
			return
		}
		if img, err = s.d.Pipeline.Capture(r.Context(), pipeline.KindOverlay); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.d.Broadcasts.SetThumbnail(r.Context(), r.URL.Query().Get("video"), bytes.NewReader(img)); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"bytes": len(img)})
}
