package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

const redacted = "********"

func (s *Server) mountConfig(r chi.Router) {
	r.Get("/", s.configView)
	r.Get("/state", s.runtimeState)
	r.Post("/auto-broadcast", s.toggle(&s.d.Runtime.AutoBroadcast, nil))
	r.Post("/auto-upload", s.toggle(&s.d.Runtime.AutoUpload, nil))
	r.Post("/end-stream-after-print", s.toggle(&s.d.Runtime.EndStreamAfterPrint, nil))
	r.Post("/end-after-song", s.toggle(&s.d.Runtime.EndAfterSong, nil))
	r.Post("/audio-enabled", s.toggle(&s.d.Runtime.AudioEnabled, func(on bool) {
		if s.d.Audio != nil {
			s.d.Audio.ApplyAudioEnabled(on)
		}
	}))
	r.Post("/overlay-enabled", s.toggle(&s.d.Runtime.OverlayEnabled, func(bool) {
		if s.d.Pipeline != nil {
			s.d.Pipeline.RestartOverlay()
		}
	}))
	r.Get("/overlay-template", s.overlayTemplate)
	r.Post("/overlay-template", s.setOverlayTemplate)
}

// toggle sets flag from {"enabled": bool}, or flips it when the body is
// empty, then runs apply with the new value.
func (s *Server) toggle(flag *atomic.Bool, apply func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decode(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		on := !flag.Load()
		if body.Enabled != nil {
			on = *body.Enabled
		}
		if flag.Swap(on) != on && apply != nil {
			apply(on)
		}
		ok(w, map[string]any{"enabled": on, "runtime": s.d.Runtime.Snapshot()})
	}
}

func (s *Server) runtimeState(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"runtime": s.d.Runtime.Snapshot()})
}

// configView returns the effective configuration without secrets.
func (s *Server) configView(w http.ResponseWriter, r *http.Request) {
	c := s.d.Config
	secret := func(v string) string {
		if v == "" {
			return ""
		}
		return redacted
	}
	ok(w, map[string]any{"config": map[string]any{
		"httpAddr":      c.HTTPAddr,
		"publicBaseUrl": c.PublicBaseURL,
		"stream": map[string]any{
			"source":       c.Stream.Source,
			"targetFps":    c.Stream.TargetFps,
			"bitrateKbps":  c.Stream.BitrateKbps,
			"localEnabled": c.Stream.LocalEnabled,
		},
		"audio": map[string]any{
			"enabled": c.Audio.Enabled,
			"folder":  c.Audio.Folder,
		},
		"moonraker": map[string]any{
			"baseUrl":       c.Moonraker.BaseURL,
			"apiKey":        secret(c.Moonraker.APIKey),
			"notifications": c.Moonraker.Notifications,
		},
		"overlay": map[string]any{
			"enabled":   c.Overlay.Enabled,
			"template":  c.Overlay.Template,
			"refreshMs": c.Overlay.Refresh.Milliseconds(),
		},
		"youtube": map[string]any{
			"clientId":          c.YouTube.ClientID,
			"clientSecret":      secret(c.YouTube.ClientSecret),
			"refreshToken":      secret(c.YouTube.RefreshToken),
			"tokenFile":         c.YouTube.TokenFile,
			"broadcastPrivacy":  c.YouTube.Broadcast.Privacy,
			"playlist":          c.YouTube.Playlist.Name,
			"uploadPrivacy":     c.YouTube.Upload.Privacy,
			"transitionMaxWait": c.YouTube.TransitionMaxWait.String(),
		},
		"timelapse": map[string]any{
			"mainFolder":                c.Timelapse.MainFolder,
			"period":                    c.Timelapse.Period.String(),
			"lastLayerOffset":           c.Timelapse.LastLayerOffset,
			"lastLayerRemainingSeconds": c.Timelapse.LastLayerRemainingSeconds,
			"lastLayerProgressPercent":  c.Timelapse.LastLayerProgressPercent,
		},
	}})
}

func (s *Server) overlayTemplate(w http.ResponseWriter, r *http.Request) {
	if s.d.Overlay == nil {
		s.fail(w, r, unavailable("overlay generator"))
		return
	}
	ok(w, map[string]any{"template": s.d.Overlay.Template(), "text": s.d.Overlay.Text()})
}

func (s *Server) setOverlayTemplate(w http.ResponseWriter, r *http.Request) {
	if s.d.Overlay == nil {
		s.fail(w, r, unavailable("overlay generator"))
		return
	}
	var body struct {
		Template string `json:"template"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.Template) == "" {
		s.fail(w, r, badRequest{err: errors.New("template is empty")})
		return
	}
	s.d.Overlay.SetTemplate(body.Template)
	if err := s.d.Overlay.Refresh(r.Context()); err != nil {
		s.log.Debug("overlay refresh failed", slog.String("error", err.Error()))
	}
	ok(w, map[string]any{"template": s.d.Overlay.Template(), "text": s.d.Overlay.Text()})
}
