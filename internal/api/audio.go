package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"printstreamer/internal/audio"
	"printstreamer/internal/encoder"
)

func (s *Server) mountAudio(r chi.Router) {
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.d.Audio == nil {
				s.fail(w, r, unavailable("audio broadcaster"))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/tracks", s.audioTracks)
	r.Get("/state", s.audioState)
	r.Get("/queue", s.audioQueue)
	r.Post("/queue", s.audioEnqueue)
	r.Post("/queue/move", s.audioMove)
	r.Delete("/queue/{index}", s.audioRemove)
	r.Post("/clear", s.audioControl(func(b *audio.Broadcaster) error {
		b.Library().Clear()
		return nil
	}))
	r.Post("/play", s.audioControl(func(b *audio.Broadcaster) error {
		b.Play()
		return nil
	}))
	r.Post("/pause", s.audioControl(func(b *audio.Broadcaster) error {
		b.Pause()
		return nil
	}))
	r.Post("/next", s.audioControl(func(b *audio.Broadcaster) error {
		b.Next()
		return nil
	}))
	r.Post("/prev", s.audioControl(func(b *audio.Broadcaster) error {
		b.Previous()
		return nil
	}))
	r.Post("/shuffle", s.audioShuffle)
	r.Post("/repeat", s.audioRepeat)
	r.Get("/folder", s.audioFolder)
	r.Post("/folder", s.audioSetFolder)
	r.Post("/scan", s.audioScan)
	r.Post("/play-track", s.audioPlayTrack)
	r.Get("/preview", s.audioPreview)
}

func (s *Server) audioControl(fn func(*audio.Broadcaster) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.d.Audio); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeAudioState(w)
	}
}

func (s *Server) writeAudioState(w http.ResponseWriter) {
	ok(w, map[string]any{
		"status":  s.d.Audio.Status(),
		"library": s.d.Audio.Library().State(),
	})
}

func (s *Server) audioTracks(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"tracks": s.d.Audio.Library().Tracks()})
}

func (s *Server) audioState(w http.ResponseWriter, r *http.Request) {
	s.writeAudioState(w)
}

func (s *Server) audioQueue(w http.ResponseWriter, r *http.Request) {
	st := s.d.Audio.Library().State()
	ok(w, map[string]any{"queue": st.Queue, "current": st.Current})
}

func (s *Server) audioEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audioControl(func(b *audio.Broadcaster) error {
		return b.Library().Enqueue(body.Name)
	})(w, r)
}

func (s *Server) audioMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audioControl(func(b *audio.Broadcaster) error {
		return b.Library().Move(body.From, body.To)
	})(w, r)
}

func (s *Server) audioRemove(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, badRequest{err: errors.New("index must be an integer")})
		return
	}
	s.audioControl(func(b *audio.Broadcaster) error {
		return b.Library().Remove(i)
	})(w, r)
}

func (s *Server) audioShuffle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	lib := s.d.Audio.Library()
	on := !lib.State().Shuffle
	if body.Enabled != nil {
		on = *body.Enabled
	}
	lib.SetShuffle(on)
	s.writeAudioState(w)
}

func (s *Server) audioRepeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	mode, err := audio.ParseRepeat(body.Mode)
	if err != nil {
		s.fail(w, r, badRequest{err: err})
		return
	}
	s.d.Audio.Library().SetRepeat(mode)
	s.writeAudioState(w)
}

func (s *Server) audioFolder(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"folder": s.d.Audio.Library().Folder()})
}

func (s *Server) audioSetFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.Folder) == "" {
		s.fail(w, r, badRequest{err: errors.New("folder is empty")})
		return
	}
	n, err := s.d.Audio.Library().SetFolder(body.Folder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.probeDurations()
	ok(w, map[string]any{"folder": body.Folder, "tracks": n})
}

func (s *Server) audioScan(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Audio.Library().Scan()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.probeDurations()
	ok(w, map[string]any{"tracks": n})
}

// probeDurations measures new tracks in the background.
func (s *Server) probeDurations() {
	if s.d.Probe == nil {
		return
	}
	lib := s.d.Audio.Library()
	go func() {
		n := audio.ProbeDurations(context.Background(), lib, s.d.Probe)
		s.log.Debug("track durations probed", slog.Int("tracks", n))
	}()
}

func (s *Server) audioPlayTrack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index int `json:"index"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audioControl(func(b *audio.Broadcaster) error {
		return b.PlayTrack(body.Index)
	})(w, r)
}

// audioPreview streams the start of one track with its own encoder so the
// broadcast is not disturbed.
func (s *Server) audioPreview(w http.ResponseWriter, r *http.Request) {
	if s.d.Spawner == nil {
		s.fail(w, r, unavailable("encoder"))
		return
	}
	track, found := s.d.Audio.Library().Lookup(r.URL.Query().Get("name"))
	if !found {
		s.fail(w, r, audio.ErrTrackUnknown)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := audio.ServePreview(r.Context(), s.d.Spawner, track, encoder.FlushWriter{W: w}); err != nil && r.Context().Err() == nil {
		s.log.Warn("preview failed", slog.String("track", track.Name), slog.String("error", err.Error()))
	}
}
