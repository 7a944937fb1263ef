package api

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

func (s *Server) mountTimelapses(r chi.Router) {
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.d.Timelapses == nil {
				s.fail(w, r, unavailable("timelapse manager"))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/", s.timelapseList)
	r.Route("/{name}", func(r chi.Router) {
		r.Post("/start", s.timelapseStart)
		r.Post("/stop", s.timelapseStop)
		r.Post("/generate", s.timelapseGenerate)
		r.Post("/upload", s.timelapseUpload)
		r.Get("/metadata", s.timelapseMetadata)
		r.Get("/video", s.timelapseVideo)
		r.Get("/frames", s.timelapseFrames)
		r.Get("/frames/{frame}", s.timelapseFrame)
		r.Delete("/frames/{frame}", s.timelapseDeleteFrame)
	})
}

func (s *Server) timelapseList(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Timelapses.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"timelapses": list})
}

func (s *Server) timelapseStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobFilename string `json:"jobFilename"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.d.Timelapses.Start(chi.URLParam(r, "name"), body.JobFilename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"session": id})
}

func (s *Server) timelapseStop(w http.ResponseWriter, r *http.Request) {
	video, err := s.d.Timelapses.Stop(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"video": filepath.Base(video)})
}

func (s *Server) timelapseGenerate(w http.ResponseWriter, r *http.Request) {
	video, err := s.d.Timelapses.Generate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"video": filepath.Base(video)})
}

func (s *Server) timelapseUpload(w http.ResponseWriter, r *http.Request) {
	if s.d.Uploader == nil {
		s.fail(w, r, unavailable("uploader"))
		return
	}
	id, err := s.d.Uploader.Upload(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"videoId": id})
}

func (s *Server) timelapseMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.d.Timelapses.Metadata(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"metadata": meta})
}

func (s *Server) timelapseVideo(w http.ResponseWriter, r *http.Request) {
	path, err := s.d.Timelapses.VideoPath(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) timelapseFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := s.d.Timelapses.Frames(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"frames": frames})
}

func (s *Server) timelapseFrame(w http.ResponseWriter, r *http.Request) {
	path, err := s.d.Timelapses.FramePath(chi.URLParam(r, "name"), chi.URLParam(r, "frame"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) timelapseDeleteFrame(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Timelapses.DeleteFrame(chi.URLParam(r, "name"), chi.URLParam(r, "frame")); err != nil {
		s.fail(w, r, err)
		return
	}
	frames, err := s.d.Timelapses.Frames(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"frames": frames})
}
