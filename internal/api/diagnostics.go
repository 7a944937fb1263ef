package api

import (
	"context"
	"net/http"
	"sync"
)

type upstreamResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// upstreamHealth probes the camera and the printer API concurrently.
func (s *Server) upstreamHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]func(context.Context) error{}
	if s.d.Webcam != nil {
		checks["camera"] = s.d.Webcam.Health
	}
	if s.d.Printer != nil {
		checks["printer"] = s.d.Printer.Health
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]upstreamResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			res := upstreamResult{OK: true}
			if err := check(ctx); err != nil {
				res = upstreamResult{Error: err.Error()}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := http.StatusOK
	healthy := len(results) > 0
	for _, res := range results {
		if !res.OK {
			status = http.StatusServiceUnavailable
			healthy = false
		}
	}
	body := map[string]any{"success": healthy}
	for name, res := range results {
		body[name] = res
	}
	writeJSON(w, status, body)
}

func (s *Server) debugPipeline(w http.ResponseWriter, r *http.Request) {
	if s.d.Pipeline == nil {
		s.fail(w, r, unavailable("pipeline"))
		return
	}
	ok(w, map[string]any{
		"stages": s.d.Pipeline.Registry.Snapshot(),
		"relay":  s.d.Pipeline.Bridge.Status(),
	})
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	if s.d.Jobs == nil {
		s.fail(w, r, unavailable("orchestrator"))
		return
	}
	ok(w, map[string]any{
		"jobs":   s.d.Jobs.Jobs(),
		"active": s.d.Jobs.ActiveJobCount(),
	})
}
