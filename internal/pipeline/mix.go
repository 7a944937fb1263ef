package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"printstreamer/internal/encoder"
	"printstreamer/internal/mjpeg"
	"printstreamer/internal/platform/logger"
)

// Mix spawns one encoder per client, combining the overlay video and the
// audio stream into fragmented MP4. Nothing is shared between clients.
type Mix struct {
	name    string
	spawner encoder.Spawner
	args    func() []string
	capture func() []string
	reg     *Registry
	log     *slog.Logger
}

func NewMix(name string, spawner encoder.Spawner, args, capture func() []string, reg *Registry, log *slog.Logger) *Mix {
	return &Mix{
		name:    name,
		spawner: spawner,
		args:    args,
		capture: capture,
		reg:     reg,
		log:     logger.WithComponent(log, "stage").With(slog.String("stage", name)),
	}
}

func (m *Mix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.reg.AddSubscribers(m.name, 1)
	defer m.reg.AddSubscribers(m.name, -1)

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	sink := encoder.FlushWriter{W: w}
	h, err := m.spawner.Spawn(r.Context(), m.name, m.args(), encoder.Options{Stdout: sink})
	if err != nil {
		m.reg.SetError(m.name, err)
		m.log.Error("mix encoder cannot be started", slog.String("error", err.Error()))
		return
	}
	m.reg.Attach(m.name, h)
	select {
	case <-h.Done():
		if r.Context().Err() == nil {
			code, _ := h.ExitCode()
			m.reg.SetError(m.name, fmt.Errorf("mix encoder exited with code %d", code))
		}
	case <-r.Context().Done():
	}
	h.Stop(encoder.DefaultGrace)
	m.reg.Detach(m.name, h)
}

// Capture grabs one frame of the mix video with a one-shot encoder.
func (m *Mix) Capture(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var buf encoder.Buffer
	h, err := m.spawner.Spawn(ctx, m.name+"-capture", m.capture(), encoder.Options{Stdout: &buf})
	if err != nil {
		return nil, err
	}
	<-h.Done()
	frames := mjpeg.NewExtractor(0).Push(buf.Bytes())
	if len(frames) == 0 {
		if ctx.Err() != nil {
			return nil, mjpeg.ErrNoFrame
		}
		return nil, fmt.Errorf("%w: %s", mjpeg.ErrNoFrame, strings.Join(h.RecentStderr(), " | "))
	}
	return frames[0], nil
}
