package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"printstreamer/internal/audio"
	"printstreamer/internal/encoder"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/webcam"
)

// Stage endpoints. Every stage reads the previous one over HTTP.
const (
	SourcePath  = "/stream/source"
	OverlayPath = "/stream/overlay"
	AudioPath   = "/stream/audio"
	MixPath     = "/stream/mix"
)

// CaptureTimeout bounds single-frame captures.
const CaptureTimeout = 10 * time.Second

// Config wires the stages together.
type Config struct {
	// BaseURL is the loopback address encoders use to read stage endpoints.
	BaseURL string
	Video   VideoSettings
	Text    TextSettings
	// OverlayEnabled is consulted on every overlay spawn.
	OverlayEnabled func() bool
}

// Pipeline owns the four stages and the ingest bridge.
type Pipeline struct {
	cfg      Config
	spawner  encoder.Spawner
	log      *slog.Logger
	Registry *Registry
	Source   *webcam.Proxy
	Overlay  *FrameStage
	Audio    *audio.Broadcaster
	Mix      *Mix
	Bridge   *Bridge
}

func New(cfg Config, spawner encoder.Spawner, source *webcam.Proxy, bc *audio.Broadcaster, reg *Registry, log *slog.Logger) *Pipeline {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OverlayEnabled == nil {
		cfg.OverlayEnabled = func() bool { return true }
	}
	p := &Pipeline{
		cfg:      cfg,
		spawner:  spawner,
		log:      logger.WithComponent(log, "pipeline"),
		Registry: reg,
		Source:   source,
		Audio:    bc,
	}

	reg.Register(string(KindSource), KindSource, source.Upstream(), SourcePath)
	reg.Probe(string(KindSource), func(i *Info) {
		i.Running = !source.Disabled()
		i.Subscribers = source.Clients()
		if source.Disabled() {
			i.Input = "fallback"
		}
	})

	reg.Register(string(KindOverlay), KindOverlay, SourcePath, OverlayPath)
	p.Overlay = NewFrameStage(string(KindOverlay), spawner, p.overlayArgs, reg, log)

	reg.Register(string(KindAudio), KindAudio, "playlist", AudioPath)
	reg.Probe(string(KindAudio), func(i *Info) {
		st := bc.Status()
		i.Running = st.Running
		i.PID = st.PID
		i.Subscribers = st.Subscribers
		i.LastError = st.LastError
		i.RecentStderr = bc.RecentStderr()
		if st.Track != nil {
			i.Input = st.Track.Name
		}
		if !st.Enabled {
			i.Input = "silence"
		}
	})

	reg.Register(string(KindMix), KindMix, OverlayPath+" + "+AudioPath, MixPath)
	p.Mix = NewMix(string(KindMix), spawner, p.mixArgs(ContainerMP4), p.captureArgs, reg, log)
	p.Bridge = NewBridge(spawner, p.mixArgs(ContainerTS), reg, log)
	return p
}

func (p *Pipeline) url(path string) string { return p.cfg.BaseURL + path }

func (p *Pipeline) overlayArgs() []string {
	if p.cfg.OverlayEnabled() {
		text := p.cfg.Text
		return OverlayArgs(p.url(SourcePath), p.cfg.Video, &text)
	}
	return OverlayArgs(p.url(SourcePath), p.cfg.Video, nil)
}

func (p *Pipeline) mixArgs(c Container) func() []string {
	return func() []string {
		return MixArgs(p.url(OverlayPath), p.url(AudioPath), p.cfg.Video, c)
	}
}

func (p *Pipeline) captureArgs() []string {
	return CaptureArgs(p.url(OverlayPath))
}

// ServeAudio streams the broadcaster output, or silence while audio is
// disabled.
func (p *Pipeline) ServeAudio(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	ctx := r.Context()
	if !p.Audio.Enabled() {
		if err := audio.ServeSilence(ctx, p.spawner, w); err != nil {
			p.log.Warn("silence stream failed", slog.String("error", err.Error()))
		}
		return
	}
	fw := encoder.FlushWriter{W: w}
	for chunk := range p.Audio.Stream(ctx) {
		if _, err := fw.Write(chunk); err != nil {
			return
		}
	}
}

// Capture returns one JPEG from the named stage.
func (p *Pipeline) Capture(ctx context.Context, kind Kind) ([]byte, error) {
	switch kind {
	case KindSource:
		return p.Source.Snapshot(ctx)
	case KindOverlay:
		return p.Overlay.Capture(ctx, CaptureTimeout)
	case KindMix:
		return p.Mix.Capture(ctx, CaptureTimeout)
	}
	return nil, ErrUnknownStage
}

// RestartOverlay respawns the overlay encoder, e.g. after the overlay was
// toggled.
func (p *Pipeline) RestartOverlay() { p.Overlay.Restart() }

// Shutdown stops the bridge. Per-client stages end with their requests.
func (p *Pipeline) Shutdown() {
	p.Bridge.Stop()
}
