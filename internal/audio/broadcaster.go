// Package audio owns the music library and the single MP3 encoder that feeds
// every audio subscriber from the live edge.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"printstreamer/internal/encoder"
	"printstreamer/internal/fanout"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
)

const (
	// SubscriberBuffer is the per-subscriber queue in chunks.
	SubscriberBuffer = 8
	// ChunkSize is the stdout read size of the encoder.
	ChunkSize = 4096

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	stopGrace  = 2 * time.Second
)

// ArgsFunc builds the encoder arguments for one track.
type ArgsFunc func(track Track) []string

// DefaultArgs decodes the track in real time and writes 128 kbit/s MP3 to
// stdout.
func DefaultArgs(track Track) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-re", "-i", track.Path,
		"-vn", "-c:a", "libmp3lame", "-b:a", "128k", "-ar", "44100", "-ac", "2",
		"-f", "mp3", "pipe:1",
	}
}

// stopReason tells the supervisor why the current encoder is being stopped.
type stopReason int

const (
	stopNone    stopReason = iota
	stopAdvance            // skip to the next track
	stopStay               // the library already points at the track to play
	stopHalt               // pause or disable; do not respawn
)

// Broadcaster runs one encoder at a time and fans its output out.
type Broadcaster struct {
	spawn   encoder.Spawner
	lib     *Library
	args    ArgsFunc
	log     *slog.Logger
	metrics *metrics.Metrics
	hub     *fanout.Hub[[]byte]

	enabled atomic.Bool
	playing atomic.Bool
	wake    chan struct{}

	mu         sync.Mutex
	handle     *encoder.Handle
	playingNow Track
	reason     stopReason
	onComplete []func(Track)
	lastError  string
}

// NewBroadcaster returns a Broadcaster over lib. It starts enabled and
// playing; Run must be called to start the supervisor.
func NewBroadcaster(spawn encoder.Spawner, lib *Library, enabled bool, log *slog.Logger, m *metrics.Metrics) *Broadcaster {
	b := &Broadcaster{
		spawn:   spawn,
		lib:     lib,
		args:    DefaultArgs,
		log:     logger.WithComponent(log, "audio"),
		metrics: m,
		hub:     fanout.New[[]byte](SubscriberBuffer),
		wake:    make(chan struct{}, 1),
	}
	b.hub.OnChange(m.SetAudioSubscribers)
	b.hub.OnDrop(m.AudioChunkDropped)
	b.enabled.Store(enabled)
	b.playing.Store(true)
	return b
}

// SetArgs replaces the argument builder. Must be called before Run.
func (b *Broadcaster) SetArgs(fn ArgsFunc) { b.args = fn }

// Library returns the library the broadcaster plays from.
func (b *Broadcaster) Library() *Library { return b.lib }

// OnTrackComplete registers fn for every track that plays to its end. It is
// not called for interrupted tracks.
func (b *Broadcaster) OnTrackComplete(fn func(Track)) {
	b.mu.Lock()
	b.onComplete = append(b.onComplete, fn)
	b.mu.Unlock()
}

// Stream subscribes to the live MP3 output. The returned channel yields the
// chunks produced after the call and is closed once ctx is done.
func (b *Broadcaster) Stream(ctx context.Context) <-chan []byte {
	id, ch := b.hub.Subscribe()
	go func() {
		<-ctx.Done()
		b.hub.Unsubscribe(id)
	}()
	return ch
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster) Subscribers() int { return b.hub.Len() }

// Write fans p out to every subscriber. It is the encoder's stdout sink.
func (b *Broadcaster) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.hub.Publish(chunk)
	return len(p), nil
}

// Interrupt stops the current track so the next one begins. Idempotent
// while a stop is already pending.
func (b *Broadcaster) Interrupt() {
	b.stopCurrent(stopAdvance)
}

// Next is Interrupt under its control-surface name.
func (b *Broadcaster) Next() { b.Interrupt() }

// Previous restarts playback at the previous queue entry.
func (b *Broadcaster) Previous() {
	b.lib.Previous()
	b.restart()
}

// PlayTrack restarts playback at queue entry i.
func (b *Broadcaster) PlayTrack(i int) error {
	if _, err := b.lib.Select(i); err != nil {
		return err
	}
	b.restart()
	return nil
}

// Play resumes playback.
func (b *Broadcaster) Play() {
	b.playing.Store(true)
	b.kick()
}

// Pause stops the encoder; subscribers stay attached and see no chunks
// until Play.
func (b *Broadcaster) Pause() {
	b.playing.Store(false)
	b.stopCurrent(stopHalt)
}

// ApplyAudioEnabled starts or stops the encoder without detaching
// subscribers.
func (b *Broadcaster) ApplyAudioEnabled(enabled bool) {
	if b.enabled.Swap(enabled) == enabled {
		return
	}
	b.log.Info("audio broadcaster toggled", slog.Bool("enabled", enabled))
	if enabled {
		b.kick()
		return
	}
	b.stopCurrent(stopHalt)
}

// Enabled reports whether the broadcaster is enabled.
func (b *Broadcaster) Enabled() bool { return b.enabled.Load() }

// Status is the JSON view of the broadcaster.
type Status struct {
	Enabled     bool   `json:"enabled"`
	Playing     bool   `json:"playing"`
	Running     bool   `json:"running"`
	Track       *Track `json:"track,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Subscribers int    `json:"subscribers"`
	LastError   string `json:"lastError,omitempty"`
}

// Status reports the broadcaster state.
func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Enabled:     b.enabled.Load(),
		Playing:     b.playing.Load(),
		Subscribers: b.hub.Len(),
		LastError:   b.lastError,
	}
	if b.handle != nil && !b.handle.Exited() {
		t := b.playingNow
		st.Running = true
		st.Track = &t
		st.PID = b.handle.PID()
	}
	return st
}

// RecentStderr returns the stderr tail of the running encoder.
func (b *Broadcaster) RecentStderr() []string {
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.RecentStderr()
}

func (b *Broadcaster) restart() {
	b.playing.Store(true)
	if !b.stopCurrent(stopStay) {
		b.kick()
	}
}

// stopCurrent stops the running encoder with reason. It returns false when
// nothing was running.
func (b *Broadcaster) stopCurrent(reason stopReason) bool {
	b.mu.Lock()
	h := b.handle
	if h == nil || h.Exited() {
		b.mu.Unlock()
		return false
	}
	if b.reason == stopNone || reason == stopHalt {
		b.reason = reason
	}
	b.mu.Unlock()
	go h.Stop(stopGrace)
	return true
}

func (b *Broadcaster) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run supervises the encoder until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.hub.Close()
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		track, ok := b.lib.Current()
		if !b.enabled.Load() || !b.playing.Load() || !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.wake:
				continue
			}
		}

		h, err := b.spawn.Spawn(ctx, "audio", b.args(track), encoder.Options{Stdout: b, ChunkSize: ChunkSize})
		if err != nil {
			b.setError(err)
			b.log.Error("audio encoder spawn failed",
				slog.String("track", track.Name),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		b.mu.Lock()
		b.handle = h
		b.playingNow = track
		b.reason = stopNone
		b.mu.Unlock()
		b.log.Info("now playing", slog.String("track", track.Name), slog.Int("pid", h.PID()))

		select {
		case <-h.Done():
		case <-ctx.Done():
			h.Stop(stopGrace)
			return ctx.Err()
		}

		b.mu.Lock()
		reason := b.reason
		b.reason = stopNone
		callbacks := append([]func(Track){}, b.onComplete...)
		b.mu.Unlock()

		code, _ := h.ExitCode()
		switch {
		case reason == stopAdvance:
			b.lib.Advance(false)
			backoff = minBackoff
		case reason == stopStay || reason == stopHalt:
			backoff = minBackoff
		case code == 0:
			backoff = minBackoff
			b.metrics.TrackCompleted()
			for _, fn := range callbacks {
				fn(track)
			}
			if _, more := b.lib.Advance(true); !more {
				b.log.Info("queue finished")
				b.playing.Store(false)
			}
		default:
			err := fmt.Errorf("audio encoder exited with code %d", code)
			b.setError(err)
			b.log.Warn("audio encoder failed, skipping track",
				slog.String("track", track.Name),
				slog.Int("exit_code", code),
				slog.Any("stderr", h.RecentStderr()),
				slog.Duration("retry_in", backoff))
			b.lib.Advance(false)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (b *Broadcaster) setError(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}
