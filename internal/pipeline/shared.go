package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"printstreamer/internal/encoder"
	"printstreamer/internal/fanout"
	"printstreamer/internal/mjpeg"
	"printstreamer/internal/platform/logger"
)

const (
	frameBuffer    = 4
	restartInitial = time.Second
	restartMax     = 30 * time.Second
)

// ErrStageFailed is returned to subscribers of a stage whose encoder cannot
// be started.
var ErrStageFailed = errors.New("stage failed")

// ErrUnknownStage is returned for stage names that do not capture frames.
var ErrUnknownStage = errors.New("unknown stage")

// FrameStage shares one encoder among every subscriber of an MJPEG stage.
// The encoder starts with the first subscriber and stops after the last
// one leaves.
type FrameStage struct {
	name    string
	spawner encoder.Spawner
	args    func() []string
	reg     *Registry
	log     *slog.Logger
	hub     *fanout.Hub[[]byte]

	mu    sync.Mutex
	subs  int
	run   *stageRun
	sleep func(context.Context, time.Duration) error
}

type stageRun struct {
	cancel context.CancelFunc
	// failed closes when the encoder cannot be started. A cancelled run
	// never closes it.
	failed chan struct{}
}

// NewFrameStage returns a stage whose encoder is started with args(). args
// is called for every spawn so configuration changes apply on restart.
func NewFrameStage(name string, spawner encoder.Spawner, args func() []string, reg *Registry, log *slog.Logger) *FrameStage {
	return &FrameStage{
		name:    name,
		spawner: spawner,
		args:    args,
		reg:     reg,
		log:     logger.WithComponent(log, "stage").With(slog.String("stage", name)),
		hub:     fanout.New[[]byte](frameBuffer),
		sleep:   sleepCtx,
	}
}

func (s *FrameStage) Name() string { return s.name }

// Subscribe attaches at the live edge. The returned done channel closes if
// the stage gives up; release may be called more than once.
func (s *FrameStage) Subscribe() (frames <-chan []byte, done <-chan struct{}, release func()) {
	id, ch := s.hub.Subscribe()
	s.mu.Lock()
	s.subs++
	if s.run == nil {
		s.start()
	}
	run := s.run
	s.mu.Unlock()
	s.reg.AddSubscribers(s.name, 1)

	var once sync.Once
	return ch, run.failed, func() {
		once.Do(func() {
			s.hub.Unsubscribe(id)
			s.reg.AddSubscribers(s.name, -1)
			s.mu.Lock()
			s.subs--
			if s.subs == 0 && s.run != nil {
				s.run.cancel()
				s.run = nil
			}
			s.mu.Unlock()
		})
	}
}

// Restart stops the current encoder so it is respawned with fresh args.
func (s *FrameStage) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	s.run.cancel()
	s.start()
}

// start must be called with s.mu held.
func (s *FrameStage) start() {
	ctx, cancel := context.WithCancel(context.Background())
	run := &stageRun{cancel: cancel, failed: make(chan struct{})}
	s.run = run
	go func() {
		if err := s.loop(ctx); err != nil {
			close(run.failed)
		}
	}()
}

type frameSink struct {
	ex  *mjpeg.Extractor
	hub *fanout.Hub[[]byte]
}

func (f *frameSink) Write(p []byte) (int, error) {
	for _, frame := range f.ex.Push(p) {
		f.hub.Publish(frame)
	}
	return len(p), nil
}

func (s *FrameStage) loop(ctx context.Context) error {
	backoff := restartInitial
	for {
		sink := &frameSink{ex: mjpeg.NewExtractor(0), hub: s.hub}
		h, err := s.spawner.Spawn(ctx, s.name, s.args(), encoder.Options{Stdout: sink})
		if err != nil {
			s.reg.SetError(s.name, err)
			s.log.Error("encoder cannot be started", slog.String("error", err.Error()))
			return err
		}
		s.reg.Attach(s.name, h)
		started := time.Now()
		<-h.Done()
		s.reg.Detach(s.name, h)
		if ctx.Err() != nil {
			return nil
		}
		code, _ := h.ExitCode()
		err = errors.New("encoder exited unexpectedly")
		if tail := h.RecentStderr(); len(tail) > 0 {
			err = errors.New("encoder exited: " + tail[len(tail)-1])
		}
		s.reg.SetError(s.name, err)
		s.log.Warn("stage encoder exited, restarting",
			slog.Int("exit_code", code),
			slog.Duration("retry_in", backoff))
		if time.Since(started) > restartMax {
			backoff = restartInitial
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > restartMax {
			backoff = restartMax
		}
	}
}

// ServeHTTP streams the stage as multipart MJPEG.
func (s *FrameStage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frames, done, release := s.Subscribe()
	defer release()
	mjpeg.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
	mw := mjpeg.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := mw.WriteFrame(frame); err != nil {
				return
			}
		}
	}
}

// Capture returns the next frame the stage produces.
func (s *FrameStage) Capture(ctx context.Context, timeout time.Duration) ([]byte, error) {
	frames, done, release := s.Subscribe()
	defer release()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, mjpeg.ErrNoFrame
	case <-done:
		return nil, ErrStageFailed
	case frame, ok := <-frames:
		if !ok {
			return nil, ErrStageFailed
		}
		return frame, nil
	}
}

// Subscribers returns the number of attached clients.
func (s *FrameStage) Subscribers() int { return s.hub.Len() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
