// Package orchestrator turns printer state transitions into broadcast and
// timelapse lifecycle actions.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"printstreamer/internal/audio"
	"printstreamer/internal/broadcast"
	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/config"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
	"printstreamer/internal/printer"
)

const (
	lookupTimeout = 5 * time.Second
	signalBuffer  = 8
)

// ErrNoBroadcaster is returned by broadcast operations when no provider is
// configured.
var ErrNoBroadcaster = errors.New("no broadcast provider configured")

// Timelapses is the part of the timelapse manager the orchestrator drives.
type Timelapses interface {
	Archive
	Start(name, jobFilename string) (string, error)
	Capture(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) (string, error)
}

// Broadcasts is the part of the broadcast controller the orchestrator drives.
type Broadcasts interface {
	State() broadcast.State
	Create(ctx context.Context) (broadcast.Ingest, error)
	TransitionWhenReady(ctx context.Context, maxWait time.Duration, maxAttempts int) error
	ForceGoLive(ctx context.Context) error
	End(ctx context.Context) error
	Repair(ctx context.Context) (broadcast.Ingest, error)
	MarkError(err error)
}

// Relay pushes the mixed stream to an ingest URL.
type Relay interface {
	Start(ctx context.Context, target string) error
	Stop()
}

// JobSource resolves the name of the job that just started.
type JobSource interface {
	JobQueueHead(ctx context.Context) (moonraker.QueuedJob, error)
	LatestHistoryFilename(ctx context.Context) (string, error)
}

// Player reports audio playback.
type Player interface {
	Status() audio.Status
}

// Deps are the components the orchestrator acts on. Broadcasts, Jobs,
// Player and Uploader may be nil.
type Deps struct {
	Timelapses Timelapses
	Broadcasts Broadcasts
	Relay      Relay
	Jobs       JobSource
	Player     Player
	Uploader   *Uploader
	Runtime    *config.Runtime
}

// LastLayer holds the thresholds that count as "about to finish". Any one
// of them triggers.
type LastLayer struct {
	Offset           int
	RemainingSeconds int
	ProgressPercent  float64
}

// Reached reports whether snap satisfies any last-layer threshold.
func (l LastLayer) Reached(snap moonraker.Snapshot) bool {
	if snap.State != moonraker.StatePrinting {
		return false
	}
	if l.RemainingSeconds > 0 && snap.HasRemaining && snap.Remaining >= 0 &&
		snap.Remaining <= time.Duration(l.RemainingSeconds)*time.Second {
		return true
	}
	if l.ProgressPercent > 0 && !math.IsNaN(snap.Progress) && snap.Progress >= l.ProgressPercent/100 {
		return true
	}
	return snap.TotalLayers > 0 && snap.CurrentLayer > 0 && snap.CurrentLayer >= snap.TotalLayers-l.Offset
}

// Options tunes the orchestrator.
type Options struct {
	LastLayer   LastLayer
	MaxWait     time.Duration
	MaxAttempts int
}

// Service reacts to printer events. Lifecycle actions run one at a time on
// the goroutine that calls Run; finalize and the live transition run in the
// background.
type Service struct {
	repo    Repository
	deps    Deps
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	signals chan func(context.Context)

	mu     sync.Mutex
	golive *action

	bg sync.WaitGroup
}

type action struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns a Service backed by repo.
func NewService(repo Repository, deps Deps, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	if deps.Runtime == nil {
		deps.Runtime = &config.Runtime{}
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = broadcast.DefaultMaxWait
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = broadcast.DefaultMaxAttempts
	}
	return &Service{
		repo:    repo,
		deps:    deps,
		opts:    opts,
		log:     logger.WithComponent(log, "orchestrator"),
		metrics: m,
		now:     time.Now,
		signals: make(chan func(context.Context), signalBuffer),
	}
}

// Run consumes events until ctx ends or events is closed. Pending background
// work is cancelled through ctx and awaited before Run returns.
func (s *Service) Run(ctx context.Context, events <-chan printer.Event) error {
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ctx, ev)
		case fn := <-s.signals:
			fn(ctx)
		}
	}
}

func (s *Service) drain() {
	s.settle()
	s.bg.Wait()
}

// Wait blocks until background finalize work has finished.
func (s *Service) Wait() { s.bg.Wait() }

// Handle applies one printer event. It must not run concurrently with Run.
func (s *Service) Handle(ctx context.Context, ev printer.Event) {
	snap := ev.Snapshot
	job, hasJob := s.repo.Current()

	switch {
	case snap.State == moonraker.StatePrinting:
		if hasJob && ev.Changed && !ev.Prev.Active() {
			// The end of the previous job was never observed.
			s.finish(ctx, job, ev.Prev.State)
			hasJob = false
		}
		if !hasJob {
			job = s.start(ctx, snap)
		}
		s.checkLastLayer(ctx, job, snap)
	case ev.Changed && snap.State == moonraker.StatePaused:
		s.log.Info("print paused", slog.String("job", job.Name))
	case ev.Changed && hasJob && finished(snap.State):
		s.finish(ctx, job, snap.State)
	}
	s.metrics.SetActiveJobs(s.repo.ActiveJobCount())
}

func finished(st moonraker.State) bool {
	return st == moonraker.StateComplete || st == moonraker.StateIdle || st == moonraker.StateError
}

func (s *Service) start(ctx context.Context, snap moonraker.Snapshot) Job {
	name := s.resolveName(ctx, snap)
	job := Job{
		ID:        JobID(uuid.NewString()),
		Name:      name,
		Filename:  snap.Filename,
		StartedAt: s.now().UTC(),
	}
	session, err := s.deps.Timelapses.Start(name, snap.Filename)
	if err != nil {
		job.LastError = err.Error()
		s.log.Warn("timelapse start failed", slog.String("job", name), slog.String("error", err.Error()))
	} else {
		job.Session = session
		if err := s.deps.Timelapses.Capture(ctx, session); err != nil {
			s.log.Warn("initial timelapse frame failed", slog.String("session", session), slog.String("error", err.Error()))
		}
	}
	if err := s.repo.Create(job); err != nil {
		s.log.Error("record job", slog.String("error", err.Error()))
	}
	s.metrics.JobEvent("started")
	s.log.Info("print started",
		slog.String("job", name),
		slog.String("filename", snap.Filename),
		slog.String("session", job.Session))

	if s.deps.Runtime.AutoBroadcast.Load() {
		_ = s.goLive(ctx, job.ID)
	}
	job, _ = s.repo.Get(job.ID)
	return job
}

// resolveName prefers the queue head, then the printing filename, then the
// newest history entry, then a timestamp.
func (s *Service) resolveName(ctx context.Context, snap moonraker.Snapshot) string {
	if s.deps.Jobs != nil {
		lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()
		if q, err := s.deps.Jobs.JobQueueHead(lctx); err == nil {
			if q.Filename != "" {
				return q.Filename
			}
			if q.ID != "" {
				return q.ID
			}
		}
		if snap.Filename != "" {
			return snap.Filename
		}
		if f, err := s.deps.Jobs.LatestHistoryFilename(lctx); err == nil && f != "" {
			return f
		}
	} else if snap.Filename != "" {
		return snap.Filename
	}
	return "print_" + s.now().Format("20060102_150405")
}

func (s *Service) checkLastLayer(ctx context.Context, job Job, snap moonraker.Snapshot) {
	if job.ID == "" || job.LastLayer || !s.opts.LastLayer.Reached(snap) {
		return
	}
	first, err := s.repo.MarkLastLayer(job.ID)
	if err != nil || !first {
		return
	}
	s.metrics.JobEvent("last_layer")
	s.log.Info("last layer reached, finalizing timelapse early",
		slog.String("job", job.Name),
		slog.Int("layer", snap.CurrentLayer),
		slog.Int("layers", snap.TotalLayers),
		slog.Float64("progress", snap.Progress))
	if started, _ := s.repo.BeginFinalize(job.ID); started {
		s.finalizeAsync(ctx, job)
	}
}

func (s *Service) finish(ctx context.Context, job Job, state moonraker.State) {
	s.settle()
	if b := s.deps.Broadcasts; b != nil && b.State().Active() && s.deps.Runtime.EndStreamAfterPrint.Load() {
		if s.deps.Runtime.EndAfterSong.Load() && s.audioPlaying() {
			s.log.Info("broadcast end deferred until the current track completes")
		} else {
			_ = s.endBroadcast(ctx)
		}
	}
	if started, _ := s.repo.BeginFinalize(job.ID); started {
		s.finalizeAsync(ctx, job)
	}
	_ = s.repo.End(job.ID)
	s.metrics.JobEvent("ended")
	s.log.Info("print ended", slog.String("job", job.Name), slog.String("state", string(state)))
}

func (s *Service) audioPlaying() bool {
	if s.deps.Player == nil {
		return false
	}
	st := s.deps.Player.Status()
	return st.Enabled && st.Playing && st.Running
}

func (s *Service) finalizeAsync(ctx context.Context, job Job) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.finalize(ctx, job)
	}()
}

func (s *Service) finalize(ctx context.Context, job Job) {
	if job.Session == "" {
		_ = s.repo.CompleteFinalize(job.ID, FinalizeFailed, "", "", errors.New("no timelapse session"))
		return
	}
	video, err := s.deps.Timelapses.Stop(ctx, job.Session)
	if err != nil {
		s.log.Warn("timelapse finalize failed", slog.String("session", job.Session), slog.String("error", err.Error()))
		_ = s.repo.CompleteFinalize(job.ID, FinalizeFailed, "", "", err)
		s.metrics.JobEvent("finalize_failed")
		return
	}
	state, videoID := FinalizeFinalized, ""
	var cause error
	if s.deps.Runtime.AutoUpload.Load() && s.deps.Uploader != nil {
		id, err := s.deps.Uploader.Upload(ctx, job.Session)
		if err != nil {
			cause = err
			s.log.Warn("timelapse upload failed", slog.String("session", job.Session), slog.String("error", err.Error()))
		} else {
			state, videoID = FinalizeUploaded, id
		}
	}
	_ = s.repo.CompleteFinalize(job.ID, state, video, videoID, cause)
	s.metrics.JobEvent("finalized")
}

// goLive creates a broadcast, starts the relay and begins the live
// transition in the background. A failure leaves the timelapse untouched.
func (s *Service) goLive(ctx context.Context, id JobID) error {
	b := s.deps.Broadcasts
	if b == nil {
		return ErrNoBroadcaster
	}
	ingest, err := b.Create(ctx)
	if err != nil {
		s.log.Warn("broadcast start failed, timelapse continues", slog.String("error", err.Error()))
		s.recordError(id, err)
		s.metrics.JobEvent("broadcast_failed")
		return err
	}
	if err := s.deps.Relay.Start(ctx, ingest.URL()); err != nil {
		b.MarkError(err)
		s.recordError(id, err)
		return err
	}
	if id != "" {
		_ = s.repo.Update(id, func(j *Job) { j.Broadcast = true })
	}
	s.metrics.JobEvent("broadcast_started")
	s.transition(ctx)
	return nil
}

// transition runs TransitionWhenReady until it finishes or the next
// lifecycle action settles it.
func (s *Service) transition(ctx context.Context) {
	s.settle()
	actx, cancel := context.WithCancel(ctx)
	a := &action{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.golive = a
	s.mu.Unlock()
	go func() {
		defer close(a.done)
		defer cancel()
		if err := s.deps.Broadcasts.TransitionWhenReady(actx, s.opts.MaxWait, s.opts.MaxAttempts); err != nil {
			if actx.Err() != nil {
				return
			}
			s.log.Error("broadcast did not go live", slog.String("error", err.Error()))
			return
		}
		s.log.Info("broadcast is live", slog.String("watch_url", s.deps.Broadcasts.State().WatchURL))
	}()
}

// settle cancels a pending live transition and waits for it.
func (s *Service) settle() {
	s.mu.Lock()
	a := s.golive
	s.golive = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (s *Service) endBroadcast(ctx context.Context) error {
	err := s.deps.Broadcasts.End(ctx)
	s.deps.Relay.Stop()
	if err != nil {
		s.log.Warn("broadcast end failed", slog.String("error", err.Error()))
		return err
	}
	s.metrics.JobEvent("broadcast_ended")
	s.log.Info("broadcast ended")
	return nil
}

func (s *Service) recordError(id JobID, err error) {
	if id == "" {
		return
	}
	_ = s.repo.Update(id, func(j *Job) { j.LastError = err.Error() })
}

// signal queues fn on the event loop. It never blocks.
func (s *Service) signal(fn func(context.Context)) {
	select {
	case s.signals <- fn:
	default:
		s.log.Warn("orchestrator signal dropped, event loop busy")
	}
}

// do runs fn on the event loop and returns its result. fn receives the
// loop's context, so it outlives a cancelled caller.
func (s *Service) do(ctx context.Context, fn func(context.Context) error) error {
	res := make(chan error, 1)
	select {
	case s.signals <- func(loop context.Context) { res <- fn(loop) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrackCompleted is the audio track-completion callback. When end-after-song
// is armed it ends the active broadcast and disarms the toggle.
func (s *Service) TrackCompleted(t audio.Track) {
	s.signal(func(ctx context.Context) {
		if !s.deps.Runtime.EndAfterSong.Load() {
			return
		}
		b := s.deps.Broadcasts
		if b == nil || !b.State().Active() {
			return
		}
		s.log.Info("track completed, ending broadcast", slog.String("track", t.Name))
		s.settle()
		s.deps.Runtime.EndAfterSong.Store(false)
		_ = s.endBroadcast(ctx)
	})
}

// Escalate is the relay failure callback. The broadcast moves to error.
func (s *Service) Escalate(err error) {
	if b := s.deps.Broadcasts; b != nil {
		b.MarkError(err)
	}
	if job, ok := s.repo.Current(); ok {
		s.recordError(job.ID, err)
	}
	s.metrics.JobEvent("relay_failed")
	s.log.Error("ingest relay escalated", slog.String("error", err.Error()))
}

// StartBroadcast creates a broadcast for the current job, or a standalone
// one when no print is running.
func (s *Service) StartBroadcast(ctx context.Context) error {
	return s.do(ctx, func(loop context.Context) error {
		b := s.deps.Broadcasts
		if b == nil {
			return ErrNoBroadcaster
		}
		if b.State().Active() {
			return broadcast.ErrActive
		}
		job, _ := s.repo.Current()
		return s.goLive(loop, job.ID)
	})
}

// StopBroadcast ends the broadcast and the relay.
func (s *Service) StopBroadcast(ctx context.Context) error {
	return s.do(ctx, func(loop context.Context) error {
		if s.deps.Broadcasts == nil {
			return ErrNoBroadcaster
		}
		s.settle()
		return s.endBroadcast(loop)
	})
}

// GoLiveNow skips the ingestion wait.
func (s *Service) GoLiveNow(ctx context.Context) error {
	return s.do(ctx, func(loop context.Context) error {
		if s.deps.Broadcasts == nil {
			return ErrNoBroadcaster
		}
		s.settle()
		return s.deps.Broadcasts.ForceGoLive(loop)
	})
}

// RepairBroadcast replaces the broadcast and restarts the relay on the new
// stream key.
func (s *Service) RepairBroadcast(ctx context.Context) error {
	return s.do(ctx, func(loop context.Context) error {
		b := s.deps.Broadcasts
		if b == nil {
			return ErrNoBroadcaster
		}
		s.settle()
		s.deps.Relay.Stop()
		ingest, err := b.Repair(loop)
		if err != nil {
			return err
		}
		if err := s.deps.Relay.Start(loop, ingest.URL()); err != nil {
			b.MarkError(err)
			return err
		}
		s.metrics.JobEvent("broadcast_repaired")
		s.transition(loop)
		return nil
	})
}

// Current returns the job being printed.
func (s *Service) Current() (Job, bool) { return s.repo.Current() }

// Jobs returns the tracked jobs, newest first.
func (s *Service) Jobs() []Job { return s.repo.List() }

// ActiveJobCount returns the number of jobs still printing.
func (s *Service) ActiveJobCount() int { return s.repo.ActiveJobCount() }
