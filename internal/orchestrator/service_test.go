package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printstreamer/internal/audio"
	"printstreamer/internal/broadcast"
	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/config"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/printer"
	"printstreamer/internal/timelapse"
)

type fakeTimelapses struct {
	dir string

	mu       sync.Mutex
	started  []string
	captures int
	stops    int
	meta     map[string]*timelapse.Metadata
	startErr error
}

func newFakeTimelapses(t *testing.T) *fakeTimelapses {
	return &fakeTimelapses{dir: t.TempDir(), meta: make(map[string]*timelapse.Metadata)}
}

func (f *fakeTimelapses) Start(name, jobFilename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, name)
	id := fmt.Sprintf("%s_%d", timelapse.Sanitize(name), len(f.started))
	f.meta[id] = &timelapse.Metadata{Name: id, JobFilename: jobFilename, State: timelapse.StateRunning}
	return id, nil
}

func (f *fakeTimelapses) Capture(ctx context.Context, id string) error {
	f.mu.Lock()
	f.captures++
	f.mu.Unlock()
	return nil
}

func (f *fakeTimelapses) Stop(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	out := filepath.Join(f.dir, id+".mp4")
	if err := os.WriteFile(out, []byte("mp4"), 0o644); err != nil {
		return "", err
	}
	f.meta[id].Video = filepath.Base(out)
	f.meta[id].State = timelapse.StateFinalized
	return out, nil
}

func (f *fakeTimelapses) Metadata(id string) (timelapse.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[id]
	if !ok {
		return timelapse.Metadata{}, timelapse.ErrNotFound
	}
	return *m, nil
}

func (f *fakeTimelapses) UpdateMetadata(id string, fn func(*timelapse.Metadata)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[id]
	if !ok {
		return timelapse.ErrNotFound
	}
	fn(m)
	return nil
}

func (f *fakeTimelapses) VideoPath(id string) (string, error) {
	m, err := f.Metadata(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, m.Video), nil
}

func (f *fakeTimelapses) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeBroadcasts struct {
	mu          sync.Mutex
	lifecycle   broadcast.Lifecycle
	createErr   error
	creates     int
	transitions int
	ends        int
	forced      int
	repairs     int
	marked      error
}

func (f *fakeBroadcasts) State() broadcast.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return broadcast.State{Lifecycle: f.lifecycle}
}

func (f *fakeBroadcasts) Create(ctx context.Context) (broadcast.Ingest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return broadcast.Ingest{}, f.createErr
	}
	f.lifecycle = broadcast.LifecycleBound
	return broadcast.Ingest{BroadcastID: "b1", IngestURL: "rtmp://ingest/live2/", StreamKey: "key-1"}, nil
}

func (f *fakeBroadcasts) TransitionWhenReady(ctx context.Context, maxWait time.Duration, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions++
	f.lifecycle = broadcast.LifecycleLive
	return nil
}

func (f *fakeBroadcasts) ForceGoLive(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	f.lifecycle = broadcast.LifecycleLive
	return nil
}

func (f *fakeBroadcasts) End(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.lifecycle = broadcast.LifecycleEnded
	return nil
}

func (f *fakeBroadcasts) Repair(ctx context.Context) (broadcast.Ingest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs++
	f.lifecycle = broadcast.LifecycleBound
	return broadcast.Ingest{BroadcastID: "b2", IngestURL: "rtmp://ingest/live2", StreamKey: "key-2"}, nil
}

func (f *fakeBroadcasts) MarkError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = err
	f.lifecycle = broadcast.LifecycleError
}

func (f *fakeBroadcasts) counts() (creates, transitions, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.transitions, f.ends
}

type fakeRelay struct {
	mu      sync.Mutex
	targets []string
	stops   int
}

func (f *fakeRelay) Start(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return nil
}

func (f *fakeRelay) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

type fakeJobs struct {
	head    moonraker.QueuedJob
	history string
}

func (f fakeJobs) JobQueueHead(ctx context.Context) (moonraker.QueuedJob, error) {
	if f.head.ID == "" && f.head.Filename == "" {
		return moonraker.QueuedJob{}, moonraker.ErrNotFound
	}
	return f.head, nil
}

func (f fakeJobs) LatestHistoryFilename(ctx context.Context) (string, error) {
	if f.history == "" {
		return "", moonraker.ErrNotFound
	}
	return f.history, nil
}

type fakePlayer struct{ playing bool }

func (f fakePlayer) Status() audio.Status {
	return audio.Status{Enabled: true, Playing: f.playing, Running: f.playing}
}

type fakePublisher struct {
	mu        sync.Mutex
	uploads   []broadcast.VideoSpec
	playlists []string
	added     []string
	uploadErr error
}

func (f *fakePublisher) UploadVideo(ctx context.Context, spec broadcast.VideoSpec, media io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	if _, err := io.ReadAll(media); err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, spec)
	return fmt.Sprintf("vid-%d", len(f.uploads)), nil
}

func (f *fakePublisher) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlists = append(f.playlists, name)
	return "pl-1", nil
}

func (f *fakePublisher) AddVideoToPlaylist(ctx context.Context, playlistID, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, playlistID+"/"+videoID)
	return nil
}

type harness struct {
	svc   *Service
	tl    *fakeTimelapses
	bc    *fakeBroadcasts
	relay *fakeRelay
	rt    *config.Runtime
}

func newHarness(t *testing.T, cfg func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		tl:    newFakeTimelapses(t),
		bc:    &fakeBroadcasts{lifecycle: broadcast.LifecycleNone},
		relay: &fakeRelay{},
		rt:    &config.Runtime{},
	}
	deps := Deps{
		Timelapses: h.tl,
		Broadcasts: h.bc,
		Relay:      h.relay,
		Runtime:    h.rt,
	}
	if cfg != nil {
		cfg(&deps)
	}
	opts := Options{LastLayer: LastLayer{Offset: 1, RemainingSeconds: 30, ProgressPercent: 98.5}}
	h.svc = NewService(NewInMemoryRepository(), deps, opts, logger.Discard(), nil)
	h.svc.now = func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) }
	return h
}

func snapshot(state moonraker.State) moonraker.Snapshot {
	return moonraker.Snapshot{State: state, Filename: "benchy.gcode", Progress: math.NaN()}
}

func event(prev, cur moonraker.Snapshot) printer.Event {
	return printer.Event{Prev: prev, Snapshot: cur, Changed: prev.State != cur.State}
}

func TestLastLayer_Reached(t *testing.T) {
	l := LastLayer{Offset: 1, RemainingSeconds: 30, ProgressPercent: 98.5}

	s := moonraker.Snapshot{State: moonraker.StatePrinting, CurrentLayer: 199, TotalLayers: 200,
		Progress: 0.95, Remaining: 120 * time.Second, HasRemaining: true}
	if !l.Reached(s) {
		t.Error("layer 199/200 with offset 1 should trigger")
	}

	s.CurrentLayer = 150
	if l.Reached(s) {
		t.Error("layer 150/200 at 95% with 120s left should not trigger")
	}
	s.Remaining = 25 * time.Second
	if !l.Reached(s) {
		t.Error("25s remaining should trigger")
	}
	s.Remaining, s.Progress = 120*time.Second, 0.986
	if !l.Reached(s) {
		t.Error("98.6% should trigger")
	}
	s.Remaining, s.Progress = 0, 0.95
	if !l.Reached(s) {
		t.Error("an estimate of 0s remaining should trigger")
	}
	s.HasRemaining = false
	if l.Reached(s) {
		t.Error("a missing estimate must not count as 0s remaining")
	}
	s.HasRemaining = true
	s.State = moonraker.StatePaused
	if l.Reached(s) {
		t.Error("paused snapshot must not trigger")
	}
	if l.Reached(moonraker.Snapshot{State: moonraker.StatePrinting, Progress: math.NaN()}) {
		t.Error("snapshot without signals must not trigger")
	}
}

func TestService_start_resolvesQueueHeadAndCaptures(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Jobs = fakeJobs{head: moonraker.QueuedJob{ID: "0001", Filename: "queued_part.gcode"}}
	})
	ctx := context.Background()

	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), snapshot(moonraker.StatePrinting)))

	job, ok := h.svc.Current()
	if !ok {
		t.Fatal("expected a current job")
	}
	if job.Name != "queued_part.gcode" || job.Session == "" || job.Finalize != FinalizeRunning {
		t.Errorf("unexpected job %+v", job)
	}
	if h.tl.captures != 1 {
		t.Errorf("initial captures = %d, want 1", h.tl.captures)
	}
	if creates, _, _ := h.bc.counts(); creates != 0 {
		t.Errorf("broadcast created with auto-broadcast off")
	}
}

func TestService_start_fallbackNames(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Jobs = fakeJobs{history: "from_history.gcode"} })
	ctx := context.Background()
	snap := snapshot(moonraker.StatePrinting)
	snap.Filename = ""

	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), snap))
	if job, _ := h.svc.Current(); job.Name != "from_history.gcode" {
		t.Errorf("name = %q, want history filename", job.Name)
	}

	h2 := newHarness(t, nil)
	h2.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), snap))
	if job, _ := h2.svc.Current(); job.Name != "print_20261015_093000" {
		t.Errorf("name = %q, want timestamp", job.Name)
	}
}

func TestService_lastLayer_finalizesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	idle := snapshot(moonraker.StateIdle)
	printing := snapshot(moonraker.StatePrinting)
	printing.TotalLayers = 200
	printing.CurrentLayer = 10
	h.svc.Handle(ctx, event(idle, printing))

	near := printing
	near.CurrentLayer = 199
	near.Progress = 0.95
	near.Remaining, near.HasRemaining = 120*time.Second, true
	h.svc.Handle(ctx, event(printing, near))
	h.svc.Wait()

	job, ok := h.svc.Current()
	if !ok || !job.LastLayer {
		t.Fatalf("last layer not recorded: %+v", job)
	}
	if job.Finalize != FinalizeFinalized || job.Video == "" {
		t.Errorf("early finalize did not complete: %+v", job)
	}

	last := near
	last.CurrentLayer = 200
	h.svc.Handle(ctx, event(near, last))
	complete := snapshot(moonraker.StateComplete)
	h.svc.Handle(ctx, event(last, complete))
	h.svc.Wait()

	if n := h.tl.stopCount(); n != 1 {
		t.Errorf("timelapse stopped %d times, want 1", n)
	}
	if _, ok := h.svc.Current(); ok {
		t.Error("job still current after completion")
	}
	if jobs := h.svc.Jobs(); len(jobs) != 0 {
		t.Errorf("finished job not removed: %+v", jobs)
	}
}

func TestService_autoBroadcast_lifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.AutoBroadcast.Store(true)
	h.rt.EndStreamAfterPrint.Store(true)
	ctx := context.Background()

	printing := snapshot(moonraker.StatePrinting)
	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), printing))
	h.svc.settle()

	creates, transitions, _ := h.bc.counts()
	if creates != 1 || transitions != 1 {
		t.Fatalf("creates=%d transitions=%d, want 1/1", creates, transitions)
	}
	if len(h.relay.targets) != 1 || h.relay.targets[0] != "rtmp://ingest/live2/key-1" {
		t.Errorf("relay targets = %v", h.relay.targets)
	}
	if job, _ := h.svc.Current(); !job.Broadcast {
		t.Error("job not flagged as broadcasting")
	}

	h.svc.Handle(ctx, event(printing, snapshot(moonraker.StateComplete)))
	h.svc.Wait()
	if _, _, ends := h.bc.counts(); ends != 1 {
		t.Errorf("ends = %d, want 1", ends)
	}
	if h.relay.stops != 1 {
		t.Errorf("relay stops = %d, want 1", h.relay.stops)
	}
	if h.tl.stopCount() != 1 {
		t.Errorf("timelapse not finalized at completion")
	}
}

func TestService_broadcastFailure_timelapseContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.bc.createErr = &broadcast.ProviderError{Code: 403, Reason: "quotaExceeded"}
	h.rt.AutoBroadcast.Store(true)
	ctx := context.Background()

	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), snapshot(moonraker.StatePrinting)))

	job, ok := h.svc.Current()
	if !ok || job.Session == "" {
		t.Fatalf("timelapse should run without broadcast: %+v", job)
	}
	if job.Broadcast || !strings.Contains(job.LastError, "quotaExceeded") {
		t.Errorf("unexpected job %+v", job)
	}
	if len(h.relay.targets) != 0 {
		t.Error("relay started without a broadcast")
	}
}

func TestService_pausedTakesNoAction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	printing := snapshot(moonraker.StatePrinting)
	paused := snapshot(moonraker.StatePaused)

	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), printing))
	h.svc.Handle(ctx, event(printing, paused))
	h.svc.Handle(ctx, event(paused, printing))

	if len(h.tl.started) != 1 || h.tl.stopCount() != 0 {
		t.Errorf("started=%v stops=%d, want one session still capturing", h.tl.started, h.tl.stopCount())
	}
}

func TestService_missedEndStartsFreshJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	printing := snapshot(moonraker.StatePrinting)

	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), printing))
	first, _ := h.svc.Current()
	// The complete poll was missed; the next seen transition is a new print.
	h.svc.Handle(ctx, event(snapshot(moonraker.StateComplete), printing))
	h.svc.Wait()

	second, ok := h.svc.Current()
	if !ok || second.ID == first.ID {
		t.Fatalf("expected a fresh job, got %+v", second)
	}
	if h.tl.stopCount() != 1 {
		t.Errorf("previous session not finalized")
	}
}

func TestService_endAfterSong(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Player = fakePlayer{playing: true} })
	h.rt.AutoBroadcast.Store(true)
	h.rt.EndStreamAfterPrint.Store(true)
	h.rt.EndAfterSong.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan printer.Event)
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx, events) }()

	printing := snapshot(moonraker.StatePrinting)
	events <- event(snapshot(moonraker.StateIdle), printing)
	events <- event(printing, snapshot(moonraker.StateComplete))
	barrier := func() {
		if err := h.svc.do(ctx, func(context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	barrier()
	if _, _, ends := h.bc.counts(); ends != 0 {
		t.Fatalf("broadcast ended before the track completed")
	}

	h.svc.TrackCompleted(audio.Track{Name: "song.mp3"})
	barrier()
	if _, _, ends := h.bc.counts(); ends != 1 {
		t.Errorf("ends = %d after track completion, want 1", ends)
	}
	if h.rt.EndAfterSong.Load() {
		t.Error("end-after-song should be disarmed")
	}

	h.svc.TrackCompleted(audio.Track{Name: "next.mp3"})
	barrier()
	if _, _, ends := h.bc.counts(); ends != 1 {
		t.Errorf("second completion ended again: %d", ends)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestService_escalateMarksError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), snapshot(moonraker.StatePrinting)))

	h.svc.Escalate(errors.New("ingest gave up"))
	if h.bc.State().Lifecycle != broadcast.LifecycleError {
		t.Errorf("lifecycle = %s, want error", h.bc.State().Lifecycle)
	}
	if job, _ := h.svc.Current(); job.LastError != "ingest gave up" {
		t.Errorf("job error = %q", job.LastError)
	}
}

func TestService_manualBroadcastControls(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.svc.Run(ctx, nil) }()

	if err := h.svc.StartBroadcast(ctx); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	if err := h.svc.StartBroadcast(ctx); !errors.Is(err, broadcast.ErrActive) {
		t.Errorf("second StartBroadcast = %v, want ErrActive", err)
	}
	if err := h.svc.RepairBroadcast(ctx); err != nil {
		t.Fatalf("RepairBroadcast: %v", err)
	}
	if last := h.relay.targets[len(h.relay.targets)-1]; last != "rtmp://ingest/live2/key-2" {
		t.Errorf("relay not restarted on the new key: %s", last)
	}
	if err := h.svc.StopBroadcast(ctx); err != nil {
		t.Fatalf("StopBroadcast: %v", err)
	}
	if h.bc.State().Lifecycle != broadcast.LifecycleEnded {
		t.Errorf("lifecycle = %s, want ended", h.bc.State().Lifecycle)
	}

	noProvider := newHarness(t, func(d *Deps) { d.Broadcasts = nil })
	go func() { _ = noProvider.svc.Run(ctx, nil) }()
	if err := noProvider.svc.StartBroadcast(ctx); !errors.Is(err, ErrNoBroadcaster) {
		t.Errorf("expected ErrNoBroadcaster, got %v", err)
	}
}

func TestService_autoUpload(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, nil)
	h.svc.deps.Uploader = NewUploader(pub, h.tl, UploadSettings{Privacy: "unlisted", Playlist: "Prints"}, logger.Discard())
	h.rt.AutoUpload.Store(true)
	ctx := context.Background()

	printing := snapshot(moonraker.StatePrinting)
	h.svc.Handle(ctx, event(snapshot(moonraker.StateIdle), printing))
	job, _ := h.svc.Current()
	h.svc.Handle(ctx, event(printing, snapshot(moonraker.StateComplete)))
	h.svc.Wait()

	if len(pub.uploads) != 1 || pub.uploads[0].Privacy != "unlisted" {
		t.Fatalf("uploads = %+v", pub.uploads)
	}
	if len(pub.added) != 1 || pub.added[0] != "pl-1/vid-1" {
		t.Errorf("playlist additions = %v", pub.added)
	}
	meta, _ := h.tl.Metadata(job.Session)
	if meta.State != timelapse.StateUploaded || meta.UploadedVideoID != "vid-1" {
		t.Errorf("metadata not marked uploaded: %+v", meta)
	}
}

func TestUploader_alreadyUploadedAndFailure(t *testing.T) {
	tl := newFakeTimelapses(t)
	id, _ := tl.Start("vase", "vase.gcode")
	if _, err := tl.Stop(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{uploadErr: errors.New("quota")}
	u := NewUploader(pub, tl, UploadSettings{}, logger.Discard())
	if _, err := u.Upload(context.Background(), id); err == nil {
		t.Fatal("expected upload error")
	}
	if meta, _ := tl.Metadata(id); meta.LastError != "quota" {
		t.Errorf("LastError = %q", meta.LastError)
	}

	_ = tl.UpdateMetadata(id, func(m *timelapse.Metadata) { m.UploadedVideoID = "existing" })
	got, err := u.Upload(context.Background(), id)
	if err != nil || got != "existing" {
		t.Errorf("Upload = %q, %v; want existing id without calling provider", got, err)
	}

	if _, err := NewUploader(nil, tl, UploadSettings{}, logger.Discard()).Upload(context.Background(), id); err == nil {
		t.Error("expected error without provider")
	}
}
