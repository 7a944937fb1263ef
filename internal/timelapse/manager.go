// Package timelapse captures periodic frames per print job and assembles
// them into a video.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
)

const (
	DefaultPeriod = time.Minute
	// OutputFPS is the assembled video frame rate.
	OutputFPS = 30
	// FinalHold is how long the last frame stays on screen.
	FinalHold = 2 * time.Second

	tick = time.Second
)

var (
	ErrNotFound     = errors.New("timelapse session not found")
	ErrActive       = errors.New("timelapse session is capturing")
	ErrNotActive    = errors.New("timelapse session is not capturing")
	ErrNoFrames     = errors.New("timelapse session has no frames")
	ErrInvalidFrame = errors.New("invalid frame name")
)

// Snapshotter yields one JPEG from the camera.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// Runner runs a one-shot encoder. *encoder.Supervisor satisfies it.
type Runner interface {
	Run(ctx context.Context, stage string, args []string) error
}

// Info describes a session for listings.
type Info struct {
	Name        string        `json:"name"`
	Active      bool          `json:"active"`
	FrameCount  int           `json:"frameCount"`
	StartedAt   time.Time     `json:"startedAt"`
	LastFrameAt time.Time     `json:"lastFrameAt,omitempty"`
	Videos      []string      `json:"videos"`
	State       FinalizeState `json:"state"`
	JobFilename string        `json:"jobFilename,omitempty"`
}

// Frame is one stored frame.
type Frame struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type session struct {
	name   string
	dir    string
	active atomic.Bool

	// op serializes capture, assembly and frame edits. mu guards the fields
	// below and is never held across I/O that can block for long.
	op          sync.Mutex
	mu          sync.Mutex
	frames      int
	lastCapture time.Time
	meta        Metadata
}

func (s *session) snapshot() (Metadata, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, s.frames, s.lastCapture
}

func (s *session) update(fn func(*session)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

// Manager owns the sessions under one root folder.
type Manager struct {
	root    string
	period  time.Duration
	cam     Snapshotter
	runner  Runner
	log     *slog.Logger
	metrics *metrics.Metrics

	// assembleArgs builds the encoder arguments for a session.
	assembleArgs func(dir, out string, frames int) []string

	slicer *MetadataCache

	mu       sync.RWMutex
	sessions map[string]*session
}

// UseMetadata makes the manager publish slicer metadata fetched by f.
func (m *Manager) UseMetadata(f MetadataFetcher) {
	m.slicer = NewMetadataCache(f)
}

// Lookup returns cached slicer metadata for a job file. It has no result
// until UseMetadata is called.
func (m *Manager) Lookup(ctx context.Context, filename string) (moonraker.FileMetadata, bool) {
	return m.slicer.Lookup(ctx, filename)
}

func NewManager(root string, period time.Duration, cam Snapshotter, runner Runner, log *slog.Logger, m *metrics.Metrics) *Manager {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Manager{
		root:         root,
		period:       period,
		cam:          cam,
		runner:       runner,
		log:          logger.WithComponent(log, "timelapse"),
		metrics:      m,
		assembleArgs: AssembleArgs,
		sessions:     make(map[string]*session),
	}
}

func (m *Manager) Root() string { return m.root }

// AssembleArgs encode frame_%06d.jpg at OutputFPS and clone the last frame
// for FinalHold.
func AssembleArgs(dir, out string, frames int) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin", "-y",
		"-framerate", strconv.Itoa(OutputFPS),
		"-i", filepath.Join(dir, FramePattern),
		"-vf", fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%d,scale=trunc(iw/2)*2:trunc(ih/2)*2,format=yuv420p", int(FinalHold/time.Second)),
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-movflags", "+faststart",
		out,
	}
}

// Start creates a new capturing session. The name is sanitized and made
// unique with a numeric suffix.
func (m *Manager) Start(name, jobFilename string) (string, error) {
	base := Sanitize(name)
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create timelapse root: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := base
	for i := 1; ; i++ {
		_, live := m.sessions[id]
		if !live {
			err := os.Mkdir(filepath.Join(m.root, id), 0o755)
			if err == nil {
				break
			}
			if !errors.Is(err, os.ErrExist) {
				return "", fmt.Errorf("create session dir: %w", err)
			}
		}
		id = base + "_" + strconv.Itoa(i)
	}
	s := &session{
		name: id,
		dir:  filepath.Join(m.root, id),
		meta: Metadata{
			Name:        id,
			JobFilename: jobFilename,
			StartedAt:   time.Now().UTC(),
			State:       StateRunning,
		},
	}
	if err := writeMetadata(s.dir, s.meta); err != nil {
		return "", err
	}
	s.active.Store(true)
	m.sessions[id] = s
	m.metrics.SetActiveSessions(m.activeLocked())
	m.log.Info("timelapse started", slog.String("session", id), slog.String("job", jobFilename))
	return id, nil
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.active.Load() {
			n++
		}
	}
	return n
}

func (m *Manager) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// load returns the live session or opens an archived one from disk.
func (m *Manager) load(id string) (*session, error) {
	if s, ok := m.get(id); ok {
		return s, nil
	}
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return nil, ErrNotFound
	}
	dir := filepath.Join(m.root, id)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, ErrNotFound
	}
	meta, err := readMetadata(dir)
	if err != nil {
		m.log.Warn("unreadable session metadata", slog.String("session", id), slog.String("error", err.Error()))
	}
	s := &session{name: id, dir: dir, meta: meta}
	s.frames = len(listFrames(dir))
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok {
		return cur, nil
	}
	m.sessions[id] = s
	return s, nil
}

// Active returns the names of capturing sessions.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, s := range m.sessions {
		if s.active.Load() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Run captures a frame for every due session until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			for _, id := range m.Active() {
				s, ok := m.get(id)
				if !ok {
					continue
				}
				_, _, last := s.snapshot()
				if s.active.Load() && now.Sub(last) >= m.period {
					if err := m.Capture(ctx, id); err != nil && ctx.Err() == nil {
						m.log.Warn("frame capture failed", slog.String("session", id), slog.String("error", err.Error()))
					}
				}
			}
		}
	}
}

// Capture stores one frame for an active session.
func (m *Manager) Capture(ctx context.Context, id string) error {
	s, ok := m.get(id)
	if !ok {
		return ErrNotFound
	}
	frame, err := m.cam.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if !s.active.Load() {
		return ErrNotActive
	}
	_, n, _ := s.snapshot()
	if err := writeAtomic(filepath.Join(s.dir, FrameName(n)), frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.update(func(s *session) {
		s.frames++
		s.lastCapture = time.Now()
		s.meta.FrameCount = s.frames
	})
	m.metrics.FrameCaptured()
	return nil
}

// Stop halts capture and assembles the video. It returns the video path.
func (m *Manager) Stop(ctx context.Context, id string) (string, error) {
	s, ok := m.get(id)
	if !ok {
		return "", ErrNotFound
	}
	s.op.Lock()
	defer s.op.Unlock()
	if !s.active.CompareAndSwap(true, false) {
		return "", ErrNotActive
	}
	s.update(func(s *session) {
		s.meta.FinishedAt = time.Now().UTC()
		s.meta.State = StateFinalizing
	})
	m.mu.RLock()
	m.metrics.SetActiveSessions(m.activeLocked())
	m.mu.RUnlock()
	_, n, _ := s.snapshot()
	m.log.Info("timelapse stopped", slog.String("session", id), slog.Int("frames", n))
	return m.assembleLocked(ctx, s)
}

// Generate re-assembles the video of a stopped session.
func (m *Manager) Generate(ctx context.Context, id string) (string, error) {
	s, err := m.load(id)
	if err != nil {
		return "", err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.active.Load() {
		return "", ErrActive
	}
	return m.assembleLocked(ctx, s)
}

// assembleLocked must be called with s.op held.
func (m *Manager) assembleLocked(ctx context.Context, s *session) (string, error) {
	n := len(listFrames(s.dir))
	if n == 0 {
		m.save(s, func(s *session) {
			s.frames = 0
			s.meta.FrameCount = 0
			s.meta.State = StateFailed
			s.meta.LastError = ErrNoFrames.Error()
		})
		m.metrics.TimelapseFinalized(false)
		return "", ErrNoFrames
	}
	s.update(func(s *session) {
		s.frames = n
		s.meta.FrameCount = n
	})
	out := filepath.Join(s.dir, s.name+".mp4")
	err := m.runner.Run(ctx, "timelapse", m.assembleArgs(s.dir, out, n))
	if err == nil {
		if _, serr := os.Stat(out); serr != nil {
			err = fmt.Errorf("encoder produced no video: %w", serr)
		}
	}
	if err != nil {
		m.save(s, func(s *session) {
			s.meta.State = StateFailed
			s.meta.LastError = err.Error()
		})
		m.metrics.TimelapseFinalized(false)
		return "", fmt.Errorf("assemble %s: %w", s.name, err)
	}
	m.save(s, func(s *session) {
		s.meta.Video = filepath.Base(out)
		s.meta.State = StateFinalized
		s.meta.LastError = ""
	})
	m.metrics.TimelapseFinalized(true)
	m.log.Info("timelapse assembled", slog.String("session", s.name), slog.String("video", out))
	return out, nil
}

// save applies fn and persists the metadata.
func (m *Manager) save(s *session, fn func(*session)) {
	s.mu.Lock()
	fn(s)
	meta := s.meta
	err := writeMetadata(s.dir, meta)
	s.mu.Unlock()
	if err != nil {
		m.log.Warn("could not write session metadata", slog.String("session", s.name), slog.String("error", err.Error()))
	}
}

// Metadata returns the session metadata.
func (m *Manager) Metadata(id string) (Metadata, error) {
	s, err := m.load(id)
	if err != nil {
		return Metadata{}, err
	}
	meta, _, _ := s.snapshot()
	return meta, nil
}

// UpdateMetadata applies fn to the session metadata and persists it.
func (m *Manager) UpdateMetadata(id string, fn func(*Metadata)) error {
	s, err := m.load(id)
	if err != nil {
		return err
	}
	m.save(s, func(s *session) { fn(&s.meta) })
	return nil
}

// VideoPath returns the assembled video of a session.
func (m *Manager) VideoPath(id string) (string, error) {
	meta, err := m.Metadata(id)
	if err != nil {
		return "", err
	}
	if meta.Video == "" {
		return "", fmt.Errorf("%s: no video", id)
	}
	return filepath.Join(m.root, id, meta.Video), nil
}

// List returns every session under the root, active and archived, newest
// first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := m.load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, m.info(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Manager) info(s *session) Info {
	meta, _, _ := s.snapshot()
	info := Info{
		Name:        s.name,
		Active:      s.active.Load(),
		StartedAt:   meta.StartedAt,
		State:       meta.State,
		JobFilename: meta.JobFilename,
		Videos:      []string{},
	}
	frames := listFrames(s.dir)
	info.FrameCount = len(frames)
	if n := len(frames); n > 0 {
		if fi, err := os.Stat(filepath.Join(s.dir, frames[n-1])); err == nil {
			info.LastFrameAt = fi.ModTime().UTC()
		}
	}
	if info.StartedAt.IsZero() {
		if fi, err := os.Stat(s.dir); err == nil {
			info.StartedAt = fi.ModTime().UTC()
		}
	}
	if vids, _ := filepath.Glob(filepath.Join(s.dir, "*.mp4")); len(vids) > 0 {
		for _, v := range vids {
			info.Videos = append(info.Videos, filepath.Base(v))
		}
	}
	return info
}

// Frames lists the stored frames of a session in capture order.
func (m *Manager) Frames(id string) ([]Frame, error) {
	s, err := m.load(id)
	if err != nil {
		return nil, err
	}
	names := listFrames(s.dir)
	out := make([]Frame, 0, len(names))
	for _, n := range names {
		fi, err := os.Stat(filepath.Join(s.dir, n))
		if err != nil {
			continue
		}
		out = append(out, Frame{Name: n, Size: fi.Size()})
	}
	return out, nil
}

// FramePath resolves a frame name to its file.
func (m *Manager) FramePath(id, name string) (string, error) {
	if _, ok := frameIndex(name); !ok {
		return "", ErrInvalidFrame
	}
	s, err := m.load(id)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", ErrNotFound
	}
	return p, nil
}

// DeleteFrame removes one frame of a stopped session and renumbers the rest
// so the frame pattern stays contiguous.
func (m *Manager) DeleteFrame(id, name string) error {
	if _, ok := frameIndex(name); !ok {
		return ErrInvalidFrame
	}
	s, err := m.load(id)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.active.Load() {
		return ErrActive
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	// Indices only decrease, so renaming in ascending order never collides.
	for i, n := range listFrames(s.dir) {
		want := FrameName(i)
		if n == want {
			continue
		}
		if err := os.Rename(filepath.Join(s.dir, n), filepath.Join(s.dir, want)); err != nil {
			return fmt.Errorf("renumber %s: %w", n, err)
		}
	}
	n := len(listFrames(s.dir))
	m.save(s, func(s *session) {
		s.frames = n
		s.meta.FrameCount = n
	})
	return nil
}

// listFrames returns frame file names sorted by index.
func listFrames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type indexed struct {
		name string
		i    int
	}
	var frames []indexed
	for _, e := range entries {
		if i, ok := frameIndex(e.Name()); ok && !e.IsDir() {
			frames = append(frames, indexed{e.Name(), i})
		}
	}
	sort.Slice(frames, func(a, b int) bool { return frames[a].i < frames[b].i })
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.name
	}
	return out
}
