// Package encoder supervises external encoder children: spawn, stdin frame
// writes, stderr retention, exit observation and process-group teardown.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
)

// DefaultGrace is the time a child gets between the termination request and
// the group kill.
const DefaultGrace = 5 * time.Second

const defaultChunkSize = 16 * 1024

var (
	// ErrBrokenPipe is returned by WriteFrame once the child can no longer
	// accept input. The caller may Spawn a fresh handle.
	ErrBrokenPipe = errors.New("encoder: broken pipe")

	// ErrNoStdin is returned by WriteFrame on handles spawned without stdin.
	ErrNoStdin = errors.New("encoder: stdin not attached")
)

// SpawnError reports that the child could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options controls how a child's stdio is attached.
type Options struct {
	// Stdin attaches a pipe that WriteFrame writes to.
	Stdin bool
	// Stdout receives everything the child writes to stdout. When nil stdout
	// is discarded. A write error from Stdout stops the child.
	Stdout io.Writer
	// ChunkSize is the read size used when draining stdout.
	ChunkSize int
	// StderrLines bounds the stderr ring.
	StderrLines int
	Dir         string
	Env         []string
}

// Supervisor spawns encoder children with a fixed binary.
type Supervisor struct {
	path    string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSupervisor returns a Supervisor for the encoder binary at path.
func NewSupervisor(path string, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &Supervisor{path: path, log: logger.WithComponent(log, "encoder"), metrics: m}
}

// Path returns the encoder binary.
func (s *Supervisor) Path() string { return s.path }

// Handle is the exclusive owner of one child process.
type Handle struct {
	ID    string
	Stage string
	Args  []string

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *Ring
	log     *slog.Logger
	metrics *metrics.Metrics

	writeMu   sync.Mutex
	broken    atomic.Bool
	stdinOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
	started  time.Time
}

// Spawn starts the encoder with args. Cancelling ctx stops the child with
// DefaultGrace.
func (s *Supervisor) Spawn(ctx context.Context, stage string, args []string, opts Options) (*Handle, error) {
	cmd := exec.Command(s.path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	setProcessGroup(cmd)

	h := &Handle{
		ID:       uuid.NewString(),
		Stage:    stage,
		Args:     append([]string(nil), args...),
		cmd:      cmd,
		stderr:   NewRing(opts.StderrLines),
		log:      s.log.With(slog.String("stage", stage)),
		metrics:  s.metrics,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	if opts.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Command: s.path, Err: err}
		}
		h.stdin = stdin
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: s.path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: s.path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: s.path, Err: err}
	}
	h.started = time.Now()
	s.metrics.EncoderSpawned(stage)
	h.log = h.log.With(slog.Int("pid", cmd.Process.Pid))
	h.log.Debug("encoder started", slog.String("args", strings.Join(args, " ")))

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		h.drainStderr(stderr)
	}()
	go func() {
		defer drains.Done()
		h.drainStdout(stdout, opts.Stdout, opts.ChunkSize)
	}()

	go func() {
		drains.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		}
		h.exitedAt = time.Now()
		h.mu.Unlock()
		h.broken.Store(true)
		if err != nil {
			h.log.Debug("encoder exited", slog.String("error", err.Error()))
		} else {
			h.log.Debug("encoder completed")
		}
		s.metrics.EncoderExited(stage, err != nil)
		close(h.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			h.Stop(DefaultGrace)
		case <-h.done:
		}
	}()

	return h, nil
}

func (h *Handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.stderr.Add(line)
	}
}

func (h *Handle) drainStdout(r io.Reader, sink io.Writer, chunkSize int) {
	if sink == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				h.log.Debug("stdout sink closed", slog.String("error", werr.Error()))
				go h.Stop(DefaultGrace)
				_, _ = io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// scanLinesOrCR splits on \n or \r so encoder progress lines are retained
// individually.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// WriteFrame writes b to the child's stdin. Once the child has exited every
// call returns ErrBrokenPipe; a partially written frame is reported the same way.
func (h *Handle) WriteFrame(b []byte) error {
	if h.stdin == nil {
		return ErrNoStdin
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.broken.Load() {
		return ErrBrokenPipe
	}
	if _, err := h.stdin.Write(b); err != nil {
		if !h.broken.Swap(true) {
			h.metrics.BrokenPipe(h.Stage)
		}
		return ErrBrokenPipe
	}
	return nil
}

// CloseInput closes stdin so the child sees end of input and can finish on
// its own. A WriteFrame blocked on a child that stopped reading is released
// with ErrBrokenPipe, as are later calls.
func (h *Handle) CloseInput() {
	if h.stdin == nil {
		return
	}
	h.stdinOnce.Do(func() {
		h.broken.Store(true)
		_ = h.stdin.Close()
	})
}

// Stop asks the process group to terminate, closes stdin and kills it once
// grace has elapsed. Stop blocks until the child has exited. It is safe to
// call more than once.
func (h *Handle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		if grace <= 0 {
			grace = DefaultGrace
		}
		select {
		case <-h.done:
			return
		default:
		}
		// The group is signalled before stdin is touched: a child that is
		// not reading must not hold up its own termination.
		terminateGroup(h.cmd)
		h.CloseInput()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.log.Warn("encoder did not exit within grace, killing process group")
			killGroup(h.cmd)
		}
	})
	<-h.done
}

// Done is closed exactly once, when the child has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the child exits or ctx ends and returns the exit error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once the child has exited.
func (h *Handle) ExitCode() (int, bool) {
	if !h.Exited() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// ExitedAt returns when the child exited, or the zero time.
func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// StartedAt returns when the child was started.
func (h *Handle) StartedAt() time.Time { return h.started }

// RecentStderr returns the retained stderr lines, oldest first.
func (h *Handle) RecentStderr() []string {
	return h.stderr.Lines()
}

// Run spawns a one-shot child and waits for it. A non-zero exit is returned
// with the last stderr lines attached.
func (s *Supervisor) Run(ctx context.Context, stage string, args []string) error {
	h, err := s.Spawn(ctx, stage, args, Options{})
	if err != nil {
		return err
	}
	<-h.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	if code, _ := h.ExitCode(); code != 0 {
		return fmt.Errorf("%s exited with code %d: %s", stage, code, strings.Join(h.stderr.Tail(5), " | "))
	}
	return nil
}

// Output spawns a one-shot child and returns its stdout.
func (s *Supervisor) Output(ctx context.Context, stage string, args []string) ([]byte, error) {
	var buf Buffer
	h, err := s.Spawn(ctx, stage, args, Options{Stdout: &buf})
	if err != nil {
		return nil, err
	}
	<-h.Done()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if code, _ := h.ExitCode(); code != 0 {
		return nil, fmt.Errorf("%s exited with code %d: %s", stage, code, strings.Join(h.stderr.Tail(5), " | "))
	}
	return buf.Bytes(), nil
}

// Buffer is a bytes.Buffer that is safe to use as a Stdout sink while the
// caller reads it.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of the buffered bytes.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
