// Package webcam is the single authoritative MJPEG source. It passes the
// upstream camera through and substitutes a fallback frame while the camera
// is unreachable or switched off.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"printstreamer/internal/mjpeg"
	"printstreamer/internal/platform/logger"
)

// DefaultFallbackFPS is the frame rate of the fallback stream.
const DefaultFallbackFPS = 6

const (
	snapshotTimeout = 10 * time.Second
	healthTimeout   = 3 * time.Second
	readChunk       = 32 * 1024

	// DefaultStallTimeout is how long a camera may go silent before the
	// fallback takes over.
	DefaultStallTimeout = 10 * time.Second
	// DefaultRetryInterval spaces reconnect attempts to an unreachable camera.
	DefaultRetryInterval = 5 * time.Second
)

// ErrUpstream wraps failures talking to the camera.
var ErrUpstream = errors.New("webcam upstream unavailable")

// Proxy serves the camera as multipart MJPEG.
type Proxy struct {
	upstream string
	client   *http.Client
	fallback []byte
	interval time.Duration
	stall    time.Duration
	retry    time.Duration
	log      *slog.Logger

	disabled atomic.Bool
	clients  atomic.Int64
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient replaces the client used for upstream requests. The client
// must not set a total Timeout since streams are long lived.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithFallbackFPS sets the fallback frame rate.
func WithFallbackFPS(fps int) Option {
	return func(p *Proxy) {
		if fps > 0 {
			p.interval = time.Second / time.Duration(fps)
		}
	}
}

// WithStallTimeout sets how long a silent camera is tolerated.
func WithStallTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.stall = d
		}
	}
}

// WithRetryInterval sets how often an unreachable camera is retried while a
// client is on the fallback.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.retry = d
		}
	}
}

// NewProxy returns a Proxy for the upstream MJPEG URL. fallback holds the
// JPEG served while the camera is unavailable.
func NewProxy(upstream string, fallback []byte, log *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		upstream: upstream,
		client:   &http.Client{},
		fallback: fallback,
		interval: time.Second / DefaultFallbackFPS,
		stall:    DefaultStallTimeout,
		retry:    DefaultRetryInterval,
		log:      logger.WithComponent(log, "webcam"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetDisabled switches every client between the camera and the fallback.
func (p *Proxy) SetDisabled(disabled bool) {
	if p.disabled.Swap(disabled) != disabled {
		p.log.Info("camera simulation changed", slog.Bool("disabled", disabled))
	}
}

// Toggle flips the disabled flag and returns the new value.
func (p *Proxy) Toggle() bool {
	for {
		old := p.disabled.Load()
		if p.disabled.CompareAndSwap(old, !old) {
			p.log.Info("camera simulation changed", slog.Bool("disabled", !old))
			return !old
		}
	}
}

// Disabled reports whether the fallback is forced.
func (p *Proxy) Disabled() bool { return p.disabled.Load() }

// Clients returns the number of attached clients.
func (p *Proxy) Clients() int { return int(p.clients.Load()) }

// Upstream returns the camera URL.
func (p *Proxy) Upstream() string { return p.upstream }

// Fallback returns the fallback JPEG.
func (p *Proxy) Fallback() []byte { return p.fallback }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.clients.Add(1)
	defer p.clients.Add(-1)
	ctx := r.Context()

	var (
		resp   *http.Response
		cancel context.CancelFunc = func() {}
	)
	if !p.disabled.Load() {
		var uctx context.Context
		uctx, cancel = context.WithCancel(ctx)
		var err error
		if resp, err = p.open(uctx); err != nil {
			p.log.Warn("camera unavailable, serving fallback", slog.String("error", err.Error()))
		}
	}
	defer cancel()

	contentType := mjpeg.ContentType
	if resp != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			contentType = ct
		}
	}
	mjpeg.SetHeaders(w.Header())
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)

	if resp != nil {
		err := p.passThrough(ctx, cancel, w, resp.Body)
		resp.Body.Close()
		if err == nil || ctx.Err() != nil {
			return
		}
		p.log.Warn("camera stream interrupted, switching to fallback", slog.String("error", err.Error()))
		// Close the upstream part before continuing with our own.
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
	}

	// From here every part is written by us with the response's boundary.
	boundary, ok := mjpeg.BoundaryOf(contentType)
	if !ok {
		boundary = mjpeg.Boundary
	}
	mw, err := mjpeg.NewWriterBoundary(w, boundary)
	if err != nil {
		mw = mjpeg.NewWriter(w)
	}
	for p.serveFallback(ctx, mw) {
		err := p.relayFrames(ctx, mw)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.log.Debug("camera relay ended, serving fallback", slog.String("error", err.Error()))
	}
}

var errSwitched = errors.New("camera disabled")

// passThrough copies the camera body to w until either side ends. It returns
// nil when the client went away and an error when the fallback should take
// over. cancel aborts the upstream request and is used by the watchdog.
func (p *Proxy) passThrough(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, body io.Reader) error {
	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	stop := make(chan struct{})
	defer close(stop)
	go p.watchUpstream(stop, cancel, &last)

	fl, _ := w.(http.Flusher)
	buf := make([]byte, readChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			last.Store(time.Now().UnixNano())
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if fl != nil {
				fl.Flush()
			}
		}
		if p.disabled.Load() {
			return errSwitched
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: stream ended", ErrUpstream)
			}
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
}

// relayFrames reopens the camera after a fallback period and re-frames its
// JPEGs into the client's multipart body. It returns nil when the client went
// away and an error when the fallback should take over again.
func (p *Proxy) relayFrames(ctx context.Context, mw *mjpeg.Writer) error {
	uctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resp, err := p.open(uctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	p.log.Info("camera stream resumed")

	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	stop := make(chan struct{})
	defer close(stop)
	go p.watchUpstream(stop, cancel, &last)

	errClient := errors.New("client gone")
	err = mjpeg.ReadFrames(uctx, resp.Body, func(frame []byte) error {
		last.Store(time.Now().UnixNano())
		if p.disabled.Load() {
			return errSwitched
		}
		if err := mw.WriteFrame(frame); err != nil {
			return errClient
		}
		return nil
	})
	switch {
	case errors.Is(err, errClient), ctx.Err() != nil:
		return nil
	case errors.Is(err, errSwitched), p.disabled.Load():
		return errSwitched
	case err == nil:
		return fmt.Errorf("%w: stream ended", ErrUpstream)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

// watchUpstream cancels the upstream request once the camera is switched off
// or has sent nothing for the stall timeout, so a blocked read returns.
func (p *Proxy) watchUpstream(stop <-chan struct{}, cancel context.CancelFunc, last *atomic.Int64) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if p.disabled.Load() || time.Since(time.Unix(0, last.Load())) > p.stall {
			cancel()
			return
		}
	}
}

// serveFallback writes the fallback frame at the fallback rate. It returns
// true when the camera should be tried again: right after it is re-enabled,
// or every retry period while it is enabled but unreachable. It returns false
// once the client leaves.
func (p *Proxy) serveFallback(ctx context.Context, mw *mjpeg.Writer) bool {
	forced := p.disabled.Load()
	started := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := mw.WriteFrame(p.fallback); err != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if p.disabled.Load() {
			forced = true
			continue
		}
		if forced || time.Since(started) >= p.retry {
			return true
		}
	}
}

func (p *Proxy) open(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	return resp, nil
}

// Snapshot returns one JPEG. While disabled the fallback frame is returned.
// Otherwise the camera's snapshot action is tried first, then one frame is
// read from the stream within 10 s.
func (p *Proxy) Snapshot(ctx context.Context) ([]byte, error) {
	if p.disabled.Load() {
		return p.fallback, nil
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if snapURL, ok := snapshotURL(p.upstream); ok {
		b, err := p.fetchJPEG(ctx, snapURL)
		if err == nil {
			return b, nil
		}
		p.log.Debug("snapshot action failed, reading stream", slog.String("error", err.Error()))
	}

	resp, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	frame, err := mjpeg.ReadFrame(ctx, resp.Body, snapshotTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return frame, nil
}

// SnapshotOrFallback is Snapshot that never fails.
func (p *Proxy) SnapshotOrFallback(ctx context.Context) []byte {
	b, err := p.Snapshot(ctx)
	if err != nil {
		p.log.Debug("snapshot failed, using fallback", slog.String("error", err.Error()))
		return p.fallback
	}
	return b
}

func (p *Proxy) fetchJPEG(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, mjpeg.DefaultMaxCarry))
	if err != nil {
		return nil, err
	}
	if len(b) < 4 || b[0] != 0xFF || b[1] != 0xD8 {
		return nil, errors.New("snapshot is not a JPEG")
	}
	return b, nil
}

// snapshotURL maps the mjpg-streamer style stream action to its snapshot
// action.
func snapshotURL(stream string) (string, bool) {
	if strings.Contains(stream, "action=stream") {
		return strings.Replace(stream, "action=stream", "action=snapshot", 1), true
	}
	return "", false
}

// Health probes the camera with a short deadline.
func (p *Proxy) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	resp, err := p.open(ctx)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
