// Package broadcast drives a single live broadcast on the remote provider
// through create, bind, ingestion wait, go-live and end.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
	"printstreamer/internal/ratelimit"
)

// Lifecycle is the local broadcast state.
type Lifecycle string

const (
	LifecycleNone           Lifecycle = "none"
	LifecycleCreated        Lifecycle = "created"
	LifecycleBound          Lifecycle = "bound"
	LifecycleAwaitingIngest Lifecycle = "awaiting-ingest"
	LifecycleLive           Lifecycle = "live"
	LifecycleEnding         Lifecycle = "ending"
	LifecycleEnded          Lifecycle = "ended"
	LifecycleError          Lifecycle = "error"
)

// Lifecycles lists every state, for the state gauge.
var Lifecycles = []string{
	string(LifecycleNone), string(LifecycleCreated), string(LifecycleBound),
	string(LifecycleAwaitingIngest), string(LifecycleLive), string(LifecycleEnding),
	string(LifecycleEnded), string(LifecycleError),
}

const (
	DefaultMaxWait     = 180 * time.Second
	DefaultMaxAttempts = 12

	ingestPollInterval = 2 * time.Second
	privacyTTL         = 30 * time.Second
)

// State is a snapshot of the controller.
type State struct {
	BroadcastID string    `json:"broadcastId,omitempty"`
	StreamID    string    `json:"streamId,omitempty"`
	IngestURL   string    `json:"ingestUrl,omitempty"`
	StreamKey   string    `json:"-"`
	Lifecycle   Lifecycle `json:"lifecycle"`
	Privacy     string    `json:"privacy,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	LiveAt      time.Time `json:"liveAt,omitempty"`
	WatchURL    string    `json:"watchUrl,omitempty"`
}

// Active reports whether a broadcast exists and has not ended.
func (s State) Active() bool {
	switch s.Lifecycle {
	case LifecycleCreated, LifecycleBound, LifecycleAwaitingIngest, LifecycleLive:
		return true
	}
	return false
}

// Ingest is where the encoder pushes the stream.
type Ingest struct {
	BroadcastID string `json:"broadcastId"`
	IngestURL   string `json:"ingestUrl"`
	StreamKey   string `json:"-"`
}

// URL joins the ingest address and the stream key.
func (i Ingest) URL() string {
	if i.StreamKey == "" {
		return i.IngestURL
	}
	return fmt.Sprintf("%s/%s", trimSlash(i.IngestURL), i.StreamKey)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Settings configures a Controller.
type Settings struct {
	Broadcast   BroadcastSpec
	MaxWait     time.Duration
	MaxAttempts int
}

// Controller owns one broadcast at a time. Lifecycle operations are
// serialized.
type Controller struct {
	p        Provider
	lim      *ratelimit.Limiter
	settings Settings
	log      *slog.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
	poll     time.Duration

	op sync.Mutex

	mu sync.RWMutex
	st State
}

// NewController returns a Controller in LifecycleNone.
func NewController(p Provider, lim *ratelimit.Limiter, settings Settings, log *slog.Logger, m *metrics.Metrics) *Controller {
	if settings.MaxWait <= 0 {
		settings.MaxWait = DefaultMaxWait
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = DefaultMaxAttempts
	}
	c := &Controller{
		p:        p,
		lim:      lim,
		settings: settings,
		log:      logger.WithComponent(log, "broadcast"),
		metrics:  m,
		sleep:    sleepCtx,
		poll:     ingestPollInterval,
		st:       State{Lifecycle: LifecycleNone},
	}
	m.SetBroadcastState(string(LifecycleNone), Lifecycles)
	return c
}

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

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st
}

func (c *Controller) update(fn func(*State)) State {
	c.mu.Lock()
	prev := c.st.Lifecycle
	fn(&c.st)
	st := c.st
	c.mu.Unlock()
	if st.Lifecycle != prev {
		c.log.Info("broadcast state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(st.Lifecycle)),
			slog.String("broadcast_id", st.BroadcastID))
		c.metrics.SetBroadcastState(string(st.Lifecycle), Lifecycles)
	}
	return st
}

func (c *Controller) setLifecycle(l Lifecycle) {
	c.update(func(s *State) { s.Lifecycle = l })
}

func (c *Controller) fail(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	var ae *AuthError
	permanent := (errors.As(err, &pe) && !pe.Retryable()) || errors.As(err, &ae)
	c.update(func(s *State) {
		s.LastError = err.Error()
		if permanent {
			s.Lifecycle = LifecycleError
		}
	})
	return err
}

func privacyKey(id string) string { return "privacy:" + id }

// call runs one provider call through the rate limiter.
func call[T any](ctx context.Context, c *Controller, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	return ratelimit.Execute(ctx, c.lim, key, ttl, fn)
}

func callErr(ctx context.Context, c *Controller, fn func(context.Context) error) error {
	_, err := call(ctx, c, "", 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Authenticate loads or obtains credentials.
func (c *Controller) Authenticate(ctx context.Context) error {
	if err := c.p.Authenticate(ctx); err != nil {
		return c.fail(err)
	}
	return nil
}

// Create creates a broadcast and an ingest stream and binds them.
func (c *Controller) Create(ctx context.Context) (Ingest, error) {
	c.op.Lock()
	defer c.op.Unlock()
	return c.create(ctx)
}

func (c *Controller) create(ctx context.Context) (Ingest, error) {
	if st := c.State(); st.Active() {
		return Ingest{}, ErrActive
	}
	spec := c.settings.Broadcast
	if prev := c.State(); prev.BroadcastID != "" {
		c.lim.Invalidate(privacyKey(prev.BroadcastID))
	}
	c.update(func(s *State) { *s = State{Lifecycle: LifecycleNone} })

	id, err := call(ctx, c, "", 0, func(ctx context.Context) (string, error) {
		return c.p.InsertBroadcast(ctx, spec)
	})
	if err != nil {
		return Ingest{}, c.fail(err)
	}
	c.update(func(s *State) {
		s.BroadcastID = id
		s.Privacy = spec.Privacy
		s.CreatedAt = time.Now()
		s.WatchURL = "https://www.youtube.com/watch?v=" + id
		s.Lifecycle = LifecycleCreated
	})

	stream, err := call(ctx, c, "", 0, func(ctx context.Context) (StreamInfo, error) {
		return c.p.InsertStream(ctx, spec.Title)
	})
	if err != nil {
		return Ingest{}, c.abandon(err)
	}
	if err := callErr(ctx, c, func(ctx context.Context) error { return c.p.Bind(ctx, id, stream.ID) }); err != nil {
		return Ingest{}, c.abandon(err)
	}
	c.update(func(s *State) {
		s.StreamID = stream.ID
		s.IngestURL = stream.IngestURL
		s.StreamKey = stream.StreamKey
		s.Lifecycle = LifecycleBound
	})
	return Ingest{BroadcastID: id, IngestURL: stream.IngestURL, StreamKey: stream.StreamKey}, nil
}

// abandon records a failure after the broadcast was inserted. The half-built
// broadcast is dropped so the next Create starts over instead of returning
// ErrActive.
func (c *Controller) abandon(err error) error {
	err = c.fail(err)
	st := c.update(func(s *State) {
		if s.Lifecycle != LifecycleError {
			s.Lifecycle = LifecycleNone
		}
		s.BroadcastID, s.WatchURL = "", ""
		s.StreamID, s.IngestURL, s.StreamKey = "", "", ""
	})
	c.log.Warn("broadcast setup failed, dropping unbound broadcast",
		slog.String("lifecycle", string(st.Lifecycle)),
		slog.String("error", err.Error()))
	return err
}

// WaitForIngestion polls the stream status every 2 s until it is active or
// timeout elapses.
func (c *Controller) WaitForIngestion(ctx context.Context, streamID string, timeout time.Duration) error {
	if streamID == "" {
		return ErrNoBroadcast
	}
	if st := c.State(); st.Lifecycle == LifecycleBound {
		c.setLifecycle(LifecycleAwaitingIngest)
	}
	status, ok, err := ratelimit.PollUntil(ctx, c.lim,
		func(ctx context.Context) (string, error) { return c.p.StreamStatus(ctx, streamID) },
		func(s string) bool { return s == StreamActive },
		timeout, c.poll)
	if ok {
		c.log.Info("ingestion active", slog.String("stream_id", streamID))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIngestTimeout, err)
	}
	return fmt.Errorf("%w: last status %q", ErrIngestTimeout, status)
}

// TransitionWhenReady waits up to maxWait for ingestion and then attempts the
// live transition up to maxAttempts times with a 2·attempt second backoff.
// It returns nil exactly when the broadcast ends up live.
func (c *Controller) TransitionWhenReady(ctx context.Context, maxWait time.Duration, maxAttempts int) error {
	c.op.Lock()
	defer c.op.Unlock()
	if maxWait <= 0 {
		maxWait = c.settings.MaxWait
	}
	if maxAttempts <= 0 {
		maxAttempts = c.settings.MaxAttempts
	}
	st := c.State()
	if st.BroadcastID == "" || !st.Active() {
		return ErrNoBroadcast
	}
	if st.Lifecycle == LifecycleLive {
		return nil
	}

	if err := c.WaitForIngestion(ctx, st.StreamID, maxWait); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("going live without confirmed ingestion", slog.String("error", err.Error()))
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		live, err := c.tryLive(ctx, st.BroadcastID)
		if live {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !IsRetryable(err) && !HasReason(err, ReasonInvalidTransition) && !HasReason(err, ReasonRedundantTransition) {
			return c.fail(err)
		}
		backoff := time.Duration(2*attempt) * time.Second
		c.log.Debug("live transition not ready",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", backoff),
			slog.String("error", errString(err)))
		if attempt < maxAttempts {
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrNotLive
	}
	err := fmt.Errorf("%w after %d attempts: %v", ErrNotLive, maxAttempts, lastErr)
	c.update(func(s *State) {
		s.Lifecycle = LifecycleError
		s.LastError = err.Error()
	})
	return err
}

// tryLive attempts one transition. A redundant or invalid transition counts
// as success when the provider already reports live or liveStarting.
func (c *Controller) tryLive(ctx context.Context, id string) (bool, error) {
	err := callErr(ctx, c, func(ctx context.Context) error { return c.p.Transition(ctx, id, RemoteLive) })
	if err == nil {
		c.markLive()
		return true, nil
	}
	if HasReason(err, ReasonRedundantTransition) || HasReason(err, ReasonInvalidTransition) {
		lc, lerr := call(ctx, c, "", 0, func(ctx context.Context) (string, error) { return c.p.Lifecycle(ctx, id) })
		if lerr == nil && (lc == RemoteLive || lc == RemoteLiveStarting) {
			c.log.Info("transition reported as redundant, broadcast already live", slog.String("lifecycle", lc))
			c.markLive()
			return true, nil
		}
	}
	return false, err
}

func (c *Controller) markLive() {
	c.update(func(s *State) {
		s.Lifecycle = LifecycleLive
		s.LiveAt = time.Now()
		s.LastError = ""
	})
}

// ForceGoLive attempts the live transition once without waiting for ingestion.
func (c *Controller) ForceGoLive(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	st := c.State()
	if st.BroadcastID == "" || !st.Active() {
		return ErrNoBroadcast
	}
	live, err := c.tryLive(ctx, st.BroadcastID)
	if live {
		return nil
	}
	if err == nil {
		err = ErrNotLive
	}
	return c.fail(err)
}

// End completes the current broadcast.
func (c *Controller) End(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.end(ctx)
}

func (c *Controller) end(ctx context.Context) error {
	st := c.State()
	if st.BroadcastID == "" {
		return ErrNoBroadcast
	}
	if st.Lifecycle == LifecycleEnded {
		return nil
	}
	c.setLifecycle(LifecycleEnding)
	err := callErr(ctx, c, func(ctx context.Context) error { return c.p.Transition(ctx, st.BroadcastID, RemoteComplete) })
	if err != nil && !HasReason(err, ReasonRedundantTransition) {
		// A broadcast that never went live cannot be completed; it is
		// abandoned instead.
		if !(HasReason(err, ReasonInvalidTransition) && st.Lifecycle != LifecycleLive) {
			return c.fail(err)
		}
	}
	c.update(func(s *State) {
		s.Lifecycle = LifecycleEnded
		s.LastError = ""
	})
	return nil
}

// Repair ends the current broadcast, best effort, and creates a fresh one.
// The caller restarts the ingest bridge on the returned Ingest.
func (c *Controller) Repair(ctx context.Context) (Ingest, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if st := c.State(); st.BroadcastID != "" && st.Lifecycle != LifecycleEnded {
		if err := c.end(ctx); err != nil {
			c.log.Warn("repair: ending previous broadcast failed", slog.String("error", err.Error()))
		}
	}
	c.update(func(s *State) { *s = State{Lifecycle: LifecycleNone} })
	return c.create(ctx)
}

// MarkError records a failure reported by another component, such as the
// ingest bridge giving up.
func (c *Controller) MarkError(err error) {
	c.update(func(s *State) {
		s.Lifecycle = LifecycleError
		s.LastError = err.Error()
	})
}

// Reset forgets the current broadcast.
func (c *Controller) Reset() {
	c.update(func(s *State) { *s = State{Lifecycle: LifecycleNone} })
}

// UpdatePrivacy changes the privacy of the current broadcast.
func (c *Controller) UpdatePrivacy(ctx context.Context, privacy string) error {
	if !validPrivacy(privacy) {
		return fmt.Errorf("%w %q", ErrInvalidPrivacy, privacy)
	}
	st := c.State()
	if st.BroadcastID == "" {
		return ErrNoBroadcast
	}
	if err := callErr(ctx, c, func(ctx context.Context) error { return c.p.SetPrivacy(ctx, st.BroadcastID, privacy) }); err != nil {
		return err
	}
	c.lim.Invalidate(privacyKey(st.BroadcastID))
	c.update(func(s *State) { s.Privacy = privacy })
	return nil
}

// GetPrivacy returns the provider's view of the current broadcast privacy.
func (c *Controller) GetPrivacy(ctx context.Context) (string, error) {
	st := c.State()
	if st.BroadcastID == "" {
		return "", ErrNoBroadcast
	}
	p, err := call(ctx, c, privacyKey(st.BroadcastID), privacyTTL, func(ctx context.Context) (string, error) {
		return c.p.GetPrivacy(ctx, st.BroadcastID)
	})
	if err != nil {
		return "", err
	}
	c.update(func(s *State) { s.Privacy = p })
	return p, nil
}

// SendChatMessage posts text to the live chat of the current broadcast.
func (c *Controller) SendChatMessage(ctx context.Context, text string) error {
	st := c.State()
	if st.BroadcastID == "" {
		return ErrNoBroadcast
	}
	return callErr(ctx, c, func(ctx context.Context) error { return c.p.SendChatMessage(ctx, st.BroadcastID, text) })
}

// SetThumbnail sets the thumbnail of videoID, or of the current broadcast
// when videoID is empty.
func (c *Controller) SetThumbnail(ctx context.Context, videoID string, image io.Reader) error {
	if videoID == "" {
		videoID = c.State().BroadcastID
	}
	if videoID == "" {
		return ErrNoBroadcast
	}
	return callErr(ctx, c, func(ctx context.Context) error { return c.p.SetThumbnail(ctx, videoID, image) })
}

// UploadVideo uploads media and returns the new video id.
func (c *Controller) UploadVideo(ctx context.Context, spec VideoSpec, media io.Reader) (string, error) {
	return call(ctx, c, "", 0, func(ctx context.Context) (string, error) { return c.p.UploadVideo(ctx, spec, media) })
}

// EnsurePlaylist returns the id of the playlist called name, creating it if
// needed. Results are cached for the process lifetime.
func (c *Controller) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	return call(ctx, c, "playlist:"+name, 24*time.Hour, func(ctx context.Context) (string, error) {
		return c.p.EnsurePlaylist(ctx, name, privacy)
	})
}

// AddVideoToPlaylist appends videoID to playlistID.
func (c *Controller) AddVideoToPlaylist(ctx context.Context, playlistID, videoID string) error {
	return callErr(ctx, c, func(ctx context.Context) error { return c.p.AddVideoToPlaylist(ctx, playlistID, videoID) })
}

func validPrivacy(p string) bool {
	switch p {
	case "public", "unlisted", "private":
		return true
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
