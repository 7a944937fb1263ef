package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"printstreamer/internal/encoder"
	"printstreamer/internal/platform/logger"
)

const (
	// MaxIngestRetries bounds respawns of the ingest encoder after a broken
	// pipe before the failure is escalated.
	MaxIngestRetries = 3
	ingestBackoff    = 1500 * time.Millisecond
	// A relay that has run this long is considered healthy again.
	ingestStable = 30 * time.Second
)

// ErrIngestGaveUp is passed to the escalation callback once retries are
// exhausted.
var ErrIngestGaveUp = errors.New("ingest relay gave up")

// BridgeStatus is the diagnostic view of the bridge.
type BridgeStatus struct {
	Running   bool   `json:"running"`
	Target    string `json:"target,omitempty"`
	Retries   int    `json:"retries"`
	LastError string `json:"lastError,omitempty"`
	MixPID    int    `json:"mixPid,omitempty"`
	IngestPID int    `json:"ingestPid,omitempty"`
}

// Bridge feeds the mix output into an ingest encoder that relays it to the
// RTMP endpoint. A dead relay is respawned up to MaxIngestRetries times with
// linear backoff, then the escalation callback fires and the bridge stops.
type Bridge struct {
	spawner    encoder.Spawner
	mixArgs    func() []string
	ingestArgs func(target string) []string
	reg        *Registry
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error

	mu         sync.Mutex
	onEscalate func(error)
	cancel     context.CancelFunc
	done       chan struct{}
	target     string
	mix        *encoder.Handle
	ingest     *encoder.Handle
	retries    int
	lastErr    error
}

// NewBridge returns a stopped Bridge. mixArgs must produce MPEG-TS on
// stdout.
func NewBridge(spawner encoder.Spawner, mixArgs func() []string, reg *Registry, log *slog.Logger) *Bridge {
	reg.Register("mix-ingest", KindMix, "overlay+audio", "ingest stdin")
	reg.Register(string(KindIngest), KindIngest, "mix-ingest", "rtmp")
	return &Bridge{
		spawner:    spawner,
		mixArgs:    mixArgs,
		ingestArgs: IngestArgs,
		reg:        reg,
		log:        logger.WithComponent(log, "ingest"),
		sleep:      sleepCtx,
	}
}

// OnEscalate registers fn, called once per Start when the relay cannot be
// kept alive.
func (b *Bridge) OnEscalate(fn func(error)) {
	b.mu.Lock()
	b.onEscalate = fn
	b.mu.Unlock()
}

// Start begins relaying to target, replacing any running relay.
func (b *Bridge) Start(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("ingest target is empty")
	}
	b.Stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.target = target
	b.retries = 0
	b.lastErr = nil
	b.mu.Unlock()

	b.log.Info("ingest relay starting", slog.String("target", redact(target)))
	go func() {
		defer close(done)
		err := b.run(ctx, target)
		b.stopIngest()
		if err == nil {
			return
		}
		b.mu.Lock()
		b.lastErr = err
		fn := b.onEscalate
		b.mu.Unlock()
		b.reg.SetError(string(KindIngest), err)
		b.log.Error("ingest relay failed", slog.String("error", err.Error()))
		if fn != nil {
			fn(err)
		}
	}()
	return nil
}

// Stop ends the relay and waits for both encoders to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.log.Info("ingest relay stopped")
}

// Running reports whether a relay is active.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil && b.lastErr == nil
}

func (b *Bridge) Status() BridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BridgeStatus{
		Running: b.cancel != nil && b.lastErr == nil,
		Target:  redact(b.target),
		Retries: b.retries,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if b.mix != nil && !b.mix.Exited() {
		st.MixPID = b.mix.PID()
	}
	if b.ingest != nil && !b.ingest.Exited() {
		st.IngestPID = b.ingest.PID()
	}
	return st
}

// run keeps the mix encoder alive and pipes its stdout into the relay.
func (b *Bridge) run(ctx context.Context, target string) error {
	w := &relayWriter{b: b, ctx: ctx, target: target}
	for {
		h, err := b.spawner.Spawn(ctx, "mix-ingest", b.mixArgs(), encoder.Options{Stdout: w})
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.mix = h
		b.mu.Unlock()
		b.reg.Attach("mix-ingest", h)
		<-h.Done()
		b.reg.Detach("mix-ingest", h)
		if ctx.Err() != nil {
			return nil
		}
		if err := w.failure(); err != nil {
			return err
		}
		// The mix encoder itself died; that counts against the same budget.
		if err := b.retry(ctx, fmt.Errorf("mix encoder exited")); err != nil {
			return err
		}
		b.stopIngest()
	}
}

// retry consumes one attempt and sleeps attempt·1.5 s. It returns the
// escalation error once the budget is spent.
func (b *Bridge) retry(ctx context.Context, cause error) error {
	b.mu.Lock()
	b.retries++
	n := b.retries
	b.mu.Unlock()
	if n > MaxIngestRetries {
		return fmt.Errorf("%w after %d retries: %v", ErrIngestGaveUp, MaxIngestRetries, cause)
	}
	wait := time.Duration(n) * ingestBackoff
	b.log.Warn("ingest relay broken, retrying",
		slog.Int("attempt", n),
		slog.Duration("retry_in", wait),
		slog.String("cause", cause.Error()))
	// A cancelled sleep is noticed by the caller's next ctx check.
	_ = b.sleep(ctx, wait)
	return nil
}

func (b *Bridge) stopIngest() {
	b.mu.Lock()
	h := b.ingest
	b.ingest = nil
	b.mu.Unlock()
	if h != nil {
		h.Stop(encoder.DefaultGrace)
		b.reg.Detach(string(KindIngest), h)
	}
}

func (b *Bridge) currentIngest(ctx context.Context, target string) (*encoder.Handle, error) {
	b.mu.Lock()
	h := b.ingest
	b.mu.Unlock()
	if h != nil {
		return h, nil
	}
	h, err := b.spawner.Spawn(ctx, string(KindIngest), b.ingestArgs(target), encoder.Options{Stdin: true})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.ingest = h
	b.mu.Unlock()
	b.reg.Attach(string(KindIngest), h)
	return h, nil
}

// relayWriter is the mix encoder's stdout sink.
type relayWriter struct {
	b      *Bridge
	ctx    context.Context
	target string

	mu  sync.Mutex
	err error
}

func (w *relayWriter) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *relayWriter) fail(err error) (int, error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	return 0, err
}

func (w *relayWriter) Write(p []byte) (int, error) {
	for {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		h, err := w.b.currentIngest(w.ctx, w.target)
		if err != nil {
			return w.fail(err)
		}
		err = h.WriteFrame(p)
		if err == nil {
			w.b.mu.Lock()
			if w.b.retries > 0 && time.Since(h.StartedAt()) > ingestStable {
				w.b.retries = 0
			}
			w.b.mu.Unlock()
			return len(p), nil
		}
		if !errors.Is(err, encoder.ErrBrokenPipe) {
			return w.fail(err)
		}
		w.b.stopIngest()
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		if rerr := w.b.retry(w.ctx, err); rerr != nil {
			return w.fail(rerr)
		}
	}
}

// redact hides the stream key, the last path element of the target.
func redact(target string) string {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '/' {
			if i == len(target)-1 {
				return target
			}
			return target[:i+1] + "****"
		}
	}
	return target
}
