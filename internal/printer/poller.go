// Package printer polls the printer API and publishes snapshots and state
// transitions to subscribers.
package printer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
)

const (
	DefaultBaseInterval = 10 * time.Second
	DefaultFastInterval = 2 * time.Second

	nearRemaining = 2 * time.Minute
	nearProgress  = 0.95
	nearLayers    = 5

	subscriberBuffer = 16
)

// Source yields printer snapshots.
type Source interface {
	Snapshot(ctx context.Context) (moonraker.Snapshot, error)
}

// Event is published after every successful poll.
type Event struct {
	Prev     moonraker.Snapshot
	Snapshot moonraker.Snapshot
	// Changed is set when the state differs from the previous poll.
	Changed bool
}

// NearCompletion reports whether any of the "about to finish" signals hold.
func NearCompletion(s moonraker.Snapshot) bool {
	if s.State != moonraker.StatePrinting {
		return false
	}
	if s.HasRemaining && s.Remaining <= nearRemaining {
		return true
	}
	if !math.IsNaN(s.Progress) && s.Progress >= nearProgress {
		return true
	}
	return s.TotalLayers > 0 && s.TotalLayers-s.CurrentLayer <= nearLayers
}

// Poller queries a Source on an adaptive cadence.
type Poller struct {
	src     Source
	log     *slog.Logger
	metrics *metrics.Metrics
	base    time.Duration
	fast    time.Duration
	nudge   chan struct{}

	mu     sync.RWMutex
	latest moonraker.Snapshot
	seen   bool
	subs   map[string]chan Event
}

// NewPoller returns a Poller with the default 10 s / 2 s cadence.
func NewPoller(src Source, log *slog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		src:     src,
		log:     logger.WithComponent(log, "printer"),
		metrics: m,
		base:    DefaultBaseInterval,
		fast:    DefaultFastInterval,
		nudge:   make(chan struct{}, 1),
		latest:  moonraker.Snapshot{State: moonraker.StateUnknown},
		subs:    make(map[string]chan Event),
	}
}

// SetIntervals overrides the cadence; zero keeps the current value.
func (p *Poller) SetIntervals(base, fast time.Duration) {
	if base > 0 {
		p.base = base
	}
	if fast > 0 {
		p.fast = fast
	}
}

// Subscribe returns a channel of events and a function that detaches it.
// State transitions are always delivered; plain snapshots are dropped for a
// subscriber whose buffer is full.
func (p *Poller) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	p.mu.Lock()
	p.subs[id] = ch
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Latest returns the most recent snapshot.
func (p *Poller) Latest() moonraker.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Nudge requests an immediate poll.
func (p *Poller) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("printer poller started", slog.Duration("base", p.base), slog.Duration("fast", p.fast))
	for {
		snap, ok := p.Poll(ctx)
		interval := p.base
		if ok && NearCompletion(snap) {
			interval = p.fast
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.nudge:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll queries the source once and publishes the result.
func (p *Poller) Poll(ctx context.Context) (moonraker.Snapshot, bool) {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		p.metrics.PrinterPolled(true)
		if ctx.Err() == nil {
			p.log.Warn("printer poll failed", slog.String("error", err.Error()))
		}
		return snap, false
	}
	p.metrics.PrinterPolled(false)
	p.publish(ctx, snap)
	return snap, true
}

func (p *Poller) publish(ctx context.Context, snap moonraker.Snapshot) {
	p.mu.Lock()
	prev := p.latest
	changed := !p.seen || prev.State != snap.State
	p.latest = snap
	p.seen = true
	subs := make([]chan Event, 0, len(p.subs))
	for _, ch := range p.subs {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	if changed {
		p.log.Info("printer state changed",
			slog.String("from", string(prev.State)),
			slog.String("to", string(snap.State)),
			slog.String("filename", snap.Filename))
	}
	ev := Event{Prev: prev, Snapshot: snap, Changed: changed}
	for _, ch := range subs {
		if changed {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
