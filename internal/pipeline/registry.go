// Package pipeline runs the HTTP-visible media chain: source, overlay, audio
// and mix stages, and the bridge that pushes the mix to the ingest endpoint.
package pipeline

import (
	"sort"
	"sync"

	"printstreamer/internal/encoder"
	"printstreamer/internal/platform/metrics"
)

// Kind tags a stage variant.
type Kind string

const (
	KindSource  Kind = "source"
	KindOverlay Kind = "overlay"
	KindAudio   Kind = "audio"
	KindMix     Kind = "mix"
	KindIngest  Kind = "ingest"
)

// Info is the diagnostic view of one stage.
type Info struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Input        string   `json:"input"`
	Output       string   `json:"output"`
	Running      bool     `json:"running"`
	PID          int      `json:"pid,omitempty"`
	LastError    string   `json:"lastError,omitempty"`
	Subscribers  int      `json:"subscribers"`
	RecentStderr []string `json:"recentStderr,omitempty"`
}

type entry struct {
	info   Info
	order  int
	handle *encoder.Handle
	// probe fills dynamic fields for stages not driven by the registry.
	probe func(*Info)
}

// Registry records every stage and its current encoder.
type Registry struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	stages map[string]*entry
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{metrics: m, stages: make(map[string]*entry)}
}

// Register adds a stage. Registering an existing name replaces its wiring
// but keeps its state.
func (r *Registry) Register(name string, kind Kind, input, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stages[name]; ok {
		e.info.Kind, e.info.Input, e.info.Output = kind, input, output
		return
	}
	r.stages[name] = &entry{
		info:  Info{Name: name, Kind: kind, Input: input, Output: output},
		order: len(r.stages),
	}
}

// Probe attaches fn, which is called on every Snapshot to fill in fields
// owned by another component.
func (r *Registry) Probe(name string, fn func(*Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stages[name]; ok {
		e.probe = fn
	}
}

// Attach records h as the running encoder of name.
func (r *Registry) Attach(name string, h *encoder.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stages[name]; ok {
		e.handle = h
		e.info.LastError = ""
	}
}

// Detach forgets h if it is still the current encoder of name. The stderr
// tail is kept for diagnostics.
func (r *Registry) Detach(name string, h *encoder.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stages[name]; ok && e.handle == h {
		e.info.RecentStderr = h.RecentStderr()
		e.handle = nil
	}
}

func (r *Registry) SetError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.stages[name]; ok {
		if err == nil {
			e.info.LastError = ""
		} else {
			e.info.LastError = err.Error()
		}
	}
}

func (r *Registry) SetSubscribers(name string, n int) {
	r.mu.Lock()
	if e, ok := r.stages[name]; ok {
		e.info.Subscribers = n
	}
	r.mu.Unlock()
	r.metrics.SetStageSubscribers(name, n)
}

// AddSubscribers adjusts the subscriber count of name by delta.
func (r *Registry) AddSubscribers(name string, delta int) {
	r.mu.Lock()
	n := 0
	if e, ok := r.stages[name]; ok {
		e.info.Subscribers += delta
		if e.info.Subscribers < 0 {
			e.info.Subscribers = 0
		}
		n = e.info.Subscribers
	}
	r.mu.Unlock()
	r.metrics.SetStageSubscribers(name, n)
}

// Get returns the current view of one stage.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.Lock()
	e, ok := r.stages[name]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return r.view(e), true
}

// Snapshot returns every stage in registration order.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.stages))
	for _, e := range r.stages {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.view(e))
	}
	return out
}

func (r *Registry) view(e *entry) Info {
	r.mu.Lock()
	info := e.info
	info.RecentStderr = append([]string(nil), e.info.RecentStderr...)
	h := e.handle
	probe := e.probe
	r.mu.Unlock()
	if h != nil {
		info.Running = !h.Exited()
		info.PID = h.PID()
		info.RecentStderr = h.RecentStderr()
	}
	if probe != nil {
		probe(&info)
	}
	return info
}
