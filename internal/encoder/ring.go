package encoder

import "sync"

// DefaultStderrLines is the number of stderr lines kept per handle.
const DefaultStderrLines = 100

// Ring holds the most recent lines written by a child. When full the oldest
// line is overwritten.
type Ring struct {
	mu       sync.Mutex
	data     []string
	size     int
	capacity int
	head     int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultStderrLines
	}
	return &Ring{data: make([]string, capacity), capacity: capacity}
}

// Add appends a line, replacing the oldest if at capacity.
func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.head] = line
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Lines returns the retained lines oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}
	out := make([]string, 0, r.size)
	start := 0
	if r.size == r.capacity {
		start = r.head
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.data[(start+i)%r.capacity])
	}
	return out
}

// Tail returns at most n of the newest lines.
func (r *Ring) Tail(n int) []string {
	lines := r.Lines()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
