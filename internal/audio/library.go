package audio

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RepeatMode controls what happens at the end of a track or the queue.
type RepeatMode string

const (
	RepeatNone RepeatMode = "none"
	RepeatOne  RepeatMode = "one"
	RepeatAll  RepeatMode = "all"
)

// ParseRepeat accepts none, one or all.
func ParseRepeat(s string) (RepeatMode, error) {
	switch RepeatMode(strings.ToLower(strings.TrimSpace(s))) {
	case RepeatNone, "off", "":
		return RepeatNone, nil
	case RepeatOne, "track":
		return RepeatOne, nil
	case RepeatAll, "queue":
		return RepeatAll, nil
	}
	return "", fmt.Errorf("unknown repeat mode %q", s)
}

var (
	ErrEmptyQueue   = errors.New("audio: queue is empty")
	ErrOutOfRange   = errors.New("audio: index out of range")
	ErrTrackUnknown = errors.New("audio: track not in library")
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".ogg": true,
	".m4a": true, ".aac": true, ".opus": true,
}

// Track is one playable file.
type Track struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration,omitempty"`
}

// State is the JSON view of the library and queue.
type State struct {
	Folder  string     `json:"folder"`
	Tracks  []Track    `json:"tracks"`
	Queue   []Track    `json:"queue"`
	Current int        `json:"current"`
	Repeat  RepeatMode `json:"repeat"`
	Shuffle bool       `json:"shuffle"`
}

// Library holds the scanned tracks, the play queue and the playback policy.
// When the queue is non-empty exactly one entry is current.
type Library struct {
	mu      sync.Mutex
	folder  string
	tracks  []Track
	queue   []Track
	current int
	repeat  RepeatMode
	shuffle bool
	rng     *rand.Rand
}

// NewLibrary returns an empty library for folder. Call Scan to populate it.
func NewLibrary(folder string) *Library {
	return &Library{
		folder:  folder,
		current: -1,
		repeat:  RepeatAll,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Folder returns the scanned folder.
func (l *Library) Folder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.folder
}

// SetFolder switches to another folder, rescans it and rebuilds the queue.
func (l *Library) SetFolder(folder string) (int, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", folder)
	}
	l.mu.Lock()
	l.folder = folder
	l.queue = nil
	l.current = -1
	l.mu.Unlock()
	return l.Scan()
}

// Scan re-reads the folder. Known durations are kept. An empty queue is
// filled with every track; otherwise entries whose file vanished are removed.
func (l *Library) Scan() (int, error) {
	l.mu.Lock()
	folder := l.folder
	l.mu.Unlock()

	entries, err := os.ReadDir(folder)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	var found []Track
	for _, e := range entries {
		if e.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		found = append(found, Track{Name: e.Name(), Path: filepath.Join(folder, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool {
		return strings.ToLower(found[i].Name) < strings.ToLower(found[j].Name)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	known := make(map[string]time.Duration, len(l.tracks))
	for _, t := range l.tracks {
		known[t.Path] = t.Duration
	}
	present := make(map[string]bool, len(found))
	for i := range found {
		found[i].Duration = known[found[i].Path]
		present[found[i].Path] = true
	}
	l.tracks = found

	if len(l.queue) == 0 {
		l.queue = append([]Track(nil), found...)
		if l.shuffle {
			l.shuffleLocked(-1)
		}
		l.current = 0
	} else {
		var cur string
		if l.current >= 0 && l.current < len(l.queue) {
			cur = l.queue[l.current].Path
		}
		kept := l.queue[:0]
		newCurrent := 0
		for _, t := range l.queue {
			if !present[t.Path] {
				continue
			}
			t.Duration = known[t.Path]
			if t.Path == cur {
				newCurrent = len(kept)
			}
			kept = append(kept, t)
		}
		l.queue = kept
		l.current = newCurrent
	}
	if len(l.queue) == 0 {
		l.current = -1
	}
	return len(found), nil
}

// Tracks returns the library in name order.
func (l *Library) Tracks() []Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Track(nil), l.tracks...)
}

// Current returns the current queue entry.
func (l *Library) Current() (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current < 0 || l.current >= len(l.queue) {
		return Track{}, false
	}
	return l.queue[l.current], true
}

// Advance moves to the track after the current one. natural reports that
// the current track played to its end, which is when RepeatOne replays it.
// It returns false when RepeatNone reached the end of the queue; the queue
// is rewound to its first entry in that case.
func (l *Library) Advance(natural bool) (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Track{}, false
	}
	if natural && l.repeat == RepeatOne {
		return l.queue[l.current], true
	}
	next := l.current + 1
	if next >= len(l.queue) {
		if l.shuffle && l.repeat == RepeatAll {
			l.shuffleLocked(-1)
		}
		l.current = 0
		if l.repeat == RepeatNone && natural {
			return l.queue[0], false
		}
		return l.queue[0], true
	}
	l.current = next
	return l.queue[next], true
}

// Previous moves to the previous queue entry, wrapping at the start.
func (l *Library) Previous() (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Track{}, false
	}
	l.current--
	if l.current < 0 {
		l.current = len(l.queue) - 1
	}
	return l.queue[l.current], true
}

// Select makes queue entry i current.
func (l *Library) Select(i int) (Track, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.queue) {
		return Track{}, ErrOutOfRange
	}
	l.current = i
	return l.queue[i], nil
}

// Enqueue appends the library track with the given name to the queue.
func (l *Library) Enqueue(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tracks {
		if t.Name == name {
			l.queue = append(l.queue, t)
			if l.current < 0 {
				l.current = 0
			}
			return nil
		}
	}
	return ErrTrackUnknown
}

// Remove deletes queue entry i. Removing the current entry makes the next
// one current.
func (l *Library) Remove(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.queue) {
		return ErrOutOfRange
	}
	l.queue = append(l.queue[:i], l.queue[i+1:]...)
	switch {
	case len(l.queue) == 0:
		l.current = -1
	case i < l.current:
		l.current--
	case l.current >= len(l.queue):
		l.current = 0
	}
	return nil
}

// Move relocates queue entry from to position to; the current track stays
// current.
func (l *Library) Move(from, to int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 || from >= len(l.queue) || to < 0 || to >= len(l.queue) {
		return ErrOutOfRange
	}
	cur := l.queue[l.current]
	t := l.queue[from]
	q := append(l.queue[:from:from], l.queue[from+1:]...)
	q = append(q[:to], append([]Track{t}, q[to:]...)...)
	l.queue = q
	for i := range q {
		if q[i].Path == cur.Path {
			l.current = i
			break
		}
	}
	return nil
}

// Clear empties the queue.
func (l *Library) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = nil
	l.current = -1
}

// ResetQueue refills the queue with the whole library.
func (l *Library) ResetQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append([]Track(nil), l.tracks...)
	if l.shuffle {
		l.shuffleLocked(-1)
	}
	l.current = 0
	if len(l.queue) == 0 {
		l.current = -1
	}
}

// SetShuffle toggles shuffle. Enabling it shuffles the queue and keeps the
// current track current by moving it to the front.
func (l *Library) SetShuffle(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on == l.shuffle {
		return
	}
	l.shuffle = on
	if on && len(l.queue) > 1 {
		l.shuffleLocked(l.current)
	}
}

// SetRepeat sets the repeat mode.
func (l *Library) SetRepeat(m RepeatMode) {
	l.mu.Lock()
	l.repeat = m
	l.mu.Unlock()
}

// SetDuration records the probed duration of path.
func (l *Library) SetDuration(path string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tracks {
		if l.tracks[i].Path == path {
			l.tracks[i].Duration = d
		}
	}
	for i := range l.queue {
		if l.queue[i].Path == path {
			l.queue[i].Duration = d
		}
	}
}

// Lookup returns the library track with the given name.
func (l *Library) Lookup(name string) (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tracks {
		if t.Name == name {
			return t, true
		}
	}
	return Track{}, false
}

// State returns a copy of the library and queue.
func (l *Library) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Folder:  l.folder,
		Tracks:  append([]Track{}, l.tracks...),
		Queue:   append([]Track{}, l.queue...),
		Current: l.current,
		Repeat:  l.repeat,
		Shuffle: l.shuffle,
	}
}

// shuffleLocked permutes the queue. When keep is a valid index that entry
// becomes the first one and current.
func (l *Library) shuffleLocked(keep int) {
	var first *Track
	if keep >= 0 && keep < len(l.queue) {
		t := l.queue[keep]
		first = &t
		l.queue = append(l.queue[:keep:keep], l.queue[keep+1:]...)
	}
	l.rng.Shuffle(len(l.queue), func(i, j int) { l.queue[i], l.queue[j] = l.queue[j], l.queue[i] })
	if first != nil {
		l.queue = append([]Track{*first}, l.queue...)
	}
	l.current = 0
	if len(l.queue) == 0 {
		l.current = -1
	}
}
