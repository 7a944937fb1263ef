package timelapse

import (
	"context"
	"sync"
	"time"

	"printstreamer/internal/moonraker"
)

// negativeTTL is how long a failed metadata lookup is remembered.
const negativeTTL = 30 * time.Second

// MetadataFetcher loads slicer metadata for a file. *moonraker.Client
// satisfies it.
type MetadataFetcher interface {
	Metadata(ctx context.Context, filename string) (moonraker.FileMetadata, error)
}

// MetadataCache remembers slicer metadata per filename.
type MetadataCache struct {
	fetch MetadataFetcher
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]moonraker.FileMetadata
	misses  map[string]time.Time
}

func NewMetadataCache(fetch MetadataFetcher) *MetadataCache {
	return &MetadataCache{
		fetch:   fetch,
		now:     time.Now,
		entries: make(map[string]moonraker.FileMetadata),
		misses:  make(map[string]time.Time),
	}
}

// Lookup returns the cached metadata for filename, fetching it on first use.
func (c *MetadataCache) Lookup(ctx context.Context, filename string) (moonraker.FileMetadata, bool) {
	if c == nil || filename == "" {
		return moonraker.FileMetadata{}, false
	}
	c.mu.Lock()
	if md, ok := c.entries[filename]; ok {
		c.mu.Unlock()
		return md, true
	}
	if at, ok := c.misses[filename]; ok && c.now().Sub(at) < negativeTTL {
		c.mu.Unlock()
		return moonraker.FileMetadata{}, false
	}
	c.mu.Unlock()

	md, err := c.fetch.Metadata(ctx, filename)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.misses[filename] = c.now()
		return moonraker.FileMetadata{}, false
	}
	delete(c.misses, filename)
	c.entries[filename] = md
	return md, true
}

// Forget drops filename so the next Lookup fetches it again.
func (c *MetadataCache) Forget(filename string) {
	c.mu.Lock()
	delete(c.entries, filename)
	delete(c.misses, filename)
	c.mu.Unlock()
}
