// Package overlay renders the on-video status text into a file that the
// overlay encoder re-reads every frame.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"printstreamer/internal/moonraker"
	"printstreamer/internal/platform/logger"
)

const (
	DefaultRefresh = time.Second
	MinRefresh     = 200 * time.Millisecond
)

// Source yields printer snapshots.
type Source interface {
	Snapshot(ctx context.Context) (moonraker.Snapshot, error)
}

// MetadataSource resolves cached slicer metadata by filename.
type MetadataSource interface {
	Lookup(ctx context.Context, filename string) (moonraker.FileMetadata, bool)
}

// Generator keeps the overlay text file current.
type Generator struct {
	path    string
	src     Source
	meta    MetadataSource
	refresh time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	template string
	last     string
}

// NewGenerator returns a Generator writing to path. meta may be nil.
func NewGenerator(path, template string, refresh time.Duration, src Source, meta MetadataSource, log *slog.Logger) *Generator {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	if refresh < MinRefresh {
		refresh = MinRefresh
	}
	return &Generator{
		path:     path,
		src:      src,
		meta:     meta,
		refresh:  refresh,
		log:      logger.WithComponent(log, "overlay"),
		now:      time.Now,
		template: template,
	}
}

// Path returns the overlay text file.
func (g *Generator) Path() string { return g.path }

// SetTemplate replaces the template used from the next refresh on.
func (g *Generator) SetTemplate(tpl string) {
	g.mu.Lock()
	g.template = tpl
	g.mu.Unlock()
}

// Template returns the current template.
func (g *Generator) Template() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.template
}

// Text returns the last text written.
func (g *Generator) Text() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// Run refreshes the file until ctx is done. A placeholder text is written
// first so the encoder always finds the file.
func (g *Generator) Run(ctx context.Context) error {
	if _, err := os.Stat(g.path); err != nil {
		if err := WriteAtomic(g.path, []byte(" ")); err != nil {
			return fmt.Errorf("initialise overlay file: %w", err)
		}
	}
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		g.Refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh renders once. On failure the previous file is left in place.
func (g *Generator) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.refresh+2*time.Second)
	defer cancel()
	snap, err := g.src.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Debug("overlay query failed, keeping previous text", slog.String("error", err.Error()))
		}
		return err
	}
	var md moonraker.FileMetadata
	if g.meta != nil && snap.Filename != "" {
		md, _ = g.meta.Lookup(ctx, snap.Filename)
	}
	out := Render(g.Template(), Values{Snapshot: snap, Metadata: md, Now: g.now()})

	g.mu.Lock()
	unchanged := out == g.last
	g.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := WriteAtomic(g.path, []byte(out)); err != nil {
		g.log.Warn("overlay write failed", slog.String("error", err.Error()))
		return err
	}
	g.mu.Lock()
	g.last = out
	g.mu.Unlock()
	return nil
}

// WriteAtomic replaces path with data through a temp file in the same
// directory and a rename, so readers see the old or the new content only.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
