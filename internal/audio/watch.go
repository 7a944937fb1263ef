package audio

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	rescanDebounce = 500 * time.Millisecond
	folderCheck    = 2 * time.Second
)

// Watch rescans the library whenever audio files in its folder are created,
// removed or renamed. A folder switch through SetFolder is picked up within a
// few seconds. onRescan, if set, receives the new track count.
func Watch(ctx context.Context, lib *Library, log *slog.Logger, onRescan func(n int)) error {
	for {
		folder := lib.Folder()
		err := watchFolder(ctx, lib, folder, log, onRescan)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Debug("music folder watch unavailable", slog.String("folder", folder), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// watchFolder returns nil when the library folder changed.
func watchFolder(ctx context.Context, lib *Library, folder string, log *slog.Logger, onRescan func(int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(folder); err != nil {
		return err
	}
	log.Debug("watching music folder", slog.String("folder", folder))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	check := time.NewTicker(folderCheck)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !audioExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				debounce.Reset(rescanDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("music folder watch error", slog.String("error", err.Error()))
		case <-debounce.C:
			n, err := lib.Scan()
			if err != nil {
				log.Warn("music rescan failed", slog.String("error", err.Error()))
				continue
			}
			log.Info("music folder rescanned", slog.Int("tracks", n))
			if onRescan != nil {
				onRescan(n)
			}
		case <-check.C:
			if lib.Folder() != folder {
				return nil
			}
		}
	}
}
