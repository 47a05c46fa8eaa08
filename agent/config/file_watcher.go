// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/feedmux/logging"
)

const defaultReconcileInterval = time.Second

// FileWatcher reports changes to configuration files. Editors replace files
// in many different ways, so besides fsnotify events every file's
// modification time is compared on each reconcile tick.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	files     map[string]time.Time
	logger    hclog.Logger
	reconcile time.Duration
	events    chan FileEvent
}

// FileEvent names a configuration file that changed.
type FileEvent struct {
	Filename string
}

// NewFileWatcher watches every file in paths. Symbolic links are refused
// because fsnotify follows the link only once.
func NewFileWatcher(paths []string, logger hclog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ws, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FileWatcher{
		watcher:   ws,
		files:     make(map[string]time.Time, len(paths)),
		logger:    logger.Named(logging.ConfigFile),
		reconcile: defaultReconcileInterval,
		events:    make(chan FileEvent, 1),
	}
	for _, p := range paths {
		if err := w.add(p); err != nil {
			ws.Close()
			return nil, fmt.Errorf("error adding file %q: %w", p, err)
		}
	}
	return w, nil
}

// Events delivers one event per detected change. It is closed when Run
// returns.
func (w *FileWatcher) Events() <-chan FileEvent {
	return w.events
}

func (w *FileWatcher) add(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not supported")
	}
	path = filepath.Clean(path)

	// The parent directory is watched so renames over the file are seen.
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	w.files[path] = fi.ModTime()
	w.logger.Trace("watching file", "file", path)
	return nil
}

// Run watches until ctx is done. It always returns ctx.Err() or the error
// that stopped the underlying watcher.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.watcher.Close()

	ticker := time.NewTicker(w.reconcile)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher event channel closed")
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher error channel closed")
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-ticker.C:
			w.reconcileFiles(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *FileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	if _, ok := w.files[name]; !ok {
		return
	}
	w.logger.Trace("received watcher event", "file", name, "op", event.Op)
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	modTime, err := modifiedTime(name)
	if err != nil {
		// Gone for now; reconcile reports it once it is back.
		w.files[name] = time.Time{}
		return
	}
	w.files[name] = modTime
	w.notify(ctx, name)
}

func (w *FileWatcher) reconcileFiles(ctx context.Context) {
	for name, last := range w.files {
		modTime, err := modifiedTime(name)
		if err != nil {
			w.logger.Trace("failed to stat file", "file", name, "error", err)
			continue
		}
		if modTime.Equal(last) {
			continue
		}
		w.logger.Trace("modification time changed", "file", name, "old", last, "new", modTime)
		w.files[name] = modTime
		w.notify(ctx, name)
	}
}

func (w *FileWatcher) notify(ctx context.Context, name string) {
	select {
	case w.events <- FileEvent{Filename: name}:
	case <-ctx.Done():
	}
}

func modifiedTime(name string) (time.Time, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
