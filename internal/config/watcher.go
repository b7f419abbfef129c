// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// Watcher reloads the config file when it changes on disk and delivers the
// new config to a callback. Editors replace files via rename, so the parent
// directory is watched rather than the file itself.
type Watcher struct {
	path     string
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu          sync.Mutex
	lastChange  time.Time
	reloadQueue bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. onReload is
// called with each successfully reloaded config; invalid configs are logged
// and skipped, keeping the previous config active.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()

	return nil
}

// processEvents marks the config dirty on relevant filesystem events.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.lastChange = time.Now()
				w.reloadQueue = true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		}
	}
}

// processPending reloads once the debounce window has elapsed since the
// last change, collapsing editor write bursts into one reload.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := w.reloadQueue && time.Since(w.lastChange) >= w.debounce
			if due {
				w.reloadQueue = false
			}
			w.mu.Unlock()

			if !due {
				continue
			}

			cfg, err := LoadFromPath(w.path)
			if err != nil {
				log.Printf("[config] reload failed, keeping previous config: %v", err)
				continue
			}
			log.Printf("[config] reloaded from %s", w.path)
			w.onReload(cfg)
		}
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
