// discovery_watcher.go: rescans plugin directories when they change
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DiscoveryWatcher flags a rescan after filesystem activity in the
// discovery directories settles. fsnotify is not recursive, so each
// directory and its immediate children (plugin roots) are watched.
type DiscoveryWatcher struct {
	engine   *DiscoveryEngine
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   Logger

	pending atomic.Bool
	events  atomic.Int64

	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewDiscoveryWatcher(engine *DiscoveryEngine, debounce time.Duration, logger Logger) (*DiscoveryWatcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewConfigWatcherError("failed to create directory watcher", err)
	}
	dw := &DiscoveryWatcher{
		engine:   engine,
		watcher:  w,
		debounce: debounce,
		logger:   logger.With("component", "discovery_watcher"),
		done:     make(chan struct{}),
	}
	watched := 0
	for _, dir := range engine.Directories() {
		watched += dw.addTree(dir)
	}
	if watched == 0 {
		dw.logger.Warn("No discovery directory exists yet, nothing to watch")
	}
	return dw, nil
}

// addTree watches dir and its direct subdirectories.
func (dw *DiscoveryWatcher) addTree(dir string) int {
	if err := dw.watcher.Add(dir); err != nil {
		dw.logger.Debug("Directory not watched", "path", dir, "error", err.Error())
		return 0
	}
	n := 1
	entries, err := os.ReadDir(dir)
	if err != nil {
		return n
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := dw.watcher.Add(filepath.Join(dir, e.Name())); err == nil {
			n++
		}
	}
	return n
}

// Start runs the event loop.
func (dw *DiscoveryWatcher) Start() {
	dw.wg.Add(1)
	go dw.loop()
}

func (dw *DiscoveryWatcher) loop() {
	defer dw.wg.Done()
	for {
		select {
		case <-dw.done:
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handle(event)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("Directory watch error", "error", err.Error())
		}
	}
}

func (dw *DiscoveryWatcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	dw.events.Add(1)
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = dw.watcher.Add(event.Name)
		}
	}
	dw.logger.Debug("Plugin directory changed", "path", event.Name, "op", event.Op.String())

	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.stopped {
		return
	}
	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = time.AfterFunc(dw.debounce, func() { dw.pending.Store(true) })
}

// TakePending reports, once, that a rescan is due.
func (dw *DiscoveryWatcher) TakePending() bool {
	return dw.pending.Swap(false)
}

// Events counts filesystem events seen.
func (dw *DiscoveryWatcher) Events() int64 { return dw.events.Load() }

func (dw *DiscoveryWatcher) Stop() error {
	dw.mu.Lock()
	if dw.stopped {
		dw.mu.Unlock()
		return nil
	}
	dw.stopped = true
	if dw.timer != nil {
		dw.timer.Stop()
	}
	close(dw.done)
	dw.mu.Unlock()
	err := dw.watcher.Close()
	dw.wg.Wait()
	return err
}
