// testing_helpers_test.go: shared fixtures for runtime, bridge and host tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRuntime is a scriptable pluginRuntime used wherever a real guest
// would only add noise.
type fakeRuntime struct {
	pluginKind PluginKind

	mu          sync.Mutex
	initErr     error
	searchFn    func(ctx context.Context, query string) ([]ActionItem, error)
	executeFn   func(id string, args map[string]Value) (Value, error)
	messages    []Message
	hostResults []fakeHostResult
	refreshes   int
	cleanups    int
	closed      bool
}

type fakeHostResult struct {
	callback string
	result   HostResult
}

func newFakeRuntime(kind PluginKind) *fakeRuntime {
	return &fakeRuntime{pluginKind: kind}
}

func (f *fakeRuntime) kind() PluginKind { return f.pluginKind }

func (f *fakeRuntime) initialize(context.Context, PluginContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeRuntime) search(ctx context.Context, query string, _ PluginContext) ([]ActionItem, error) {
	f.mu.Lock()
	fn := f.searchFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, query)
}

func (f *fakeRuntime) executeCommand(_ context.Context, id string, _ PluginContext, args map[string]Value) (Value, error) {
	return f.execute(id, args)
}

func (f *fakeRuntime) executeAction(_ context.Context, id string, _ PluginContext, args map[string]Value) (Value, error) {
	return f.execute(id, args)
}

func (f *fakeRuntime) execute(id string, args map[string]Value) (Value, error) {
	f.mu.Lock()
	fn := f.executeFn
	f.mu.Unlock()
	if fn == nil {
		return map[string]Value{"id": id}, nil
	}
	return fn(id, args)
}

func (f *fakeRuntime) backgroundRefresh(context.Context, PluginContext) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) deliverMessage(_ context.Context, msg Message) error {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) deliverHostResult(_ context.Context, callback string, result HostResult) error {
	f.mu.Lock()
	f.hostResults = append(f.hostResults, fakeHostResult{callback: callback, result: result})
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) cleanup(context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

func (f *fakeRuntime) HostResults() []fakeHostResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeHostResult(nil), f.hostResults...)
}

func (f *fakeRuntime) Cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// newTestScheduler returns a started scheduler stopped at test cleanup.
func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(SchedulerConfig{Workers: 4, QueueSize: 128, TaskTimeout: 5 * time.Second}, NewNoOpLogger())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// testManifest returns a valid search-capable manifest for kind.
func testManifest(id string, kind PluginKind) *PluginManifest {
	m := &PluginManifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Kind:         kind,
		Entry:        "main.lua",
		Capabilities: PluginCapabilities{Search: true},
	}
	if kind == KindNative {
		m.Entry = "libplugin.so"
		m.ABIVersion = NativeABIVersion
	}
	if kind == KindWasm {
		m.Entry = "plugin.wasm"
	}
	return m
}

func newFakePlugin(s *Scheduler, m *PluginManifest, rt *fakeRuntime) *Plugin {
	return newPlugin(m, "", SourceUser, rt, s)
}

// registerActive registers a fake plugin and activates it.
func registerActive(t *testing.T, b *ServiceBridge, s *Scheduler, m *PluginManifest) *fakeRuntime {
	t.Helper()
	rt := newFakeRuntime(m.Kind)
	require.NoError(t, b.Register(newFakePlugin(s, m, rt)))
	require.NoError(t, b.Activate(m.ID))
	return rt
}

// driveUntil runs step until cond holds or the deadline passes.
func driveUntil(t *testing.T, timeout time.Duration, step func(), cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		step()
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// manualClock is an injectable clock for bridge and coordinator tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) searches() []SearchCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SearchCompleted
	for _, e := range r.events {
		if sc, ok := e.(SearchCompleted); ok {
			out = append(out, sc)
		}
	}
	return out
}

func (r *recordingSink) completions() []ActionExecuteCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ActionExecuteCompleted
	for _, e := range r.events {
		if ac, ok := e.(ActionExecuteCompleted); ok {
			out = append(out, ac)
		}
	}
	return out
}

func (r *recordingSink) loadFailures() []PluginLoadFailed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PluginLoadFailed
	for _, e := range r.events {
		if f, ok := e.(PluginLoadFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

// writeFiles creates files (relative path -> content) under dir.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}
