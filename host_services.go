// host_services.go: OS-facing services executed on behalf of sandboxed plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"net/http"
	"sync"

	"github.com/atotto/clipboard"
)

// KeyValueStore is per-plugin persistent storage. Keys are namespaced by
// plugin id, so one plugin can never read another's data.
type KeyValueStore interface {
	Get(ctx context.Context, pluginID, key string) (Value, bool, error)
	Set(ctx context.Context, pluginID, key string, value Value) error
	Delete(ctx context.Context, pluginID, key string) error
}

// Clipboard is the system clipboard.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// Notification is a user-visible notification requested by a plugin.
type Notification struct {
	PluginID string `json:"plugin_id"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
}

// Notifier displays notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// HTTPDoer performs outbound HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HostServices bundles the services behind the host functions. Nil members
// make the matching host functions fail with a host service error.
type HostServices struct {
	Storage   KeyValueStore
	Clipboard Clipboard
	Notifier  Notifier
	HTTP      HTTPDoer
}

// MemoryStorage is an in-process KeyValueStore.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]Value
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string]Value)}
}

func (m *MemoryStorage) Get(_ context.Context, pluginID, key string) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[pluginID][key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, pluginID, key string, value Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[pluginID]
	if !ok {
		ns = make(map[string]Value)
		m.data[pluginID] = ns
	}
	ns[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[pluginID], key)
	return nil
}

// Len returns the number of keys stored for pluginID.
func (m *MemoryStorage) Len(pluginID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[pluginID])
}

// SystemClipboard uses the platform clipboard.
type SystemClipboard struct{}

func (SystemClipboard) ReadText() (string, error) { return clipboard.ReadAll() }

func (SystemClipboard) WriteText(text string) error { return clipboard.WriteAll(text) }

// MemoryClipboard is a clipboard that lives in process memory, for headless hosts.
type MemoryClipboard struct {
	mu   sync.Mutex
	text string
}

func (c *MemoryClipboard) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *MemoryClipboard) WriteText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

// EventNotifier forwards notifications to the UI collaborator as events.
type EventNotifier struct {
	Sink EventSink
}

func (n EventNotifier) Notify(_ context.Context, note Notification) error {
	if n.Sink != nil {
		n.Sink.Emit(NotificationRequested{Notification: note})
	}
	return nil
}
