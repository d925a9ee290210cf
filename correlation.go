// correlation.go: correlation tracking between async requests and responses
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// CorrelationEntry links an outstanding async operation to its requester.
type CorrelationEntry struct {
	ID                string          `json:"id"`
	PluginID          string          `json:"plugin_id,omitempty"`
	Type              MessageType     `json:"type"`
	Requester         RequesterHandle `json:"requester"`
	OriginalRequestID string          `json:"original_request_id,omitempty"`
	Target            string          `json:"target,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Timeout           time.Duration   `json:"timeout"`
}

// Expired reports whether the entry outlived its timeout at now.
func (e CorrelationEntry) Expired(now time.Time) bool {
	return e.Timeout > 0 && now.Sub(e.CreatedAt) > e.Timeout
}

// correlationOwner is the unit the per-requester cap applies to.
type correlationOwner struct {
	requester RequesterHandle
	pluginID  string
}

// CorrelationConfig bounds the correlation map.
type CorrelationConfig struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	MaxPerRequester int           `json:"max_per_requester" yaml:"max_per_requester"`
}

func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{Timeout: 10 * time.Second, MaxPerRequester: 64}
}

// CorrelationTracker owns the correlation map. Lookups take the read lock;
// inserts and removals hold the write lock briefly.
type CorrelationTracker struct {
	mu           sync.RWMutex
	entries      map[string]CorrelationEntry
	perRequester map[correlationOwner]int

	config CorrelationConfig
	newID  func() string
	clock  func() time.Time
}

func NewCorrelationTracker(config CorrelationConfig) *CorrelationTracker {
	defaults := DefaultCorrelationConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxPerRequester <= 0 {
		config.MaxPerRequester = defaults.MaxPerRequester
	}
	return &CorrelationTracker{
		entries:      make(map[string]CorrelationEntry),
		perRequester: make(map[correlationOwner]int),
		config:       config,
		newID:        uuid.NewString,
		clock:        timecache.CachedTime,
	}
}

// Open records a new outstanding operation and returns its id. The id is
// fresh: it is never one that currently has an entry. Opening fails fast
// once the owner reaches its cap.
func (ct *CorrelationTracker) Open(entry CorrelationEntry) (string, error) {
	owner := correlationOwner{requester: entry.Requester, pluginID: entry.PluginID}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.perRequester[owner] >= ct.config.MaxPerRequester {
		return "", NewCorrelationCapacityError(entry.Requester, ct.config.MaxPerRequester)
	}
	id := ct.newID()
	for {
		if _, taken := ct.entries[id]; !taken && id != "" {
			break
		}
		id = ct.newID()
	}
	entry.ID = id
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = ct.clock()
	}
	if entry.Timeout <= 0 {
		entry.Timeout = ct.config.Timeout
	}
	ct.entries[id] = entry
	ct.perRequester[owner]++
	return id, nil
}

// Lookup returns the entry without removing it.
func (ct *CorrelationTracker) Lookup(id string) (CorrelationEntry, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	e, ok := ct.entries[id]
	return e, ok
}

// Resolve removes and returns the entry for id.
func (ct *CorrelationTracker) Resolve(id string) (CorrelationEntry, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	e, ok := ct.entries[id]
	if ok {
		ct.removeLocked(e)
	}
	return e, ok
}

// Prune removes every entry expired at now and returns them oldest first.
func (ct *CorrelationTracker) Prune(now time.Time) []CorrelationEntry {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	var expired []CorrelationEntry
	for _, e := range ct.entries {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		ct.removeLocked(e)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired
}

// DropRequester removes every entry owned by a destroyed requester.
func (ct *CorrelationTracker) DropRequester(requester RequesterHandle) []CorrelationEntry {
	return ct.dropWhere(func(e CorrelationEntry) bool { return e.Requester == requester })
}

// DropPlugin removes every entry issued by or waiting on pluginID.
func (ct *CorrelationTracker) DropPlugin(pluginID string) []CorrelationEntry {
	return ct.dropWhere(func(e CorrelationEntry) bool { return e.PluginID == pluginID || e.Target == pluginID })
}

func (ct *CorrelationTracker) dropWhere(match func(CorrelationEntry) bool) []CorrelationEntry {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	var dropped []CorrelationEntry
	for _, e := range ct.entries {
		if match(e) {
			dropped = append(dropped, e)
		}
	}
	for _, e := range dropped {
		ct.removeLocked(e)
	}
	return dropped
}

func (ct *CorrelationTracker) removeLocked(e CorrelationEntry) {
	delete(ct.entries, e.ID)
	owner := correlationOwner{requester: e.Requester, pluginID: e.PluginID}
	if n := ct.perRequester[owner] - 1; n > 0 {
		ct.perRequester[owner] = n
	} else {
		delete(ct.perRequester, owner)
	}
}

// Len returns the number of outstanding entries.
func (ct *CorrelationTracker) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.entries)
}

// Pending returns how many entries the owner has outstanding.
func (ct *CorrelationTracker) Pending(requester RequesterHandle, pluginID string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.perRequester[correlationOwner{requester: requester, pluginID: pluginID}]
}

// Snapshot returns a copy of all entries, for diagnostics.
func (ct *CorrelationTracker) Snapshot() []CorrelationEntry {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]CorrelationEntry, 0, len(ct.entries))
	for _, e := range ct.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
