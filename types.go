// types.go: Common data types shared by the plugin runtime
//
// This file contains the data models exchanged between plugins, the service
// bridge and the UI collaborator: plugin kinds and lifecycle statuses, the
// ActionItem result shape and the per-call PluginContext.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"strings"
	"time"
)

// PluginKind identifies one of the four supported plugin technologies.
//
// The set is closed: every kind maps to exactly one adapter in this package.
type PluginKind int

const (
	KindNative PluginKind = iota
	KindWasm
	KindScripted
	KindLegacy
)

// AllPluginKinds lists every kind in declaration order.
var AllPluginKinds = []PluginKind{KindNative, KindWasm, KindScripted, KindLegacy}

func (k PluginKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindWasm:
		return "wasm"
	case KindScripted:
		return "scripted"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParsePluginKind maps the manifest spelling of a kind to PluginKind.
func ParsePluginKind(s string) (PluginKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "dylib", "native-library":
		return KindNative, true
	case "wasm", "webassembly":
		return KindWasm, true
	case "scripted", "script", "lua":
		return KindScripted, true
	case "legacy", "extension", "legacy-extension":
		return KindLegacy, true
	default:
		return 0, false
	}
}

// MarshalText implements encoding.TextMarshaler so manifests carry the readable name.
func (k PluginKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PluginKind) UnmarshalText(text []byte) error {
	parsed, ok := ParsePluginKind(string(text))
	if !ok {
		return NewUnsupportedKindError(string(text))
	}
	*k = parsed
	return nil
}

// PluginStatus is the lifecycle status of a registry entry.
//
//   - StatusRegistering: entry created, initialization in flight
//   - StatusActive: eligible for dispatch
//   - StatusUnresponsive: missed its heartbeat window, excluded from dispatch
//   - StatusError: failed permanently, see the entry's reason
//   - StatusUnloaded: explicitly unloaded, kept only for diagnostics
type PluginStatus int

const (
	StatusRegistering PluginStatus = iota
	StatusActive
	StatusUnresponsive
	StatusError
	StatusUnloaded
)

func (s PluginStatus) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusActive:
		return "active"
	case StatusUnresponsive:
		return "unresponsive"
	case StatusError:
		return "error"
	case StatusUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Dispatchable reports whether plugins in this status may receive work.
func (s PluginStatus) Dispatchable() bool {
	return s == StatusActive
}

// Value is a JSON-like structured value: nil, bool, float64, string,
// []any or map[string]any.
type Value = any

// Action describes what happens when the user activates an ActionItem.
type Action struct {
	// Type is a short verb such as "open-url", "copy", "run-command" or "plugin".
	Type string `json:"type" yaml:"type"`
	// Target is the verb's argument: a URL, text, command id or plugin action id.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Arguments are passed through to execute_action when Type is "plugin".
	Arguments map[string]Value `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Key identifies an action for deduplication.
func (a Action) Key() string {
	return a.Type + "\x00" + a.Target
}

// ActionItem is a single search result rendered by the UI.
type ActionItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Action      Action            `json:"action"`
	Score       float64           `json:"score"`
	PluginID    string            `json:"plugin_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PluginContext is the environment handed to every plugin operation.
//
// It is serialized into the guest payload for sandboxed kinds, so it only
// carries plain data.
type PluginContext struct {
	PluginID    string           `json:"plugin_id"`
	RequestID   string           `json:"request_id,omitempty"`
	Preferences map[string]Value `json:"preferences,omitempty"`
	Locale      string           `json:"locale,omitempty"`
	HostVersion string           `json:"host_version,omitempty"`
	DataDir     string           `json:"data_dir,omitempty"`
	Deadline    time.Time        `json:"deadline,omitempty"`
}

// RequesterHandle is an opaque identifier for whoever asked for an async
// operation, typically a UI entity. Zero means "the host itself".
type RequesterHandle uint64

// HostRequester is the requester handle used for host initiated work.
const HostRequester RequesterHandle = 0
