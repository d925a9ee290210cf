// events.go: events exchanged with the UI/shell collaborator
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sync/atomic"
	"time"
)

// Event is anything the runtime emits toward the UI.
type Event interface {
	EventName() string
}

// PluginLoaded is emitted once a plugin is registered and initialized.
type PluginLoaded struct {
	PluginID string          `json:"plugin_id"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Kind     PluginKind      `json:"kind"`
	Source   DiscoverySource `json:"source"`
}

// PluginLoadFailed is emitted for every candidate that could not be loaded.
type PluginLoadFailed struct {
	Path     string `json:"path"`
	PluginID string `json:"plugin_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error"`
}

// PluginLifecycle is emitted on every registry status transition.
type PluginLifecycle struct {
	PluginID string       `json:"plugin_id"`
	From     PluginStatus `json:"from"`
	To       PluginStatus `json:"to"`
	Reason   string       `json:"reason,omitempty"`
}

// SearchCompleted carries the aggregated answer to one SearchRequested.
type SearchCompleted struct {
	Query             string          `json:"query"`
	CorrelationID     string          `json:"correlation_id"`
	Requester         RequesterHandle `json:"requester"`
	Results           []ActionItem    `json:"results"`
	RespondingPlugins []string        `json:"responding_plugins"`
	FailedPlugins     []string        `json:"failed_plugins"`
	ExecutionTime     time.Duration   `json:"execution_time"`
	TimedOut          bool            `json:"timed_out"`
}

// ActionExecuteCompleted reports the outcome of an action or command.
type ActionExecuteCompleted struct {
	Requester RequesterHandle `json:"requester"`
	ActionID  string          `json:"action_id"`
	PluginID  string          `json:"plugin_id"`
	Success   bool            `json:"success"`
	Result    Value           `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// NotificationRequested asks the UI to display a plugin notification.
type NotificationRequested struct {
	Notification Notification `json:"notification"`
}

func (PluginLoaded) EventName() string           { return "plugin_loaded" }
func (PluginLoadFailed) EventName() string       { return "plugin_load_failed" }
func (PluginLifecycle) EventName() string        { return "plugin_lifecycle" }
func (SearchCompleted) EventName() string        { return "search_completed" }
func (ActionExecuteCompleted) EventName() string { return "action_execute_completed" }
func (NotificationRequested) EventName() string  { return "notification_requested" }

// SearchRequested is sent by the UI when the query text changes.
type SearchRequested struct {
	Query     string          `json:"query"`
	Requester RequesterHandle `json:"requester"`
}

// ActionExecuteRequested is sent by the UI when the user activates an item.
// ActionID is qualified as "<plugin-id>/<action-id>".
type ActionExecuteRequested struct {
	ActionID   string           `json:"action_id"`
	Parameters map[string]Value `json:"parameters,omitempty"`
	Requester  RequesterHandle  `json:"requester"`
}

// CommandExecuteRequested runs a declared command. CommandID is qualified
// like ActionID.
type CommandExecuteRequested struct {
	CommandID string           `json:"command_id"`
	Arguments map[string]Value `json:"arguments,omitempty"`
	Requester RequesterHandle  `json:"requester"`
}

// EventSink receives runtime events. Emit is called from the coordinating
// loop and must not block.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(event Event) { f(event) }

// ChannelEventSink buffers events on a channel and drops them when full.
type ChannelEventSink struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewChannelEventSink(buffer int) *ChannelEventSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEventSink{ch: make(chan Event, buffer)}
}

func (s *ChannelEventSink) Emit(event Event) {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Events is the receive side of the sink.
func (s *ChannelEventSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelEventSink) Dropped() int64 { return s.dropped.Load() }

type discardSink struct{}

func (discardSink) Emit(Event) {}
