// plugin.go: the uniform plugin contract over the four plugin technologies
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"strconv"
)

// pluginRuntime is the synchronous core of one plugin kind. The set of
// implementations is closed: nativeRuntime, wasmRuntime, scriptRuntime and
// legacyRuntime in this package. Plugin turns each call into a Task.
//
// Implementations must return structured errors and never panic on bad
// guest data; panics that do slip through are recovered by the scheduler.
type pluginRuntime interface {
	kind() PluginKind
	initialize(ctx context.Context, pc PluginContext) error
	search(ctx context.Context, query string, pc PluginContext) ([]ActionItem, error)
	executeCommand(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error)
	executeAction(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error)
	backgroundRefresh(ctx context.Context, pc PluginContext) error
	deliverMessage(ctx context.Context, msg Message) error
	deliverHostResult(ctx context.Context, callback string, result HostResult) error
	cleanup(ctx context.Context) error
	close(ctx context.Context) error
}

// Plugin is a loaded plugin instance. Every operation returns a Task handle
// immediately; the work runs on the scheduler's pool.
type Plugin struct {
	manifest  PluginManifest
	root      string
	source    DiscoverySource
	runtime   pluginRuntime
	scheduler *Scheduler
}

func newPlugin(manifest *PluginManifest, root string, source DiscoverySource, rt pluginRuntime, scheduler *Scheduler) *Plugin {
	return &Plugin{
		manifest:  *manifest,
		root:      root,
		source:    source,
		runtime:   rt,
		scheduler: scheduler,
	}
}

// Manifest returns a copy of the plugin's manifest.
func (p *Plugin) Manifest() PluginManifest { return p.manifest }

func (p *Plugin) ID() string { return p.manifest.ID }

func (p *Plugin) Kind() PluginKind { return p.runtime.kind() }

// Root is the directory the plugin was loaded from.
func (p *Plugin) Root() string { return p.root }

// Source is the discovery tier the plugin came from.
func (p *Plugin) Source() DiscoverySource { return p.source }

func (p *Plugin) Initialize(pc PluginContext) *Task[struct{}] {
	return Spawn(p.scheduler, p.ID(), "initialize", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.runtime.initialize(ctx, p.stamp(pc))
	})
}

// Search runs a query. Returned items are tagged with the plugin id and get
// a stable id when the plugin left it empty.
func (p *Plugin) Search(query string, pc PluginContext) *Task[[]ActionItem] {
	if !p.manifest.Capabilities.Search {
		return Track(p.scheduler, failedTask[[]ActionItem](p.ID(), "search", NewUnsupportedOperationError(p.ID(), "search")))
	}
	return Spawn(p.scheduler, p.ID(), "search", func(ctx context.Context) ([]ActionItem, error) {
		items, err := p.runtime.search(ctx, query, p.stamp(pc))
		if err != nil {
			return nil, err
		}
		for i := range items {
			items[i].PluginID = p.ID()
			if items[i].ID == "" {
				items[i].ID = p.ID() + "#" + strconv.Itoa(i)
			}
		}
		return items, nil
	})
}

func (p *Plugin) ExecuteCommand(id string, pc PluginContext, args map[string]Value) *Task[Value] {
	if !p.manifest.HasCommand(id) {
		return Track(p.scheduler, failedTask[Value](p.ID(), "execute_command", NewUnsupportedOperationError(p.ID(), "command:"+id)))
	}
	return Spawn(p.scheduler, p.ID(), "execute_command", func(ctx context.Context) (Value, error) {
		return p.runtime.executeCommand(ctx, id, p.stamp(pc), args)
	})
}

// ExecuteAction runs a quick action or an action attached to a search result.
func (p *Plugin) ExecuteAction(id string, pc PluginContext, args map[string]Value) *Task[Value] {
	if !p.manifest.HasAction(id) && !p.manifest.Capabilities.QuickActions {
		return Track(p.scheduler, failedTask[Value](p.ID(), "execute_action", NewUnsupportedOperationError(p.ID(), "action:"+id)))
	}
	return Spawn(p.scheduler, p.ID(), "execute_action", func(ctx context.Context) (Value, error) {
		return p.runtime.executeAction(ctx, id, p.stamp(pc), args)
	})
}

func (p *Plugin) BackgroundRefresh(pc PluginContext) *Task[struct{}] {
	if !p.manifest.Capabilities.BackgroundRefresh {
		return Track(p.scheduler, failedTask[struct{}](p.ID(), "background_refresh", NewUnsupportedOperationError(p.ID(), "background_refresh")))
	}
	return Spawn(p.scheduler, p.ID(), "background_refresh", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.runtime.backgroundRefresh(ctx, p.stamp(pc))
	})
}

func (p *Plugin) Cleanup() *Task[struct{}] {
	return Spawn(p.scheduler, p.ID(), "cleanup", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.runtime.cleanup(ctx)
	})
}

// deliverMessage hands a routed message to the plugin.
func (p *Plugin) deliverMessage(msg Message) *Task[struct{}] {
	return Spawn(p.scheduler, p.ID(), "on_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.runtime.deliverMessage(ctx, msg)
	})
}

// deliverHostResult invokes the guest callback named by a host function call.
func (p *Plugin) deliverHostResult(callback string, result HostResult) *Task[struct{}] {
	return Spawn(p.scheduler, p.ID(), "host_callback", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.runtime.deliverHostResult(ctx, callback, result)
	})
}

// close releases runtime resources synchronously. Call after Cleanup.
func (p *Plugin) close(ctx context.Context) error {
	return p.runtime.close(ctx)
}

func (p *Plugin) stamp(pc PluginContext) PluginContext {
	pc.PluginID = p.ID()
	if pc.HostVersion == "" {
		pc.HostVersion = HostVersion
	}
	return pc
}
