// loader.go: turning discovery candidates into Plugin instances
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LoaderConfig bounds what the loader reads from disk.
type LoaderConfig struct {
	HostVersion string `json:"-" yaml:"-"`
	// MaxSourceBytes caps script bundles and wasm binaries.
	MaxSourceBytes int64       `json:"max_source_bytes" yaml:"max_source_bytes"`
	Build          BuildConfig `json:"build" yaml:"build"`
}

func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		HostVersion:    HostVersion,
		MaxSourceBytes: 32 << 20,
		Build:          DefaultBuildConfig(),
	}
}

// Loader validates a candidate and constructs the runtime for its kind.
// It does not register the plugin.
type Loader struct {
	config    LoaderConfig
	scheduler *Scheduler
	sink      hostCallSink
	wasm      *WasmEngine
	trust     *NativeTrustPolicy
	builder   *Builder
	logger    Logger
	metrics   MetricsCollector

	openNative func(pluginID, path string) (nativeVTable, error)
}

// NewLoader wires a loader. wasm and trust may be nil, which refuses the
// corresponding kinds.
func NewLoader(config LoaderConfig, scheduler *Scheduler, sink hostCallSink, wasm *WasmEngine, trust *NativeTrustPolicy, logger Logger, metrics MetricsCollector) *Loader {
	if logger == nil {
		logger = DefaultLogger()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	if config.HostVersion == "" {
		config.HostVersion = HostVersion
	}
	if config.MaxSourceBytes <= 0 {
		config.MaxSourceBytes = DefaultLoaderConfig().MaxSourceBytes
	}
	return &Loader{
		config:     config,
		scheduler:  scheduler,
		sink:       sink,
		wasm:       wasm,
		trust:      trust,
		builder:    NewBuilder(config.Build, logger),
		logger:     logger.With("component", "loader"),
		metrics:    metrics,
		openNative: openNativeLibrary,
	}
}

// Load validates the manifest and builds the plugin. Execution is deferred
// until the first operation, except for the checks each kind needs to
// confirm its exports.
func (l *Loader) Load(ctx context.Context, c DiscoveryCandidate) (*Plugin, error) {
	m := c.Manifest
	if err := m.ValidateForLoad(l.config.HostVersion); err != nil {
		return nil, l.failed(c, err)
	}
	entry := filepath.Join(c.Root, filepath.FromSlash(m.Entry))

	var rt pluginRuntime
	var err error
	switch m.Kind {
	case KindNative:
		rt, err = l.loadNative(ctx, c, entry)
	case KindWasm:
		rt, err = l.loadWasm(ctx, m, entry)
	case KindScripted:
		var src []byte
		if src, err = l.readSource(m.ID, entry); err == nil {
			rt, err = newScriptRuntime(m, string(src), m.Entry, l.sink, l.logger)
		}
	case KindLegacy:
		var src []byte
		if src, err = l.readSource(m.ID, entry); err == nil {
			rt, err = newLegacyRuntime(m, string(src), m.Entry, l.sink, l.logger)
		}
	default:
		err = NewUnsupportedKindError(m.Kind.String())
	}
	if err != nil {
		return nil, l.failed(c, err)
	}

	l.metrics.IncrementCounter(MetricPluginsLoaded, map[string]string{"kind": m.Kind.String()}, 1)
	l.logger.Info("Plugin loaded",
		"plugin_id", m.ID,
		"version", m.Version,
		"kind", m.Kind.String(),
		"source", c.Source.String(),
		"path", c.Root)
	return newPlugin(m, c.Root, c.Source, rt, l.scheduler), nil
}

func (l *Loader) loadNative(ctx context.Context, c DiscoveryCandidate, entry string) (pluginRuntime, error) {
	m := c.Manifest
	if l.trust == nil {
		return nil, NewUntrustedLocationError(m.ID, entry)
	}
	if err := l.trust.Admit(c); err != nil {
		return nil, err
	}
	if m.Build != nil {
		stale, err := NeedsRebuild(c.Root, c.ManifestPath, m)
		if err != nil {
			return nil, NewBuildFailedError(m.ID, err)
		}
		if stale {
			if err := l.builder.Build(ctx, c.Root, m); err != nil {
				return nil, err
			}
		}
	}
	if _, err := os.Stat(entry); err != nil {
		return nil, NewLoadFailedError(m.ID, err)
	}
	if err := l.trust.Verify(c, entry); err != nil {
		return nil, err
	}
	vt, err := l.openNative(m.ID, entry)
	if err != nil {
		return nil, err
	}
	return newNativeRuntime(m, vt, l.sink, l.logger)
}

func (l *Loader) loadWasm(ctx context.Context, m *PluginManifest, entry string) (pluginRuntime, error) {
	if l.wasm == nil {
		return nil, NewUnsupportedKindError(KindWasm.String() + " (engine not configured)")
	}
	binary, err := l.readSource(m.ID, entry)
	if err != nil {
		return nil, err
	}
	return l.wasm.load(ctx, m, binary)
}

func (l *Loader) readSource(pluginID, path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewLoadFailedError(pluginID, err)
	}
	if info.Size() > l.config.MaxSourceBytes {
		return nil, NewLoadFailedError(pluginID, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), l.config.MaxSourceBytes))
	}
	data, err := os.ReadFile(path) // #nosec G304 -- entry was validated to stay inside the plugin root
	if err != nil {
		return nil, NewLoadFailedError(pluginID, err)
	}
	return data, nil
}

func (l *Loader) failed(c DiscoveryCandidate, err error) error {
	id := ""
	if c.Manifest != nil {
		id = c.Manifest.ID
	}
	l.metrics.IncrementCounter(MetricPluginLoadFailures, map[string]string{"code": ErrorCodeOf(err)}, 1)
	l.logger.Warn("Plugin load failed", "plugin_id", id, "path", c.ManifestPath, "error", err.Error())
	return err
}
