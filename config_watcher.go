// config_watcher.go: hot reload of the host configuration file using Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcher watches the host config file. Parsed updates are parked
// until the coordinating loop picks them up with TakePending, so no
// component is reconfigured from the watcher goroutine.
type ConfigWatcher struct {
	path    string
	logger  Logger
	watcher *argus.Watcher
	audit   *argus.AuditLogger

	pending atomic.Pointer[HostConfig]
	reloads atomic.Int64
	errors  atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewConfigWatcher prepares a watcher for path. Audit logging is enabled
// when watch.AuditFile is set.
func NewConfigWatcher(path string, watch WatchConfig, logger Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if path == "" {
		return nil, NewConfigWatcherError("config path is empty", nil)
	}
	interval := watch.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	cw := &ConfigWatcher{path: path, logger: logger.With("component", "config_watcher")}

	auditConfig := argus.AuditConfig{Enabled: false}
	if watch.AuditFile != "" {
		auditConfig = argus.AuditConfig{
			Enabled:       true,
			OutputFile:    watch.AuditFile,
			MinLevel:      argus.AuditInfo,
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
		}
		audit, err := argus.NewAuditLogger(auditConfig)
		if err != nil {
			return nil, NewConfigWatcherError("failed to create audit logger", err)
		}
		cw.audit = audit
	}

	cw.watcher = argus.New(argus.Config{
		PollInterval:         interval,
		CacheTTL:             interval / 2,
		MaxWatchedFiles:      1,
		Audit:                auditConfig,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			cw.errors.Add(1)
			cw.logger.Error("Config file watching error", "error", err.Error(), "path", file)
		},
	})
	return cw, nil
}

// Start begins polling.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return nil
	}
	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		return NewConfigWatcherError("failed to watch "+cw.path, err)
	}
	if err := cw.watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start watcher", err)
	}
	cw.running = true
	cw.logger.Info("Watching host configuration", "path", cw.path)
	return nil
}

// Stop ends polling and flushes the audit log.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.running {
		return nil
	}
	cw.running = false
	var firstErr error
	if err := cw.watcher.Stop(); err != nil {
		firstErr = NewConfigWatcherError("failed to stop watcher", err)
	}
	if cw.audit != nil {
		if err := cw.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Host configuration deleted, keeping current settings", "path", event.Path)
		cw.auditEvent("host_config_deleted", map[string]interface{}{"path": event.Path})
		return
	}
	cw.reload(event.Path)
}

// reload parses path and parks the result.
func (cw *ConfigWatcher) reload(path string) {
	cfg, err := LoadHostConfig(path)
	if err != nil {
		cw.errors.Add(1)
		cw.logger.Error("Host configuration reload rejected", "path", path, "error", err.Error())
		cw.auditEvent("host_config_rejected", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	cw.pending.Store(cfg)
	cw.reloads.Add(1)
	cw.logger.Info("Host configuration reloaded", "path", path)
	cw.auditEvent("host_config_reloaded", map[string]interface{}{
		"path":           path,
		"search_timeout": cfg.Search.Timeout.String(),
	})
}

// TakePending returns the latest parsed update, once.
func (cw *ConfigWatcher) TakePending() (*HostConfig, bool) {
	cfg := cw.pending.Swap(nil)
	return cfg, cfg != nil
}

// Reloads counts accepted reloads; Errors counts rejected ones.
func (cw *ConfigWatcher) Reloads() int64 { return cw.reloads.Load() }

func (cw *ConfigWatcher) Errors() int64 { return cw.errors.Load() }

func (cw *ConfigWatcher) auditEvent(event string, ctx map[string]interface{}) {
	if cw.audit != nil {
		cw.audit.LogSecurityEvent(event, "Host configuration change", ctx)
	}
}
