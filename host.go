// host.go: the runtime composition root and its update cycle
//
// A Host owns every runtime component. The embedding application calls
// Update once per frame (or uses Run) from a single goroutine; every UI
// request handler must be called from that same goroutine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// HostOptions injects collaborators. Zero values select defaults: a
// discarding event sink, the default logger and metrics, a file config
// store under DataDir and the system clipboard.
type HostOptions struct {
	Events      EventSink
	Logger      Logger
	Metrics     MetricsCollector
	ConfigStore ConfigStore
	// Services overrides individual host services; nil members keep the
	// configured defaults.
	Services HostServices
	Clock    func() time.Time
}

// UpdateStats summarizes one update cycle.
type UpdateStats struct {
	TasksCompleted    int
	HostCallsStarted  int
	MessagesRouted    int
	CorrelationsTimed int
	HealthChanges     int
	SearchesCompleted int
	RefreshesStarted  int
}

// Idle reports whether the cycle did no work.
func (s UpdateStats) Idle() bool { return s == UpdateStats{} }

// Host wires discovery, loading, routing, host functions, search and the
// scheduler together.
type Host struct {
	config  HostConfig
	logger  Logger
	events  EventSink
	metrics MetricsCollector
	clock   func() time.Time

	scheduler   *Scheduler
	bridge      *ServiceBridge
	hostBridge  *HostBridge
	search      *SearchCoordinator
	discovery   *DiscoveryEngine
	loader      *Loader
	wasm        *WasmEngine
	trust       *NativeTrustPolicy
	configStore ConfigStore
	storage     KeyValueStore
	closeStore  func() error

	configWatcher    *ConfigWatcher
	discoveryWatcher *DiscoveryWatcher

	mu          sync.Mutex
	started     bool
	shutdown    bool
	failures    []PluginLoadFailed
	preferences map[string]map[string]Value
	initPending map[string]bool
	lastRefresh map[string]time.Time
	lastReport  *DiscoveryReport
}

// NewHost constructs every component from config. It does not scan for
// plugins; call Start.
func NewHost(ctx context.Context, config HostConfig, opts HostOptions) (*Host, error) {
	config.ApplyDefaults()
	if err := config.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	events := opts.Events
	if events == nil {
		events = discardSink{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timecache.CachedTime
	}

	h := &Host{
		config:      config,
		logger:      logger.With("component", "host"),
		events:      events,
		metrics:     metrics,
		clock:       clock,
		preferences: make(map[string]map[string]Value),
		initPending: make(map[string]bool),
		lastRefresh: make(map[string]time.Time),
	}

	h.scheduler = NewScheduler(config.Scheduler, logger)
	h.bridge = NewServiceBridge(ServiceBridgeConfig{
		QueueCapacity:       config.Messaging.QueueCapacity,
		MaxMessagesPerCycle: config.Messaging.MaxMessagesPerCycle,
		Health:              config.Health,
		Correlation:         config.Correlation,
		CircuitBreaker:      config.CircuitBreaker,
	}, logger, events, metrics)
	h.bridge.clock = clock
	h.bridge.SetUnloadHook(h.finishUnload)

	services, err := h.buildServices(opts.Services)
	if err != nil {
		return nil, err
	}
	h.hostBridge = NewHostBridge(config.HostFunctions, services, h.bridge, h.scheduler, logger, metrics)

	if engine, err := NewWasmEngine(ctx, config.Sandbox, h.hostBridge, logger); err != nil {
		h.logger.Error("WebAssembly engine unavailable, wasm plugins will be refused", "error", err.Error())
	} else {
		h.wasm = engine
	}
	if h.trust, err = NewNativeTrustPolicy(config.Native, logger); err != nil {
		h.releaseResources(ctx)
		return nil, err
	}

	h.loader = NewLoader(config.Loader, h.scheduler, h.hostBridge, h.wasm, h.trust, logger, metrics)
	h.discovery = NewDiscoveryEngine(config.Discovery, logger)
	h.search = NewSearchCoordinator(config.Search, h.bridge, events, logger, metrics)
	h.search.clock = clock
	h.search.SetContextProvider(h.pluginContext)

	h.configStore = opts.ConfigStore
	if h.configStore == nil {
		store, err := NewFileConfigStore(filepath.Join(config.DataDir, "config"))
		if err != nil {
			h.releaseResources(ctx)
			return nil, err
		}
		h.configStore = store
	}
	return h, nil
}

func (h *Host) buildServices(override HostServices) (HostServices, error) {
	services := HostServices{
		Clipboard: SystemClipboard{},
		Notifier:  EventNotifier{Sink: h.events},
	}
	switch h.config.Storage.Backend {
	case StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(h.config.Storage.Path), 0o750); err != nil {
			return services, NewHostServiceError("storage", err)
		}
		store, err := OpenSQLiteStorage(h.config.Storage.Path)
		if err != nil {
			return services, err
		}
		services.Storage = store
		h.closeStore = store.Close
	default:
		services.Storage = NewMemoryStorage()
	}
	if override.Storage != nil {
		if h.closeStore != nil {
			_ = h.closeStore()
			h.closeStore = nil
		}
		services.Storage = override.Storage
	}
	if override.Clipboard != nil {
		services.Clipboard = override.Clipboard
	}
	if override.Notifier != nil {
		services.Notifier = override.Notifier
	}
	if override.HTTP != nil {
		services.HTTP = override.HTTP
	}
	h.storage = services.Storage
	return services, nil
}

// Start launches the scheduler, loads every discovered plugin and starts
// the configured watchers. Initialization completes on later updates.
func (h *Host) Start(ctx context.Context, configPath string) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	h.scheduler.Start()
	if _, err := h.LoadAll(ctx); err != nil {
		return err
	}
	if h.config.Watch.Config && configPath != "" {
		w, err := NewConfigWatcher(configPath, h.config.Watch, h.logger)
		if err != nil {
			h.logger.Warn("Config watching disabled", "error", err.Error())
		} else if err := w.Start(); err != nil {
			h.logger.Warn("Config watching disabled", "error", err.Error())
		} else {
			h.configWatcher = w
		}
	}
	if h.config.Watch.Plugins {
		w, err := NewDiscoveryWatcher(h.discovery, h.config.Watch.Debounce, h.logger)
		if err != nil {
			h.logger.Warn("Plugin directory watching disabled", "error", err.Error())
		} else {
			w.Start()
			h.discoveryWatcher = w
		}
	}
	return nil
}

// LoadAll scans every discovery directory and loads each new candidate.
// A broken plugin is reported and skipped.
func (h *Host) LoadAll(ctx context.Context) (*DiscoveryReport, error) {
	report, err := h.discovery.DiscoverPlugins(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failures {
		h.reportFailure(PluginLoadFailed{Path: f.Path, Code: ErrorCodeOf(f.Err), Error: f.Err.Error()})
	}
	for _, c := range report.Candidates {
		if _, loaded := h.bridge.Plugin(c.Manifest.ID); loaded {
			continue
		}
		h.LoadCandidate(ctx, c)
	}
	h.mu.Lock()
	h.lastReport = report
	h.mu.Unlock()
	return report, nil
}

// Rescan reloads the discovery directories, loading added plugins and
// unloading removed ones.
func (h *Host) Rescan(ctx context.Context) error {
	h.mu.Lock()
	prev := h.lastReport
	h.mu.Unlock()
	report, err := h.LoadAll(ctx)
	if err != nil {
		return err
	}
	added, removed := DiffReports(prev, report)
	for _, id := range removed {
		if err := h.Unload(id); err != nil {
			h.logger.Debug("Removed plugin was not registered", "plugin_id", id)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		h.logger.Info("Plugin directories rescanned", "added", added, "removed", removed)
	}
	return nil
}

// LoadCandidate loads, registers and starts initializing one candidate.
// It reports whether the plugin reached registration.
func (h *Host) LoadCandidate(ctx context.Context, c DiscoveryCandidate) bool {
	p, err := h.loader.Load(ctx, c)
	if err != nil {
		h.reportLoadError(c, err)
		return false
	}
	id := p.ID()
	if cfg, err := h.configStore.LoadConfig(id); err == nil && !cfg.Enabled {
		h.logger.Info("Plugin disabled by configuration", "plugin_id", id)
		_ = p.close(ctx)
		return false
	}
	if err := h.bridge.Register(p); err != nil {
		_ = p.close(ctx)
		h.reportLoadError(c, err)
		return false
	}
	h.loadPreferences(p)

	h.mu.Lock()
	h.initPending[id] = true
	h.mu.Unlock()

	p.Initialize(h.pluginContext(p, "", time.Time{})).OnComplete(func(_ struct{}, err error) {
		h.mu.Lock()
		delete(h.initPending, id)
		h.mu.Unlock()
		if err != nil {
			if _, uerr := h.bridge.Unregister(id); uerr == nil {
				h.closePlugin(p)
			}
			h.reportLoadError(c, err)
			return
		}
		if err := h.bridge.Activate(id); err != nil {
			return
		}
		m := p.Manifest()
		h.events.Emit(PluginLoaded{PluginID: id, Name: m.Name, Version: m.Version, Kind: p.Kind(), Source: p.Source()})
	})
	return true
}

func (h *Host) reportLoadError(c DiscoveryCandidate, err error) {
	f := PluginLoadFailed{Path: c.ManifestPath, Code: ErrorCodeOf(err), Error: err.Error()}
	if c.Manifest != nil {
		f.PluginID = c.Manifest.ID
	}
	h.reportFailure(f)
}

func (h *Host) reportFailure(f PluginLoadFailed) {
	h.mu.Lock()
	h.failures = append(h.failures, f)
	h.mu.Unlock()
	h.logger.Warn("Plugin failed to load", "plugin_id", f.PluginID, "path", f.Path, "code", f.Code, "error", f.Error)
	h.events.Emit(f)
}

func (h *Host) loadPreferences(p *Plugin) {
	m := p.Manifest()
	prefs := m.DefaultPreferences()
	cfg, err := h.configStore.LoadConfig(p.ID())
	if err != nil {
		h.logger.Warn("Plugin config unreadable, using defaults", "plugin_id", p.ID(), "error", err.Error())
	} else {
		for k, v := range cfg.Preferences {
			prefs[k] = v
		}
	}
	h.mu.Lock()
	h.preferences[p.ID()] = prefs
	h.mu.Unlock()
}

// pluginContext builds the environment for one invocation.
func (h *Host) pluginContext(p *Plugin, requestID string, deadline time.Time) PluginContext {
	h.mu.Lock()
	prefs := make(map[string]Value, len(h.preferences[p.ID()]))
	for k, v := range h.preferences[p.ID()] {
		prefs[k] = v
	}
	h.mu.Unlock()
	return PluginContext{
		PluginID:    p.ID(),
		RequestID:   requestID,
		Preferences: prefs,
		Locale:      h.config.Locale,
		HostVersion: h.loader.config.HostVersion,
		DataDir:     filepath.Join(h.config.DataDir, "plugins", p.ID()),
		Deadline:    deadline,
	}
}

// SetPreference persists one preference and applies it to future calls.
func (h *Host) SetPreference(pluginID, key string, value Value) error {
	p, ok := h.bridge.Plugin(pluginID)
	if !ok {
		return NewUnknownPluginError(pluginID)
	}
	m := p.Manifest()
	known := false
	for _, f := range m.Preferences {
		if f.Name == key {
			known = true
			break
		}
	}
	if !known {
		return NewConfigValidationError("plugin "+pluginID+" declares no preference "+key, nil)
	}

	cfg, err := h.configStore.LoadConfig(pluginID)
	if err != nil {
		return err
	}
	if cfg.Preferences == nil {
		cfg.Preferences = make(map[string]Value)
	}
	old := cfg.Preferences[key]
	cfg.Preferences[key] = value
	cfg.UpdatedAt = h.clock()
	if err := h.configStore.SaveConfig(cfg); err != nil {
		return err
	}
	if err := h.configStore.TrackChange(ConfigChange{PluginID: pluginID, Key: key, OldValue: old, NewValue: value, ChangedAt: cfg.UpdatedAt}); err != nil {
		h.logger.Warn("Config change not tracked", "plugin_id", pluginID, "error", err.Error())
	}

	h.mu.Lock()
	if h.preferences[pluginID] == nil {
		h.preferences[pluginID] = make(map[string]Value)
	}
	h.preferences[pluginID][key] = value
	h.mu.Unlock()
	return nil
}

// Update runs one coordinating cycle. It never blocks on plugin work.
func (h *Host) Update() UpdateStats {
	now := h.clock()
	var s UpdateStats
	s.TasksCompleted = h.scheduler.Poll()
	s.HostCallsStarted = h.hostBridge.Process()
	s.MessagesRouted = h.bridge.ProcessMessages()
	s.CorrelationsTimed = len(h.bridge.PruneCorrelations(now))
	if h.bridge.HealthDue(now) {
		s.HealthChanges = len(h.bridge.SweepHealth(now, h.scheduler.InFlight))
	}
	s.SearchesCompleted = h.search.Tick(now)
	s.RefreshesStarted = h.refreshDue(now)
	if h.configWatcher != nil {
		if cfg, ok := h.configWatcher.TakePending(); ok {
			h.ApplyConfig(*cfg)
		}
	}
	if h.discoveryWatcher != nil && h.discoveryWatcher.TakePending() {
		if err := h.Rescan(context.Background()); err != nil {
			h.logger.Warn("Rescan failed", "error", err.Error())
		}
	}
	return s
}

func (h *Host) refreshDue(now time.Time) int {
	started := 0
	for _, p := range h.bridge.PluginsWith(CapBackgroundRefresh) {
		id := p.ID()
		h.mu.Lock()
		last, seen := h.lastRefresh[id]
		if seen && now.Sub(last) < h.config.RefreshInterval {
			h.mu.Unlock()
			continue
		}
		h.lastRefresh[id] = now
		h.mu.Unlock()
		if !seen {
			// First sighting only arms the timer.
			continue
		}
		if _, err := h.bridge.DispatchablePlugin(id); err != nil {
			continue
		}
		p.BackgroundRefresh(h.pluginContext(p, "", time.Time{})).OnComplete(func(_ struct{}, err error) {
			h.bridge.RecordOutcome(id, err)
		})
		started++
	}
	return started
}

// Run calls Update every TickInterval until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Update()
		}
	}
}

// Settle runs update cycles until no plugin is still initializing.
func (h *Host) Settle(ctx context.Context) error {
	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()
	for {
		h.Update()
		h.mu.Lock()
		pending := len(h.initPending)
		h.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleSearchRequested starts a distributed search. The answer arrives as
// a SearchCompleted event.
func (h *Host) HandleSearchRequested(req SearchRequested) (string, error) {
	return h.search.Start(req)
}

// HandleActionExecuteRequested routes "<plugin-id>/<action-id>" to the
// owning plugin. Every request, including rejected ones, gets exactly one
// ActionExecuteCompleted.
func (h *Host) HandleActionExecuteRequested(req ActionExecuteRequested) {
	h.execute(req.Requester, req.ActionID, func(p *Plugin, local string) *Task[Value] {
		return p.ExecuteAction(local, h.pluginContext(p, req.ActionID, time.Time{}), req.Parameters)
	})
}

// HandleCommandExecuteRequested runs a declared command the same way.
func (h *Host) HandleCommandExecuteRequested(req CommandExecuteRequested) {
	h.execute(req.Requester, req.CommandID, func(p *Plugin, local string) *Task[Value] {
		return p.ExecuteCommand(local, h.pluginContext(p, req.CommandID, time.Time{}), req.Arguments)
	})
}

func (h *Host) execute(requester RequesterHandle, qualified string, run func(p *Plugin, local string) *Task[Value]) {
	pluginID, local, ok := strings.Cut(qualified, "/")
	fail := func(err error) {
		h.events.Emit(ActionExecuteCompleted{
			Requester: requester,
			ActionID:  qualified,
			PluginID:  pluginID,
			Error:     err.Error(),
			Code:      ErrorCodeOf(err),
		})
	}
	if !ok || pluginID == "" || local == "" {
		fail(NewUnknownPluginError(qualified))
		return
	}
	p, err := h.bridge.DispatchablePlugin(pluginID)
	if err != nil {
		fail(err)
		return
	}
	run(p, local).OnComplete(func(result Value, err error) {
		h.bridge.RecordOutcome(pluginID, err)
		if err != nil {
			h.logger.Warn("Plugin execution failed", "plugin_id", pluginID, "id", local, "error", err.Error())
			fail(err)
			return
		}
		h.events.Emit(ActionExecuteCompleted{
			Requester: requester,
			ActionID:  qualified,
			PluginID:  pluginID,
			Success:   true,
			Result:    result,
		})
	})
}

// HandlePermissionChange applies an OS permission notification.
func (h *Host) HandlePermissionChange(change PermissionChange) int {
	return h.bridge.HandlePermissionChange(change)
}

// HandleRequesterDestroyed forgets all pending work of a UI requester.
func (h *Host) HandleRequesterDestroyed(requester RequesterHandle) {
	h.search.DropRequester(requester)
	h.bridge.DropRequester(requester)
}

// Unload queues a high priority unregister; cleanup runs once it is routed.
func (h *Host) Unload(pluginID string) error {
	if _, ok := h.bridge.Plugin(pluginID); !ok {
		return NewUnknownPluginError(pluginID)
	}
	return h.bridge.Send(Message{Type: MessageControl, Priority: PriorityCritical, Control: ControlUnregister, To: pluginID})
}

func (h *Host) finishUnload(p *Plugin) {
	h.mu.Lock()
	delete(h.preferences, p.ID())
	delete(h.lastRefresh, p.ID())
	h.mu.Unlock()
	h.closePlugin(p)
}

// closePlugin runs the guest cleanup, then releases the runtime.
func (h *Host) closePlugin(p *Plugin) {
	p.Cleanup().OnComplete(func(_ struct{}, err error) {
		if err != nil {
			h.logger.Warn("Plugin cleanup failed", "plugin_id", p.ID(), "error", err.Error())
		}
		if err := p.close(context.Background()); err != nil {
			h.logger.Warn("Plugin close failed", "plugin_id", p.ID(), "error", err.Error())
		}
	})
}

// Shutdown stops watchers, cleans up every plugin and releases resources.
// It waits for cleanup at most until ctx is done.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil
	}
	h.shutdown = true
	h.mu.Unlock()

	if h.configWatcher != nil {
		_ = h.configWatcher.Stop()
	}
	if h.discoveryWatcher != nil {
		_ = h.discoveryWatcher.Stop()
	}

	// Cleanup needs workers even when Start was never called.
	h.scheduler.Start()
	entries := h.bridge.Entries()
	for _, e := range entries {
		p, err := h.bridge.Unregister(e.ID)
		if err != nil {
			continue
		}
		if _, err := p.Cleanup().Wait(ctx); err != nil {
			h.logger.Warn("Plugin cleanup failed during shutdown", "plugin_id", e.ID, "error", err.Error())
		}
		if err := p.close(ctx); err != nil {
			h.logger.Warn("Plugin close failed during shutdown", "plugin_id", e.ID, "error", err.Error())
		}
	}
	err := h.scheduler.Stop(ctx)
	h.releaseResources(ctx)
	h.logger.Info("Host stopped", "plugins", len(entries))
	return err
}

func (h *Host) releaseResources(ctx context.Context) {
	if h.wasm != nil {
		if err := h.wasm.Close(ctx); err != nil {
			h.logger.Warn("WebAssembly engine close failed", "error", err.Error())
		}
	}
	if h.trust != nil {
		_ = h.trust.Close()
	}
	if h.closeStore != nil {
		_ = h.closeStore()
	}
}

// ApplyConfig swaps the hot-reloadable settings: search timeout and boosts,
// health thresholds and circuit breaker thresholds.
func (h *Host) ApplyConfig(config HostConfig) {
	config.ApplyDefaults()
	h.search.UpdateConfig(config.Search)
	h.bridge.UpdateHealthConfig(config.Health)
	h.bridge.UpdateCircuitBreakerConfig(config.CircuitBreaker)
	h.mu.Lock()
	h.config.Search = config.Search
	h.config.Health = config.Health
	h.config.CircuitBreaker = config.CircuitBreaker
	h.config.RefreshInterval = config.RefreshInterval
	h.mu.Unlock()
	h.logger.Info("Configuration applied",
		"search_timeout", config.Search.Timeout.String(),
		"unresponsive_after", config.Health.UnresponsiveAfter.String(),
		"breaker_threshold", config.CircuitBreaker.FailureThreshold)
}

// Config returns the active configuration.
func (h *Host) Config() HostConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// Plugins lists registry entries in registration order.
func (h *Host) Plugins() []PluginRegistryEntry { return h.bridge.Entries() }

// Failures returns the load failures seen so far.
func (h *Host) Failures() []PluginLoadFailed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PluginLoadFailed(nil), h.failures...)
}

// Bridge exposes the service bridge for sending and subscribing.
func (h *Host) Bridge() *ServiceBridge { return h.bridge }

// ConfigStore returns the plugin config store.
func (h *Host) ConfigStore() ConfigStore { return h.configStore }

// Diagnostics reports registry, queue, scheduler and process state.
func (h *Host) Diagnostics(ctx context.Context) HostDiagnostics {
	entries := h.bridge.Entries()
	byKind := make(map[string]int)
	for _, e := range entries {
		byKind[e.Kind.String()]++
	}
	d := HostDiagnostics{
		GeneratedAt:         h.clock(),
		Plugins:             entries,
		ByKind:              byKind,
		Failures:            h.Failures(),
		PendingCorrelations: h.bridge.Correlations().Len(),
		QueuedMessages:      h.bridge.QueueLen(),
		QueuedHostCalls:     h.hostBridge.Pending(),
		Scheduler:           h.scheduler.Stats(),
		Process:             CollectProcessSnapshot(ctx),
		Metrics:             h.metrics.GetMetrics(),
	}
	if h.trust != nil {
		stats := h.trust.Stats()
		d.NativeTrust = &stats
	}
	sort.Slice(d.Failures, func(i, j int) bool { return d.Failures[i].Path < d.Failures[j].Path })
	return d
}
