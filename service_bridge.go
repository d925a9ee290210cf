// service_bridge.go: plugin registry, health tracking and message routing
//
// The ServiceBridge is the single owner of the plugin registry and the
// correlation map. Other components reach both only through its methods;
// plugin adapters never receive a reference to either structure.
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

// CapabilityBits is the registry's compact snapshot of declared capabilities.
type CapabilityBits uint32

const (
	CapSearch CapabilityBits = 1 << iota
	CapBackgroundRefresh
	CapNotifications
	CapClipboardAccess
	CapFileSystemAccess
	CapNetworkAccess
	CapQuickActions
	CapStorage
	CapMessaging
)

// CapabilityBitsOf packs manifest capabilities into bits.
func CapabilityBitsOf(c PluginCapabilities) CapabilityBits {
	var b CapabilityBits
	flags := []struct {
		on  bool
		bit CapabilityBits
	}{
		{c.Search, CapSearch},
		{c.BackgroundRefresh, CapBackgroundRefresh},
		{c.Notifications, CapNotifications},
		{c.ClipboardAccess, CapClipboardAccess},
		{c.FileSystemAccess, CapFileSystemAccess},
		{c.NetworkAccess, CapNetworkAccess},
		{c.QuickActions, CapQuickActions},
		{c.Storage, CapStorage},
		{c.Messaging, CapMessaging},
	}
	for _, f := range flags {
		if f.on {
			b |= f.bit
		}
	}
	return b
}

func (b CapabilityBits) Has(c CapabilityBits) bool { return b&c == c }

// PluginRegistryEntry is a read-only snapshot of one registry entry.
type PluginRegistryEntry struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Kind          PluginKind          `json:"kind"`
	Source        DiscoverySource     `json:"source"`
	Status        PluginStatus        `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	RegisteredAt  time.Time           `json:"registered_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Capabilities  CapabilityBits      `json:"capabilities"`
	Permissions   []string            `json:"permissions"`
	Subscriptions []string            `json:"subscriptions,omitempty"`
	Breaker       CircuitBreakerStats `json:"breaker"`
}

type registryEntry struct {
	plugin        *Plugin
	manifest      *PluginManifest
	status        PluginStatus
	reason        string
	registeredAt  time.Time
	lastHeartbeat time.Time
	capabilities  CapabilityBits
	permissions   PermissionSet
	declared      PermissionSet
	breaker       *CircuitBreaker
	topics        map[string]bool
	seq           int
}

func (e *registryEntry) snapshot() PluginRegistryEntry {
	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return PluginRegistryEntry{
		ID:            e.manifest.ID,
		Name:          e.manifest.Name,
		Version:       e.manifest.Version,
		Kind:          e.plugin.Kind(),
		Source:        e.plugin.Source(),
		Status:        e.status,
		Reason:        e.reason,
		RegisteredAt:  e.registeredAt,
		LastHeartbeat: e.lastHeartbeat,
		Capabilities:  e.capabilities,
		Permissions:   e.permissions.Names(),
		Subscriptions: topics,
		Breaker:       e.breaker.GetStats(),
	}
}

// ServiceBridgeConfig configures routing and health.
type ServiceBridgeConfig struct {
	QueueCapacity       int                  `json:"queue_capacity" yaml:"queue_capacity"`
	MaxMessagesPerCycle int                  `json:"max_messages_per_cycle" yaml:"max_messages_per_cycle"`
	Health              HealthConfig         `json:"health" yaml:"health"`
	Correlation         CorrelationConfig    `json:"correlation" yaml:"correlation"`
	CircuitBreaker      CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

func DefaultServiceBridgeConfig() ServiceBridgeConfig {
	return ServiceBridgeConfig{
		QueueCapacity:       1024,
		MaxMessagesPerCycle: 256,
		Health:              DefaultHealthConfig(),
		Correlation:         DefaultCorrelationConfig(),
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
	}
}

// ResponseHandler receives responses (or their failure) for correlations
// opened by host-side components. It runs on the coordinating loop.
type ResponseHandler func(entry CorrelationEntry, msg Message, err error)

// StatusListener observes registry status transitions.
type StatusListener func(change PluginLifecycle)

// HostSubscriber receives broadcasts on a topic on behalf of the host.
type HostSubscriber func(msg Message)

// ServiceBridge owns the plugin registry and routes messages between the
// host and plugins.
type ServiceBridge struct {
	config ServiceBridgeConfig
	logger Logger
	events EventSink

	metrics MetricsCollector
	clock   func() time.Time
	health  *HealthMonitor

	mu       sync.RWMutex
	entries  map[string]*registryEntry
	seq      int
	osDenied Permission
	breakers CircuitBreakerConfig

	queueMu sync.Mutex
	queue   *messageQueue

	correlations *CorrelationTracker

	hooksMu          sync.RWMutex
	statusListeners  []StatusListener
	responseHandlers map[MessageType]ResponseHandler
	hostSubscribers  map[string][]HostSubscriber
	unloadHook       func(*Plugin)
}

// NewServiceBridge creates an empty bridge.
func NewServiceBridge(config ServiceBridgeConfig, logger Logger, events EventSink, metrics MetricsCollector) *ServiceBridge {
	defaults := DefaultServiceBridgeConfig()
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.MaxMessagesPerCycle <= 0 {
		config.MaxMessagesPerCycle = defaults.MaxMessagesPerCycle
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if events == nil {
		events = discardSink{}
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &ServiceBridge{
		config:           config,
		logger:           logger.With("component", "service_bridge"),
		events:           events,
		metrics:          metrics,
		clock:            timecache.CachedTime,
		health:           NewHealthMonitor(config.Health),
		entries:          make(map[string]*registryEntry),
		breakers:         config.CircuitBreaker,
		queue:            newMessageQueue(config.QueueCapacity),
		correlations:     NewCorrelationTracker(config.Correlation),
		responseHandlers: make(map[MessageType]ResponseHandler),
		hostSubscribers:  make(map[string][]HostSubscriber),
	}
}

// Correlations exposes the correlation tracker for opening and resolving
// host-side operations.
func (b *ServiceBridge) Correlations() *CorrelationTracker { return b.correlations }

// AddStatusListener registers a listener for status transitions.
func (b *ServiceBridge) AddStatusListener(l StatusListener) {
	b.hooksMu.Lock()
	b.statusListeners = append(b.statusListeners, l)
	b.hooksMu.Unlock()
}

// HandleResponses routes responses for correlations of type t to h instead
// of the requesting plugin.
func (b *ServiceBridge) HandleResponses(t MessageType, h ResponseHandler) {
	b.hooksMu.Lock()
	b.responseHandlers[t] = h
	b.hooksMu.Unlock()
}

// SubscribeHost delivers broadcasts on topic to fn.
func (b *ServiceBridge) SubscribeHost(topic string, fn HostSubscriber) {
	b.hooksMu.Lock()
	b.hostSubscribers[topic] = append(b.hostSubscribers[topic], fn)
	b.hooksMu.Unlock()
}

// SetUnloadHook is called with the plugin when an unregister control
// message removes it, so the owner can run cleanup.
func (b *ServiceBridge) SetUnloadHook(fn func(*Plugin)) {
	b.hooksMu.Lock()
	b.unloadHook = fn
	b.hooksMu.Unlock()
}

// Register adds a loaded plugin in Registering status with the permission
// grant derived from its manifest.
func (b *ServiceBridge) Register(p *Plugin) error {
	manifest := p.Manifest()
	declared := DerivePermissions(manifest.Permissions)
	now := b.clock()

	b.mu.Lock()
	if _, exists := b.entries[manifest.ID]; exists {
		b.mu.Unlock()
		b.logger.Warn("Duplicate plugin registration rejected", "plugin_id", manifest.ID)
		return NewDuplicateRegistrationError(manifest.ID)
	}
	effective := declared.clone()
	effective.revoke(b.osDenied)
	b.seq++
	b.entries[manifest.ID] = &registryEntry{
		plugin:        p,
		manifest:      &manifest,
		status:        StatusRegistering,
		registeredAt:  now,
		lastHeartbeat: now,
		capabilities:  CapabilityBitsOf(manifest.Capabilities),
		permissions:   effective,
		declared:      declared,
		breaker:       NewCircuitBreaker(b.breakers),
		topics:        make(map[string]bool),
		seq:           b.seq,
	}
	count := len(b.entries)
	b.mu.Unlock()

	b.metrics.SetGauge(MetricRegisteredPlugins, nil, float64(count))
	b.logger.Info("Plugin registered", "plugin_id", manifest.ID, "kind", p.Kind().String(), "permissions", effective.Names())
	return nil
}

// Activate completes registration: the entry becomes Active and heartbeat
// tracking starts.
func (b *ServiceBridge) Activate(pluginID string) error {
	b.mu.Lock()
	e, ok := b.entries[pluginID]
	if !ok {
		b.mu.Unlock()
		return NewUnknownPluginError(pluginID)
	}
	e.lastHeartbeat = b.clock()
	change, changed := b.transitionLocked(e, StatusActive, "")
	b.mu.Unlock()
	if changed {
		b.notify(change)
	}
	return nil
}

// MarkError moves a plugin to Error. The entry stays for diagnostics.
func (b *ServiceBridge) MarkError(pluginID, reason string) {
	b.mu.Lock()
	e, ok := b.entries[pluginID]
	if !ok {
		b.mu.Unlock()
		return
	}
	change, changed := b.transitionLocked(e, StatusError, reason)
	b.mu.Unlock()
	if changed {
		b.notify(change)
	}
}

// Unregister removes a plugin from the registry and drops its pending
// correlations. The removed plugin is returned for cleanup.
func (b *ServiceBridge) Unregister(pluginID string) (*Plugin, error) {
	b.mu.Lock()
	e, ok := b.entries[pluginID]
	if !ok {
		b.mu.Unlock()
		return nil, NewUnknownPluginError(pluginID)
	}
	change, _ := b.transitionLocked(e, StatusUnloaded, "unregistered")
	delete(b.entries, pluginID)
	count := len(b.entries)
	b.mu.Unlock()

	dropped := b.correlations.DropPlugin(pluginID)
	b.metrics.SetGauge(MetricRegisteredPlugins, nil, float64(count))
	b.logger.Info("Plugin unregistered", "plugin_id", pluginID, "dropped_correlations", len(dropped))
	b.notify(change)
	return e.plugin, nil
}

// transitionLocked changes status and returns the lifecycle change.
// Caller holds b.mu.
func (b *ServiceBridge) transitionLocked(e *registryEntry, to PluginStatus, reason string) (PluginLifecycle, bool) {
	from := e.status
	if from == to && e.reason == reason {
		return PluginLifecycle{}, false
	}
	e.status = to
	e.reason = reason
	return PluginLifecycle{PluginID: e.manifest.ID, From: from, To: to, Reason: reason}, true
}

func (b *ServiceBridge) notify(change PluginLifecycle) {
	b.metrics.IncrementCounter(MetricPluginStatus, map[string]string{"to": change.To.String()}, 1)
	b.events.Emit(change)
	b.hooksMu.RLock()
	listeners := append([]StatusListener(nil), b.statusListeners...)
	b.hooksMu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
}

// Heartbeat records liveness. An Unresponsive plugin becomes Active again.
func (b *ServiceBridge) Heartbeat(pluginID string) {
	b.mu.Lock()
	e, ok := b.entries[pluginID]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.lastHeartbeat = b.clock()
	var (
		change  PluginLifecycle
		changed bool
	)
	if e.status == StatusUnresponsive {
		change, changed = b.transitionLocked(e, StatusActive, "")
	}
	b.mu.Unlock()
	if changed {
		b.notify(change)
	}
}

// RecordOutcome feeds a finished task into heartbeat and breaker tracking.
func (b *ServiceBridge) RecordOutcome(pluginID string, err error) {
	b.mu.RLock()
	e, ok := b.entries[pluginID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if err != nil {
		e.breaker.RecordFailure()
		b.metrics.IncrementCounter(MetricTaskFailures, map[string]string{"plugin_id": pluginID, "code": ErrorCodeOf(err)}, 1)
	} else {
		e.breaker.RecordSuccess()
	}
	b.Heartbeat(pluginID)
}

// SweepHealth evaluates every entry's heartbeat at now. It returns the
// transitions applied.
func (b *ServiceBridge) SweepHealth(now time.Time, inFlight InFlightFunc) []PluginLifecycle {
	var changes []PluginLifecycle
	b.mu.Lock()
	for id, e := range b.entries {
		count, oldest := 0, time.Time{}
		if inFlight != nil {
			count, oldest = inFlight(id)
		}
		next, reason := b.health.evaluate(e.status, e.lastHeartbeat, count, oldest, now)
		if next == e.status {
			continue
		}
		if change, changed := b.transitionLocked(e, next, reason); changed {
			changes = append(changes, change)
		}
	}
	b.mu.Unlock()

	for _, c := range changes {
		b.logger.Warn("Plugin health changed", "plugin_id", c.PluginID, "from", c.From.String(), "to", c.To.String(), "reason", c.Reason)
		b.notify(c)
	}
	return changes
}

// HealthDue reports whether the periodic sweep should run at now.
func (b *ServiceBridge) HealthDue(now time.Time) bool { return b.health.Due(now) }

// UpdateHealthConfig swaps heartbeat thresholds.
func (b *ServiceBridge) UpdateHealthConfig(config HealthConfig) {
	b.mu.Lock()
	b.health = NewHealthMonitor(config)
	b.mu.Unlock()
}

// UpdateCircuitBreakerConfig applies new thresholds to every breaker.
func (b *ServiceBridge) UpdateCircuitBreakerConfig(config CircuitBreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = config
	for _, e := range b.entries {
		e.breaker.updateConfig(config)
	}
}

// Authorize checks a permission bit for a host function request.
func (b *ServiceBridge) Authorize(pluginID string, perm Permission) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pluginID]
	if !ok {
		return NewUnknownPluginError(pluginID)
	}
	if e.status == StatusError || e.status == StatusUnloaded {
		return NewPluginNotActiveError(pluginID, e.status)
	}
	if !e.permissions.Has(perm) {
		return NewPermissionDeniedError(pluginID, perm)
	}
	return nil
}

// AllowsNetworkHost checks the manifest's network allowlist.
func (b *ServiceBridge) AllowsNetworkHost(pluginID, host string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pluginID]
	return ok && e.manifest.Permissions.AllowsHost(host)
}

// HasPermission reports whether pluginID currently holds perm.
func (b *ServiceBridge) HasPermission(pluginID string, perm Permission) bool {
	return b.Authorize(pluginID, perm) == nil
}

// HandlePermissionChange applies an OS permission notification. Denied and
// Restricted revoke the bit from every plugin; Authorized restores it only
// where the manifest declared it. It returns the number of plugins affected.
func (b *ServiceBridge) HandlePermissionChange(change PermissionChange) int {
	bit := change.Type.Bit()
	if bit == 0 {
		return 0
	}
	affected := 0
	b.mu.Lock()
	switch change.Status {
	case OSPermissionDenied, OSPermissionRestricted:
		b.osDenied |= bit
		for _, e := range b.entries {
			if e.permissions.bits&bit != 0 {
				e.permissions.revoke(bit)
				affected++
			}
		}
	case OSPermissionAuthorized:
		b.osDenied &^= bit
		for _, e := range b.entries {
			restore := e.declared.bits & bit
			if restore != 0 && e.permissions.bits&restore != restore {
				e.permissions.grant(restore)
				affected++
			}
		}
	}
	b.mu.Unlock()
	if affected > 0 {
		b.logger.Info("OS permission change applied", "permission", string(change.Type), "status", change.Status.String(), "plugins", affected)
	}
	return affected
}

// Plugin returns the plugin registered under id, whatever its status.
func (b *ServiceBridge) Plugin(pluginID string) (*Plugin, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pluginID]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// DispatchablePlugin returns the plugin when it is Active and its breaker
// admits a call.
func (b *ServiceBridge) DispatchablePlugin(pluginID string) (*Plugin, error) {
	b.mu.RLock()
	e, ok := b.entries[pluginID]
	b.mu.RUnlock()
	if !ok {
		return nil, NewUnknownPluginError(pluginID)
	}
	b.mu.RLock()
	status := e.status
	b.mu.RUnlock()
	if !status.Dispatchable() {
		return nil, NewPluginNotActiveError(pluginID, status)
	}
	if !e.breaker.AllowRequest() {
		return nil, NewCircuitOpenError(pluginID)
	}
	return e.plugin, nil
}

// SearchCandidates snapshots Active, search-capable plugins whose breaker
// admits a call, in registration order.
func (b *ServiceBridge) SearchCandidates() []*Plugin {
	b.mu.RLock()
	entries := make([]*registryEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.status.Dispatchable() && e.capabilities.Has(CapSearch) {
			entries = append(entries, e)
		}
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Plugin, 0, len(entries))
	for _, e := range entries {
		if e.breaker.AllowRequest() {
			out = append(out, e.plugin)
		}
	}
	return out
}

// PluginsWith returns dispatchable plugins declaring every capability in c.
func (b *ServiceBridge) PluginsWith(c CapabilityBits) []*Plugin {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var entries []*registryEntry
	for _, e := range b.entries {
		if e.status.Dispatchable() && e.capabilities.Has(c) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Plugin, len(entries))
	for i, e := range entries {
		out[i] = e.plugin
	}
	return out
}

// Entry returns a snapshot of one registry entry.
func (b *ServiceBridge) Entry(pluginID string) (PluginRegistryEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pluginID]
	if !ok {
		return PluginRegistryEntry{}, false
	}
	return e.snapshot(), true
}

// Entries returns snapshots of every entry in registration order.
func (b *ServiceBridge) Entries() []PluginRegistryEntry {
	b.mu.RLock()
	entries := make([]*registryEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]PluginRegistryEntry, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	b.mu.RUnlock()
	return out
}

// Count returns the number of registered plugins.
func (b *ServiceBridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// CountByKind returns the number of registered plugins of one kind.
func (b *ServiceBridge) CountByKind(kind PluginKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.entries {
		if e.plugin.Kind() == kind {
			n++
		}
	}
	return n
}

func (b *ServiceBridge) NativeCount() int   { return b.CountByKind(KindNative) }
func (b *ServiceBridge) WasmCount() int     { return b.CountByKind(KindWasm) }
func (b *ServiceBridge) ScriptedCount() int { return b.CountByKind(KindScripted) }
func (b *ServiceBridge) LegacyCount() int   { return b.CountByKind(KindLegacy) }

// Subscribe adds pluginID to a broadcast topic.
func (b *ServiceBridge) Subscribe(pluginID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[pluginID]
	if !ok {
		return NewUnknownPluginError(pluginID)
	}
	e.topics[topic] = true
	return nil
}

// Unsubscribe removes pluginID from a topic.
func (b *ServiceBridge) Unsubscribe(pluginID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[pluginID]; ok {
		delete(e.topics, topic)
	}
}

// Send enqueues a message. Unknown senders are rejected and the message is
// dropped. Critical priority is reserved for control messages.
func (b *ServiceBridge) Send(msg Message) error {
	if msg.From != "" {
		b.mu.RLock()
		_, known := b.entries[msg.From]
		b.mu.RUnlock()
		if !known {
			b.dropMessage(msg, "unknown sender")
			return NewUnknownPluginError(msg.From)
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.clock()
	}
	if msg.Type != MessageControl && msg.Priority == PriorityCritical {
		msg.Priority = defaultPriority(msg.Type)
	}

	b.queueMu.Lock()
	ok := b.queue.push(msg)
	b.queueMu.Unlock()
	if !ok {
		b.dropMessage(msg, "queue full")
		return NewQueueFullError("messages", b.config.QueueCapacity)
	}
	return nil
}

// Request sends a point-to-point request and opens a correlation so the
// response can be routed back. It returns the correlation id.
func (b *ServiceBridge) Request(from, to string, payload Value, requester RequesterHandle, timeout time.Duration) (string, error) {
	id, err := b.correlations.Open(CorrelationEntry{
		PluginID:  from,
		Type:      MessageRequest,
		Requester: requester,
		Target:    to,
		Timeout:   timeout,
	})
	if err != nil {
		return "", err
	}
	err = b.Send(Message{Type: MessageRequest, From: from, To: to, CorrelationID: id, Payload: payload, Requester: requester})
	if err != nil {
		b.correlations.Resolve(id)
		return "", err
	}
	return id, nil
}

// Respond answers a request previously delivered to from.
func (b *ServiceBridge) Respond(from, correlationID string, payload Value, errText string) error {
	return b.Send(Message{Type: MessageResponse, From: from, CorrelationID: correlationID, Payload: payload, Error: errText})
}

// QueueLen returns the number of queued messages.
func (b *ServiceBridge) QueueLen() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return b.queue.len()
}

// ProcessMessages routes up to MaxMessagesPerCycle queued messages, highest
// priority first. It returns how many were processed.
func (b *ServiceBridge) ProcessMessages() int {
	processed := 0
	for processed < b.config.MaxMessagesPerCycle {
		b.queueMu.Lock()
		msg, ok := b.queue.pop()
		b.queueMu.Unlock()
		if !ok {
			break
		}
		b.route(msg)
		processed++
	}
	return processed
}

func (b *ServiceBridge) route(msg Message) {
	switch msg.Type {
	case MessageControl:
		b.handleControl(msg)
	case MessageHeartbeat:
		b.Heartbeat(msg.From)
	case MessageResponse:
		b.routeResponse(msg)
	case MessageBroadcast:
		b.routeBroadcast(msg)
	default:
		b.routeDirect(msg)
	}
	b.metrics.IncrementCounter(MetricMessagesRouted, map[string]string{"type": msg.Type.String()}, 1)
}

func (b *ServiceBridge) handleControl(msg Message) {
	target := msg.To
	if target == "" {
		target = msg.From
	}
	switch msg.Control {
	case ControlUnregister:
		p, err := b.Unregister(target)
		if err != nil {
			b.dropMessage(msg, "unregister of unknown plugin")
			return
		}
		b.hooksMu.RLock()
		hook := b.unloadHook
		b.hooksMu.RUnlock()
		if hook != nil {
			hook(p)
		}
	case ControlSubscribe:
		if err := b.Subscribe(target, msg.Topic); err != nil {
			b.dropMessage(msg, "subscribe from unknown plugin")
		}
	case ControlUnsubscribe:
		b.Unsubscribe(target, msg.Topic)
	default:
		b.dropMessage(msg, "unknown control operation")
	}
}

// routeResponse completes a correlation only when the response comes from
// the plugin the request was sent to. Other senders leave it pending.
func (b *ServiceBridge) routeResponse(msg Message) {
	entry, ok := b.correlations.Lookup(msg.CorrelationID)
	if !ok {
		b.dropMessage(msg, "no pending correlation")
		return
	}
	if entry.Target == "" || msg.From != entry.Target {
		b.metrics.IncrementCounter(MetricResponsesRejected, map[string]string{"plugin": msg.From}, 1)
		b.logger.Warn("Response from unexpected sender rejected",
			"correlation_id", entry.ID,
			"from", msg.From,
			"expected", entry.Target)
		return
	}
	if entry, ok = b.correlations.Resolve(msg.CorrelationID); !ok {
		b.dropMessage(msg, "no pending correlation")
		return
	}
	var err error
	if msg.Error != "" {
		err = NewGuestReportedError(msg.From, "response", msg.Error)
	}
	b.completeCorrelation(entry, msg, err)
}

// completeCorrelation hands a resolved correlation to its host handler, or
// to the requesting plugin when no handler claims the type.
func (b *ServiceBridge) completeCorrelation(entry CorrelationEntry, msg Message, err error) {
	b.hooksMu.RLock()
	handler := b.responseHandlers[entry.Type]
	b.hooksMu.RUnlock()
	if handler != nil {
		handler(entry, msg, err)
		return
	}
	if entry.PluginID == "" {
		b.logger.Debug("Response for host requester without handler", "correlation_id", entry.ID)
		return
	}
	msg.Type = MessageResponse
	msg.CorrelationID = entry.ID
	if err != nil && msg.Error == "" {
		msg.Error = err.Error()
	}
	b.deliver(entry.PluginID, msg)
}

func (b *ServiceBridge) routeDirect(msg Message) {
	if msg.To == "" {
		b.dropMessage(msg, "missing recipient")
		b.failCorrelation(msg.CorrelationID, NewUnknownPluginError(""))
		return
	}
	if !b.deliver(msg.To, msg) {
		b.failCorrelation(msg.CorrelationID, NewUnknownPluginError(msg.To))
	}
}

func (b *ServiceBridge) routeBroadcast(msg Message) {
	b.mu.RLock()
	var recipients []*registryEntry
	for id, e := range b.entries {
		if id != msg.From && e.topics[msg.Topic] && e.status.Dispatchable() {
			recipients = append(recipients, e)
		}
	}
	b.mu.RUnlock()
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].seq < recipients[j].seq })
	for _, e := range recipients {
		b.deliver(e.manifest.ID, msg)
	}

	b.hooksMu.RLock()
	subscribers := append([]HostSubscriber(nil), b.hostSubscribers[msg.Topic]...)
	b.hooksMu.RUnlock()
	for _, s := range subscribers {
		s(msg)
	}
}

// deliver spawns the recipient's message handler. It reports false and drops
// the message when the recipient is unknown or not dispatchable.
func (b *ServiceBridge) deliver(pluginID string, msg Message) bool {
	b.mu.RLock()
	e, ok := b.entries[pluginID]
	var status PluginStatus
	if ok {
		status = e.status
	}
	b.mu.RUnlock()
	if !ok {
		b.dropMessage(msg, "unknown recipient "+pluginID)
		return false
	}
	if !status.Dispatchable() {
		b.dropMessage(msg, "recipient "+pluginID+" is "+status.String())
		return false
	}
	e.plugin.deliverMessage(msg).OnComplete(func(_ struct{}, err error) {
		b.RecordOutcome(pluginID, err)
	})
	return true
}

func (b *ServiceBridge) failCorrelation(correlationID string, err error) {
	if correlationID == "" {
		return
	}
	if entry, ok := b.correlations.Resolve(correlationID); ok {
		b.completeCorrelation(entry, Message{Type: MessageResponse, Error: err.Error()}, err)
	}
}

func (b *ServiceBridge) dropMessage(msg Message, reason string) {
	b.metrics.IncrementCounter(MetricMessagesDropped, map[string]string{"reason": reason}, 1)
	b.logger.Warn("Message dropped", "reason", reason, "type", msg.Type.String(), "from", msg.From, "to", msg.To, "correlation_id", msg.CorrelationID)
}

// PruneCorrelations expires correlations older than their timeout and
// reports each as a CorrelationTimeout failure to its requester.
func (b *ServiceBridge) PruneCorrelations(now time.Time) []CorrelationEntry {
	expired := b.correlations.Prune(now)
	for _, entry := range expired {
		err := NewCorrelationTimeoutError(entry.ID, entry.Timeout.String())
		b.metrics.IncrementCounter(MetricCorrelationTimeouts, map[string]string{"type": entry.Type.String()}, 1)
		b.logger.Warn("Correlation timed out", "correlation_id", entry.ID, "type", entry.Type.String(), "plugin_id", entry.PluginID, "target", entry.Target)
		b.completeCorrelation(entry, Message{Type: MessageResponse, CorrelationID: entry.ID, Error: err.Error()}, err)
	}
	return expired
}

// DropRequester forgets every correlation owned by a destroyed requester.
func (b *ServiceBridge) DropRequester(requester RequesterHandle) int {
	return len(b.correlations.DropRequester(requester))
}
