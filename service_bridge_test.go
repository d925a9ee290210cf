// service_bridge_test.go: registry lifecycle, routing and permission changes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestBridge(t *testing.T, config ServiceBridgeConfig, clock *manualClock) (*ServiceBridge, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	b := NewServiceBridge(config, NewTestLogger(), sink, nil)
	if clock != nil {
		b.clock = clock.Now
		b.correlations.clock = clock.Now
	}
	return b, sink
}

// pump routes queued messages and runs task callbacks until cond holds.
func pump(t *testing.T, b *ServiceBridge, s *Scheduler, cond func() bool) {
	t.Helper()
	driveUntil(t, 2*time.Second, func() {
		b.ProcessMessages()
		s.Poll()
	}, cond)
}

func TestServiceBridge_RegisterLifecycle(t *testing.T) {
	s := newTestScheduler(t)
	b, sink := newTestBridge(t, DefaultServiceBridgeConfig(), newManualClock())

	m := testManifest("com.example.a", KindScripted)
	rt := newFakeRuntime(KindScripted)
	p := newFakePlugin(s, m, rt)
	require.NoError(t, b.Register(p))

	entry, ok := b.Entry("com.example.a")
	require.True(t, ok)
	assert.Equal(t, StatusRegistering, entry.Status)
	assert.True(t, entry.Capabilities.Has(CapSearch))
	assert.Empty(t, b.SearchCandidates(), "registering plugins take no work")

	err := b.Register(newFakePlugin(s, m, newFakeRuntime(KindScripted)))
	require.Error(t, err)
	assert.Equal(t, ErrCodeDuplicateRegistration, ErrorCodeOf(err))
	assert.Equal(t, 1, b.Count())

	require.NoError(t, b.Activate("com.example.a"))
	entry, _ = b.Entry("com.example.a")
	assert.Equal(t, StatusActive, entry.Status)
	assert.Len(t, b.SearchCandidates(), 1)

	b.MarkError("com.example.a", "init failed")
	entry, _ = b.Entry("com.example.a")
	assert.Equal(t, StatusError, entry.Status)
	assert.Equal(t, "init failed", entry.Reason)
	_, err = b.DispatchablePlugin("com.example.a")
	assert.Equal(t, ErrCodePluginNotActive, ErrorCodeOf(err))

	removed, err := b.Unregister("com.example.a")
	require.NoError(t, err)
	assert.Same(t, p, removed)
	assert.Zero(t, b.Count())
	_, err = b.Unregister("com.example.a")
	assert.Equal(t, ErrCodeUnknownPlugin, ErrorCodeOf(err))
	assert.Equal(t, ErrCodeUnknownPlugin, ErrorCodeOf(b.Activate("ghost")))

	var transitions []PluginStatus
	for _, e := range sink.events {
		if lc, ok := e.(PluginLifecycle); ok {
			transitions = append(transitions, lc.To)
		}
	}
	assert.Equal(t, []PluginStatus{StatusActive, StatusError, StatusUnloaded}, transitions)
}

func TestServiceBridge_EntriesInRegistrationOrder(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	ids := []string{"com.example.z", "com.example.a", "com.example.m"}
	for _, id := range ids {
		registerActive(t, b, s, testManifest(id, KindScripted))
	}
	silent := testManifest("com.example.nosearch", KindScripted)
	silent.Capabilities.Search = false
	registerActive(t, b, s, silent)

	var got []string
	for _, e := range b.Entries() {
		got = append(got, e.ID)
	}
	assert.Equal(t, append(ids, "com.example.nosearch"), got)

	var candidates []string
	for _, p := range b.SearchCandidates() {
		candidates = append(candidates, p.ID())
	}
	assert.Equal(t, ids, candidates)
}

func TestServiceBridge_RequestResponse(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	a := registerActive(t, b, s, testManifest("com.example.a", KindScripted))
	target := registerActive(t, b, s, testManifest("com.example.b", KindWasm))

	id, err := b.Request("com.example.a", "com.example.b", map[string]Value{"q": "ping"}, 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Correlations().Len())

	pump(t, b, s, func() bool { return len(target.Messages()) == 1 })
	req := target.Messages()[0]
	assert.Equal(t, MessageRequest, req.Type)
	assert.Equal(t, id, req.CorrelationID)
	assert.Equal(t, "com.example.a", req.From)

	require.NoError(t, b.Respond("com.example.b", id, "pong", ""))
	pump(t, b, s, func() bool { return len(a.Messages()) == 1 })
	resp := a.Messages()[0]
	assert.Equal(t, MessageResponse, resp.Type)
	assert.Equal(t, id, resp.CorrelationID)
	assert.Equal(t, "pong", resp.Payload)
	assert.Zero(t, b.Correlations().Len())

	// A second response for the same correlation is dropped.
	require.NoError(t, b.Respond("com.example.b", id, "late", ""))
	b.ProcessMessages()
	s.Poll()
	assert.Len(t, a.Messages(), 1)
}

func TestServiceBridge_ResponseFromOtherPluginIsRejected(t *testing.T) {
	s := newTestScheduler(t)
	logger := NewTestLogger()
	metrics := NewDefaultMetricsCollector()
	b := NewServiceBridge(DefaultServiceBridgeConfig(), logger, &recordingSink{}, metrics)
	a := registerActive(t, b, s, testManifest("com.example.a", KindScripted))
	target := registerActive(t, b, s, testManifest("com.example.b", KindScripted))
	registerActive(t, b, s, testManifest("com.example.c", KindScripted))

	id, err := b.Request("com.example.a", "com.example.b", "ping", 3, time.Second)
	require.NoError(t, err)
	pump(t, b, s, func() bool { return len(target.Messages()) == 1 })

	require.NoError(t, b.Respond("com.example.c", id, "forged", ""))
	b.ProcessMessages()
	s.Poll()
	assert.Empty(t, a.Messages())
	assert.Equal(t, 1, b.Correlations().Len(), "the correlation stays pending")
	assert.Equal(t, int64(1), metrics.Counter(MetricResponsesRejected, map[string]string{"plugin": "com.example.c"}))
	assert.True(t, logger.HasMessage("WARN", "Response from unexpected sender rejected"))

	require.NoError(t, b.Respond("com.example.b", id, "pong", ""))
	pump(t, b, s, func() bool { return len(a.Messages()) == 1 })
	assert.Equal(t, "com.example.b", a.Messages()[0].From)
	assert.Equal(t, "pong", a.Messages()[0].Payload)
	assert.Zero(t, b.Correlations().Len())
}

func TestServiceBridge_RequestToUnknownFails(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	a := registerActive(t, b, s, testManifest("com.example.a", KindScripted))

	_, err := b.Request("com.example.a", "com.example.missing", nil, 1, time.Second)
	require.NoError(t, err)
	pump(t, b, s, func() bool { return len(a.Messages()) == 1 })
	assert.NotEmpty(t, a.Messages()[0].Error)
	assert.Zero(t, b.Correlations().Len())
}

func TestServiceBridge_BroadcastAndControl(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	a := registerActive(t, b, s, testManifest("com.example.a", KindScripted))
	rb := registerActive(t, b, s, testManifest("com.example.b", KindScripted))
	rc := registerActive(t, b, s, testManifest("com.example.c", KindScripted))

	for _, id := range []string{"com.example.a", "com.example.b", "com.example.c"} {
		require.NoError(t, b.Send(Message{Type: MessageControl, Control: ControlSubscribe, From: id, Topic: "clipboard.changed"}))
	}
	var hostGot []Message
	var hostMu sync.Mutex
	b.SubscribeHost("clipboard.changed", func(msg Message) {
		hostMu.Lock()
		hostGot = append(hostGot, msg)
		hostMu.Unlock()
	})
	b.ProcessMessages()
	entry, _ := b.Entry("com.example.b")
	assert.Equal(t, []string{"clipboard.changed"}, entry.Subscriptions)

	b.MarkError("com.example.c", "crashed")
	require.NoError(t, b.Send(Message{Type: MessageBroadcast, From: "com.example.a", Topic: "clipboard.changed", Payload: "hello"}))
	pump(t, b, s, func() bool { return len(rb.Messages()) == 1 })

	assert.Empty(t, a.Messages(), "sender is skipped")
	assert.Empty(t, rc.Messages(), "errored plugins are skipped")
	assert.Equal(t, "hello", rb.Messages()[0].Payload)
	hostMu.Lock()
	assert.Len(t, hostGot, 1)
	hostMu.Unlock()

	require.NoError(t, b.Send(Message{Type: MessageControl, Control: ControlUnsubscribe, From: "com.example.b", Topic: "clipboard.changed"}))
	b.ProcessMessages()
	entry, _ = b.Entry("com.example.b")
	assert.Empty(t, entry.Subscriptions)
}

func TestServiceBridge_UnregisterControl(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	registerActive(t, b, s, testManifest("com.example.a", KindScripted))
	registerActive(t, b, s, testManifest("com.example.b", KindScripted))

	_, err := b.Request("com.example.b", "com.example.a", nil, 1, time.Minute)
	require.NoError(t, err)

	var unloaded []string
	b.SetUnloadHook(func(p *Plugin) { unloaded = append(unloaded, p.ID()) })
	// Control traffic is critical and overtakes the queued request.
	require.NoError(t, b.Send(Message{Type: MessageControl, Control: ControlUnregister, From: "com.example.a"}))
	b.ProcessMessages()
	s.Poll()

	assert.Equal(t, []string{"com.example.a"}, unloaded)
	assert.Equal(t, 1, b.Count())
	assert.Zero(t, b.Correlations().Len(), "correlations targeting the plugin are dropped")
}

func TestServiceBridge_SendValidation(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, ServiceBridgeConfig{QueueCapacity: 2}, nil)
	registerActive(t, b, s, testManifest("com.example.a", KindScripted))

	err := b.Send(Message{Type: MessageRequest, From: "ghost", To: "com.example.a"})
	assert.Equal(t, ErrCodeUnknownPlugin, ErrorCodeOf(err))
	assert.Zero(t, b.QueueLen())

	require.NoError(t, b.Send(Message{Type: MessageRequest, From: "com.example.a", To: "com.example.a", Priority: PriorityCritical}))
	b.queueMu.Lock()
	assert.Zero(t, b.queue.tierLen(PriorityCritical), "critical is reserved for control")
	b.queueMu.Unlock()

	require.NoError(t, b.Send(Message{Type: MessageBroadcast, From: "com.example.a", Topic: "t"}))
	err = b.Send(Message{Type: MessageBroadcast, From: "com.example.a", Topic: "t"})
	assert.Equal(t, ErrCodeQueueFull, ErrorCodeOf(err))
	assert.NoError(t, b.Send(Message{Type: MessageControl, Control: ControlSubscribe, From: "com.example.a", Topic: "t"}))
}

func TestServiceBridge_PruneCorrelations(t *testing.T) {
	s := newTestScheduler(t)
	clock := newManualClock()
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), clock)
	a := registerActive(t, b, s, testManifest("com.example.a", KindScripted))
	registerActive(t, b, s, testManifest("com.example.b", KindScripted))

	var hostErrs []error
	b.HandleResponses(MessageHostFunction, func(_ CorrelationEntry, _ Message, err error) {
		hostErrs = append(hostErrs, err)
	})
	_, err := b.Correlations().Open(CorrelationEntry{PluginID: "com.example.a", Type: MessageHostFunction, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = b.Request("com.example.a", "com.example.b", nil, 1, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Empty(t, b.PruneCorrelations(clock.Now()))
	expired := b.PruneCorrelations(clock.Advance(101 * time.Millisecond))
	require.Len(t, expired, 2)

	require.Len(t, hostErrs, 1)
	assert.True(t, IsCorrelationTimeout(hostErrs[0]))

	driveUntil(t, time.Second, func() { s.Poll() }, func() bool { return len(a.Messages()) == 1 })
	assert.NotEmpty(t, a.Messages()[0].Error)
	assert.Zero(t, b.Correlations().Len())
}

func TestServiceBridge_PermissionChanges(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)

	cam := testManifest("com.example.cam", KindScripted)
	cam.Permissions.Camera = true
	registerActive(t, b, s, cam)
	plain := testManifest("com.example.plain", KindScripted)
	registerActive(t, b, s, plain)

	assert.NoError(t, b.Authorize("com.example.cam", PermCamera))
	assert.True(t, IsPermissionDenied(b.Authorize("com.example.plain", PermCamera)))

	affected := b.HandlePermissionChange(PermissionChange{Type: OSPermissionCamera, Status: OSPermissionDenied})
	assert.Equal(t, 1, affected)
	assert.True(t, IsPermissionDenied(b.Authorize("com.example.cam", PermCamera)))

	late := testManifest("com.example.late", KindScripted)
	late.Permissions.Camera = true
	registerActive(t, b, s, late)
	assert.False(t, b.HasPermission("com.example.late", PermCamera), "OS denial applies to new registrations")

	affected = b.HandlePermissionChange(PermissionChange{Type: OSPermissionCamera, Status: OSPermissionAuthorized})
	assert.Equal(t, 2, affected)
	assert.True(t, b.HasPermission("com.example.cam", PermCamera))
	assert.True(t, b.HasPermission("com.example.late", PermCamera))
	assert.False(t, b.HasPermission("com.example.plain", PermCamera), "restoring never exceeds the declaration")

	assert.Zero(t, b.HandlePermissionChange(PermissionChange{Type: "bluetooth", Status: OSPermissionDenied}))
	assert.Equal(t, ErrCodeUnknownPlugin, ErrorCodeOf(b.Authorize("ghost", PermCamera)))
}

func TestServiceBridge_NetworkAllowlist(t *testing.T) {
	s := newTestScheduler(t)
	b, _ := newTestBridge(t, DefaultServiceBridgeConfig(), nil)
	m := testManifest("com.example.net", KindScripted)
	m.Permissions.NetworkHosts = []string{"api.example.com", "*.cdn.example.org"}
	registerActive(t, b, s, m)

	assert.True(t, b.HasPermission("com.example.net", PermHTTPRequest))
	assert.True(t, b.AllowsNetworkHost("com.example.net", "api.example.com"))
	assert.True(t, b.AllowsNetworkHost("com.example.net", "img.cdn.example.org"))
	assert.False(t, b.AllowsNetworkHost("com.example.net", "evil.com"))
	assert.False(t, b.AllowsNetworkHost("ghost", "api.example.com"))
}

func TestServiceBridge_SweepHealth(t *testing.T) {
	s := newTestScheduler(t)
	clock := newManualClock()
	config := DefaultServiceBridgeConfig()
	config.Health = HealthConfig{SweepInterval: time.Second, UnresponsiveAfter: 5 * time.Second, ErrorAfter: 30 * time.Second}
	b, _ := newTestBridge(t, config, clock)
	registerActive(t, b, s, testManifest("com.example.busy", KindScripted))
	registerActive(t, b, s, testManifest("com.example.idle", KindScripted))

	inFlight := func(id string) (int, time.Time) {
		if id == "com.example.busy" {
			return 1, time.Time{}
		}
		return 0, time.Time{}
	}

	assert.Empty(t, b.SweepHealth(clock.Advance(4*time.Second), inFlight))
	changes := b.SweepHealth(clock.Advance(2*time.Second), inFlight)
	require.Len(t, changes, 1)
	assert.Equal(t, "com.example.busy", changes[0].PluginID)
	assert.Equal(t, StatusUnresponsive, changes[0].To)
	assert.Len(t, b.SearchCandidates(), 1)

	b.Heartbeat("com.example.busy")
	entry, _ := b.Entry("com.example.busy")
	assert.Equal(t, StatusActive, entry.Status)

	changes = b.SweepHealth(clock.Advance(31*time.Second), inFlight)
	require.Len(t, changes, 1)
	assert.Equal(t, StatusError, changes[0].To)

	entry, _ = b.Entry("com.example.idle")
	assert.Equal(t, StatusActive, entry.Status, "idle plugins never degrade")
}

func TestServiceBridge_CircuitBreakerGatesDispatch(t *testing.T) {
	s := newTestScheduler(t)
	config := DefaultServiceBridgeConfig()
	config.CircuitBreaker = CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1}
	b, _ := newTestBridge(t, config, nil)
	registerActive(t, b, s, testManifest("com.example.flaky", KindScripted))

	b.RecordOutcome("com.example.flaky", fmt.Errorf("boom"))
	_, err := b.DispatchablePlugin("com.example.flaky")
	require.NoError(t, err)
	b.RecordOutcome("com.example.flaky", fmt.Errorf("boom"))
	_, err = b.DispatchablePlugin("com.example.flaky")
	assert.Equal(t, ErrCodeCircuitOpen, ErrorCodeOf(err))
	assert.Empty(t, b.SearchCandidates())

	b.UpdateCircuitBreakerConfig(CircuitBreakerConfig{Enabled: false})
	_, err = b.DispatchablePlugin("com.example.flaky")
	assert.NoError(t, err)
}

// The per-kind counters always partition the registry.
func TestServiceBridge_CountIdentity(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), NewNoOpLogger())
	rapid.Check(t, func(t *rapid.T) {
		b := NewServiceBridge(DefaultServiceBridgeConfig(), nil, nil, nil)
		n := rapid.IntRange(0, 40).Draw(t, "plugins")
		live := map[string]bool{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("com.example.p%d", i)
			kind := rapid.SampledFrom(AllPluginKinds).Draw(t, "kind")
			if err := b.Register(newFakePlugin(s, testManifest(id, kind), newFakeRuntime(kind))); err != nil {
				t.Fatalf("register %s: %v", id, err)
			}
			live[id] = true
			if rapid.IntRange(0, 3).Draw(t, "unregister") == 0 {
				if _, err := b.Unregister(id); err != nil {
					t.Fatalf("unregister %s: %v", id, err)
				}
				delete(live, id)
			}
		}
		sum := b.NativeCount() + b.WasmCount() + b.ScriptedCount() + b.LegacyCount()
		if b.Count() != sum || b.Count() != len(live) {
			t.Fatalf("count %d, per-kind sum %d, live %d", b.Count(), sum, len(live))
		}
	})
}
