// adapter_script_test.go: Lua runtime sandbox, calls and host table
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHostSink captures host calls made by a guest.
type recordingHostSink struct {
	mu    sync.Mutex
	calls []recordedHostCall
	err   error
}

type recordedHostCall struct {
	pluginID  string
	fn        HostFunction
	payload   string
	requestID string
	callback  string
}

func (r *recordingHostSink) submit(pluginID string, fn HostFunction, payload []byte, requestID, callback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, recordedHostCall{pluginID, fn, string(payload), requestID, callback})
	return nil
}

func (r *recordingHostSink) recorded() []recordedHostCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedHostCall(nil), r.calls...)
}

const calcLua = `
local greeting = "hi"

function initialize(ctx)
  greeting = "hello " .. ctx.plugin_id
end

function search(query, ctx)
  if query == "fail" then return nil, "index unavailable" end
  if query == "boom" then error("exploded") end
  if query == "spin" then while true do end end
  return {
    { id = "r1", title = "Result for " .. query, score = 2, action = { type = "copy", target = query } },
    { id = "r2", title = greeting },
  }
end

function execute_command(id, ctx, args)
  return { id = id, n = args.n }
end

function execute_action(id, ctx, args)
  local ok, err = host.storage_set({ key = "last", value = id }, "req-1", "on_stored")
  host.log("warn", "stored " .. id)
  return { accepted = ok, err = err }
end

function on_stored(result)
  stored = result.ok
end

function on_message(msg)
  last_topic = msg.topic
end

function probe()
  return io == nil and os == nil and require == nil and loadstring == nil and dofile == nil
end

function peek(name)
  return _G[name]
end
`

func calcScriptManifest() *PluginManifest {
	m := testManifest("com.example.calc", KindScripted)
	m.Commands = []CommandDecl{{ID: "calc", Title: "Calculate"}}
	m.Actions = []ActionDecl{{ID: "save", Title: "Save"}}
	m.Capabilities.Messaging = true
	return m
}

func newCalcScript(t *testing.T) (*scriptRuntime, *recordingHostSink, *TestLogger) {
	t.Helper()
	sink := &recordingHostSink{}
	logger := NewTestLogger()
	rt, err := newScriptRuntime(calcScriptManifest(), calcLua, "main.lua", sink, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.close(context.Background()) })
	return rt, sink, logger
}

func TestScriptRuntime_SearchDecodesItems(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	ctx := context.Background()
	pc := PluginContext{PluginID: "com.example.calc"}

	require.NoError(t, rt.initialize(ctx, pc))
	items, err := rt.search(ctx, "2+2", pc)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Result for 2+2", items[0].Title)
	assert.Equal(t, 2.0, items[0].Score)
	assert.Equal(t, ActionCopy, items[0].Action.Type)
	assert.Equal(t, "2+2", items[0].Action.Target)
	assert.Equal(t, "hello com.example.calc", items[1].Title)
	assert.Equal(t, KindScripted, rt.kind())
}

func TestScriptRuntime_GuestErrors(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	pc := PluginContext{PluginID: "com.example.calc"}

	_, err := rt.search(context.Background(), "fail", pc)
	assert.Equal(t, ErrCodeGuestReported, ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "index unavailable")

	_, err = rt.search(context.Background(), "boom", pc)
	assert.Equal(t, ErrCodeGuestTrap, ErrorCodeOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rt.search(ctx, "spin", pc)
	assert.Equal(t, ErrCodeGuestTrap, ErrorCodeOf(err))
	assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))

	items, err := rt.search(context.Background(), "after", pc)
	require.NoError(t, err, "the state is usable after a trap")
	assert.Len(t, items, 2)
}

func TestScriptRuntime_CommandsAndHostCalls(t *testing.T) {
	rt, sink, logger := newCalcScript(t)
	ctx := context.Background()
	pc := PluginContext{PluginID: "com.example.calc"}

	v, err := rt.executeCommand(ctx, "calc", pc, map[string]Value{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "calc", "n": int64(3)}, v)

	v, err = rt.executeAction(ctx, "save", pc, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"accepted": true}, v)

	calls := sink.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, recordedHostCall{
		pluginID:  "com.example.calc",
		fn:        HostStorageSet,
		payload:   `{"key":"last","value":"save"}`,
		requestID: "req-1",
		callback:  "on_stored",
	}, calls[0])
	assert.True(t, logger.HasMessage("WARN", "stored save"))

	require.NoError(t, rt.deliverHostResult(ctx, "on_stored", HostResult{RequestID: "req-1", Function: HostStorageSet, OK: true}))
	stored, err := rt.call(ctx, "peek", false, "stored")
	require.NoError(t, err)
	assert.Equal(t, true, stored)

	err = rt.deliverHostResult(ctx, "on_missing", HostResult{RequestID: "req-2"})
	assert.Equal(t, ErrCodeUnknownCallback, ErrorCodeOf(err))
}

func TestScriptRuntime_RejectedHostCall(t *testing.T) {
	rt, sink, _ := newCalcScript(t)
	sink.err = NewHostCallRejectedError(string(HostStorageSet), "queue full")

	v, err := rt.executeAction(context.Background(), "save", PluginContext{}, nil)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, m["accepted"])
	assert.Contains(t, m["err"], "queue full")
}

func TestScriptRuntime_MessagesAndOptionalHooks(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	ctx := context.Background()

	require.NoError(t, rt.deliverMessage(ctx, Message{ID: "m1", Type: MessageBroadcast, Topic: "theme.changed"}))
	topic, err := rt.call(ctx, "peek", false, "last_topic")
	require.NoError(t, err)
	assert.Equal(t, "theme.changed", topic)

	assert.NoError(t, rt.cleanup(ctx), "cleanup is optional")
	err = rt.backgroundRefresh(ctx, PluginContext{})
	assert.Equal(t, ErrCodeUnsupportedOp, ErrorCodeOf(err))
}

func TestScriptRuntime_Sandbox(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	sandboxed, err := rt.call(context.Background(), "probe", false)
	require.NoError(t, err)
	assert.Equal(t, true, sandboxed)
}

func TestScriptRuntime_LoadFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		code   string
	}{
		{"syntax error", "function search(", ErrCodeLoadFailed},
		{"top level error", `error("no")`, ErrCodeLoadFailed},
		{"missing search", "function other() end", ErrCodeMissingExport},
		{"search is not a function", "search = 42", ErrCodeMissingExport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newScriptRuntime(testManifest("com.example.bad", KindScripted), tt.source, "main.lua", &recordingHostSink{}, NewNoOpLogger())
			require.Error(t, err)
			assert.Equal(t, tt.code, ErrorCodeOf(err))
		})
	}
}

func TestScriptRuntime_CloseIsFinal(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	ctx := context.Background()
	require.NoError(t, rt.close(ctx))
	require.NoError(t, rt.close(ctx), "close is idempotent")

	_, err := rt.search(ctx, "x", PluginContext{})
	assert.Equal(t, ErrCodePluginNotActive, ErrorCodeOf(err))
	err = rt.deliverHostResult(ctx, "on_stored", HostResult{})
	assert.Equal(t, ErrCodeUnknownCallback, ErrorCodeOf(err))
}

func TestLuaValueConversion(t *testing.T) {
	rt, _, _ := newCalcScript(t)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	L := rt.L

	in := map[string]any{
		"name":  "calc",
		"count": int64(2),
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"ctx":   PluginContext{PluginID: "p", Locale: "it"},
	}
	out := luaToValue(valueToLua(L, in))
	assert.Equal(t, map[string]any{
		"name":  "calc",
		"count": int64(2),
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"ctx":   map[string]any{"plugin_id": "p", "locale": "it", "deadline": "0001-01-01T00:00:00Z"},
	}, out)

	cyclic := L.NewTable()
	cyclic.RawSetString("self", cyclic)
	cyclic.RawSetString("n", valueToLua(L, int64(1)))
	assert.Equal(t, map[string]any{"self": nil, "n": int64(1)}, luaToValue(cyclic))
}

func TestParseGuestReply(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
		code string
	}{
		{"envelope ok", `{"ok":true,"result":[1,2]}`, `[1,2]`, ""},
		{"envelope without result", `{"ok":true}`, ``, ""},
		{"envelope error", `{"ok":false,"error":"nope"}`, ``, ErrCodeGuestReported},
		{"bare value", `{"items":[]}`, `{"items":[]}`, ""},
		{"empty", ``, ``, ""},
		{"garbage", `{oops`, ``, ErrCodeDeserialization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := parseGuestReply("p", "search", []byte(tt.data))
			if tt.code != "" {
				assert.Equal(t, tt.code, ErrorCodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestDecodeActionItems(t *testing.T) {
	list, err := decodeActionItems("p", "search", json.RawMessage(`[{"id":"a","title":"A"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)

	wrapped, err := decodeActionItems("p", "search", json.RawMessage(`{"items":[{"id":"b","title":"B"}]}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, "B", wrapped[0].Title)

	none, err := decodeActionItems("p", "search", json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = decodeActionItems("p", "search", json.RawMessage(`"text"`))
	assert.Equal(t, ErrCodeDeserialization, ErrorCodeOf(err))
}
