// adapter_script.go: sandboxed Lua plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// scriptRuntime runs one Lua plugin. gopher-lua states are not goroutine
// safe, so every call holds mu for its whole duration.
type scriptRuntime struct {
	id     string
	host   hostCallSink
	logger Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

func newScriptRuntime(manifest *PluginManifest, source, chunkName string, host hostCallSink, logger Logger) (*scriptRuntime, error) {
	rt := &scriptRuntime{
		id:     manifest.ID,
		host:   host,
		logger: logger.With("plugin_id", manifest.ID, "kind", KindScripted.String()),
		L:      lua.NewState(lua.Options{SkipOpenLibs: true}),
	}
	openSandboxedLua(rt.L)
	rt.installHostTable()

	if err := rt.load(source, chunkName); err != nil {
		rt.L.Close()
		return nil, NewLoadFailedError(manifest.ID, err)
	}
	err := manifest.ValidateExports(func(symbol string) bool {
		return rt.L.GetGlobal(symbol).Type() == lua.LTFunction
	})
	if err != nil {
		rt.L.Close()
		return nil, err
	}
	return rt, nil
}

// openSandboxedLua opens base, table, string and math only. io, os, debug
// and package are never opened and file loading is removed from base.
func openSandboxedLua(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (rt *scriptRuntime) load(source, chunkName string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic while loading %s: %v", chunkName, r)
		}
	}()
	fn, err := rt.L.Load(strings.NewReader(source), chunkName)
	if err != nil {
		return err
	}
	rt.L.Push(fn)
	return rt.L.PCall(0, lua.MultRet, nil)
}

// installHostTable exposes host.<function>(payload, request_id, callback).
// Each returns true, or false plus a message when the call was rejected.
func (rt *scriptRuntime) installHostTable() {
	L := rt.L
	host := L.NewTable()
	for _, fn := range HostFunctions() {
		fn := fn
		host.RawSetString(string(fn), L.NewFunction(func(L *lua.LState) int {
			payload, err := luaPayload(L.Get(1))
			if err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(NewMalformedPayloadError(string(fn), err.Error()).Error()))
				return 2
			}
			requestID := L.OptString(2, "")
			callback := L.OptString(3, "")
			if err := rt.host.submit(rt.id, fn, payload, requestID, callback); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		}))
	}
	host.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		rt.guestLog(L.OptString(1, "info"), L.OptString(2, ""))
		return 0
	}))
	L.SetGlobal("host", host)
}

func (rt *scriptRuntime) guestLog(level, msg string) {
	switch level {
	case "debug":
		rt.logger.Debug(msg)
	case "warn":
		rt.logger.Warn(msg)
	case "error":
		rt.logger.Error(msg)
	default:
		rt.logger.Info(msg)
	}
}

// luaPayload accepts a JSON string or a table, which is encoded to JSON.
func luaPayload(lv lua.LValue) ([]byte, error) {
	switch v := lv.(type) {
	case lua.LString:
		return []byte(v), nil
	case *lua.LTable:
		return json.Marshal(luaToValue(v))
	case *lua.LNilType:
		return nil, nil
	default:
		return nil, fmt.Errorf("payload must be a string or table, got %s", lv.Type())
	}
}

func (rt *scriptRuntime) kind() PluginKind { return KindScripted }

// call invokes a global function with converted arguments and returns its
// first result. A second string result is treated as a guest error.
// Missing optional functions return (nil, nil).
func (rt *scriptRuntime) call(ctx context.Context, function string, optional bool, args ...Value) (result Value, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, NewPluginNotActiveError(rt.id, StatusUnloaded)
	}
	fn := rt.L.GetGlobal(function)
	if fn.Type() != lua.LTFunction {
		if optional {
			return nil, nil
		}
		return nil, NewUnsupportedOperationError(rt.id, function)
	}

	rt.L.SetContext(ctx)
	defer rt.L.RemoveContext()
	top := rt.L.GetTop()
	defer rt.L.SetTop(top)
	defer func() {
		if r := recover(); r != nil {
			err = NewGuestTrapError(rt.id, function, fmt.Errorf("lua panic: %v", r))
		}
	}()

	rt.L.Push(fn)
	for _, a := range args {
		rt.L.Push(valueToLua(rt.L, a))
	}
	if callErr := rt.L.PCall(len(args), 2, nil); callErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, NewGuestTrapError(rt.id, function, ctxErr)
		}
		return nil, NewGuestTrapError(rt.id, function, callErr)
	}
	value, errValue := rt.L.Get(-2), rt.L.Get(-1)
	if s, ok := errValue.(lua.LString); ok && s != "" {
		return nil, NewGuestReportedError(rt.id, function, string(s))
	}
	return luaToValue(value), nil
}

func (rt *scriptRuntime) initialize(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "initialize", true, pc)
	return err
}

func (rt *scriptRuntime) search(ctx context.Context, query string, pc PluginContext) ([]ActionItem, error) {
	v, err := rt.call(ctx, "search", false, query, pc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, NewDeserializationError(rt.id, "search", err)
	}
	return decodeActionItems(rt.id, "search", raw)
}

func (rt *scriptRuntime) executeCommand(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	return rt.call(ctx, "execute_command", false, id, pc, mapArgs(args))
}

func (rt *scriptRuntime) executeAction(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	return rt.call(ctx, "execute_action", false, id, pc, mapArgs(args))
}

func (rt *scriptRuntime) backgroundRefresh(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "background_refresh", false, pc)
	return err
}

func (rt *scriptRuntime) deliverMessage(ctx context.Context, msg Message) error {
	_, err := rt.call(ctx, "on_message", false, msg)
	return err
}

func (rt *scriptRuntime) deliverHostResult(ctx context.Context, callback string, result HostResult) error {
	rt.mu.Lock()
	known := !rt.closed && rt.L.GetGlobal(callback).Type() == lua.LTFunction
	rt.mu.Unlock()
	if !known {
		return NewUnknownCallbackError(rt.id, callback)
	}
	_, err := rt.call(ctx, callback, false, result)
	return err
}

func (rt *scriptRuntime) cleanup(ctx context.Context) error {
	_, err := rt.call(ctx, "cleanup", true)
	return err
}

func (rt *scriptRuntime) close(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.closed {
		rt.closed = true
		rt.L.Close()
	}
	return nil
}

// mapArgs keeps nil argument maps from reaching guests as null.
func mapArgs(args map[string]Value) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
