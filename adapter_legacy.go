// adapter_legacy.go: legacy extension runtime on an embedded JS engine
//
// Legacy extensions are CommonJS bundles. They run in a bare goja runtime
// with no require, no filesystem and no timers; the only way out is the
// injected host object. Results go through the pure legacy conversion.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

type legacyRuntime struct {
	id     string
	host   hostCallSink
	logger Logger

	mu      sync.Mutex
	vm      *goja.Runtime
	exports *goja.Object
	closed  bool
}

func newLegacyRuntime(manifest *PluginManifest, source, name string, host hostCallSink, logger Logger) (*legacyRuntime, error) {
	rt := &legacyRuntime{
		id:     manifest.ID,
		host:   host,
		logger: logger.With("plugin_id", manifest.ID, "kind", KindLegacy.String()),
		vm:     goja.New(),
	}
	if err := rt.install(source, name); err != nil {
		return nil, NewLoadFailedError(manifest.ID, err)
	}
	err := manifest.ValidateExports(func(symbol string) bool {
		_, ok := goja.AssertFunction(rt.exports.Get(symbol))
		return ok
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *legacyRuntime) install(source, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("js panic while loading %s: %v", name, r)
		}
	}()
	vm := rt.vm
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}
	if err := vm.Set("module", module); err != nil {
		return err
	}
	if err := vm.Set("exports", exports); err != nil {
		return err
	}
	if err := vm.Set("host", rt.hostObject()); err != nil {
		return err
	}
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			rt.guestLog(level, fmt.Sprint(parts...))
			return goja.Undefined()
		})
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if _, err := vm.RunScript(name, source); err != nil {
		return err
	}
	obj := module.Get("exports")
	if obj == nil || goja.IsUndefined(obj) || goja.IsNull(obj) {
		return stderrors.New("module.exports is empty")
	}
	rt.exports = obj.ToObject(vm)
	return nil
}

// hostObject exposes host.<function>(payload, requestId, callback). Each
// returns {ok: true} or {ok: false, error: "..."}.
func (rt *legacyRuntime) hostObject() *goja.Object {
	vm := rt.vm
	host := vm.NewObject()
	for _, fn := range HostFunctions() {
		fn := fn
		_ = host.Set(string(fn), func(call goja.FunctionCall) goja.Value {
			reply := map[string]any{"ok": true}
			payload, err := jsPayload(call.Argument(0))
			if err == nil {
				err = rt.host.submit(rt.id, fn, payload, call.Argument(1).String(), call.Argument(2).String())
			}
			if err != nil {
				reply = map[string]any{"ok": false, "error": err.Error()}
			}
			return vm.ToValue(reply)
		})
	}
	return host
}

func jsPayload(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if s, ok := v.Export().(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v.Export())
}

func (rt *legacyRuntime) guestLog(level, msg string) {
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

func (rt *legacyRuntime) kind() PluginKind { return KindLegacy }

// call invokes an exported function. The VM is interrupted when ctx ends.
// A settled promise is unwrapped; a pending one is a guest error.
func (rt *legacyRuntime) call(ctx context.Context, function string, optional bool, args ...Value) (json.RawMessage, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, NewPluginNotActiveError(rt.id, StatusUnloaded)
	}
	callable, ok := goja.AssertFunction(rt.exports.Get(function))
	if !ok {
		if optional {
			return nil, nil
		}
		return nil, NewUnsupportedOperationError(rt.id, function)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		generic, err := toGeneric(a)
		if err != nil {
			return nil, NewSerializationError(rt.id, function, err)
		}
		jsArgs[i] = rt.vm.ToValue(generic)
	}

	stop := context.AfterFunc(ctx, func() { rt.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		rt.vm.ClearInterrupt()
	}()

	result, err := rt.invoke(callable, jsArgs)
	if err != nil {
		return nil, rt.classify(ctx, function, err)
	}
	if p, ok := result.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			result = p.Result()
		case goja.PromiseStateRejected:
			return nil, NewGuestReportedError(rt.id, function, p.Result().String())
		default:
			return nil, NewGuestReportedError(rt.id, function, "promise still pending when the call returned")
		}
	}
	if result == nil || goja.IsUndefined(result) {
		return nil, nil
	}
	data, err := json.Marshal(result.Export())
	if err != nil {
		return nil, NewDeserializationError(rt.id, function, err)
	}
	return data, nil
}

func (rt *legacyRuntime) invoke(fn goja.Callable, args []goja.Value) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("js panic: %v", r)
		}
	}()
	return fn(goja.Undefined(), args...)
}

func (rt *legacyRuntime) classify(ctx context.Context, function string, err error) error {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NewGuestTrapError(rt.id, function, ctxErr)
		}
		return NewGuestTrapError(rt.id, function, err)
	}
	var exception *goja.Exception
	if stderrors.As(err, &exception) {
		return NewGuestReportedError(rt.id, function, exception.Value().String())
	}
	return NewGuestTrapError(rt.id, function, err)
}

// toGeneric turns structs into maps so the JS side sees json field names.
func toGeneric(v Value) (Value, error) {
	switch v.(type) {
	case nil, bool, string, int, int64, float64, map[string]any, []any:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}

func (rt *legacyRuntime) initialize(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "initialize", true, pc)
	return err
}

func (rt *legacyRuntime) search(ctx context.Context, query string, pc PluginContext) ([]ActionItem, error) {
	raw, err := rt.call(ctx, "search", false, query, pc)
	if err != nil {
		return nil, err
	}
	items, err := DecodeLegacyItems(raw)
	if err != nil {
		return nil, NewDeserializationError(rt.id, "search", err)
	}
	return items, nil
}

func (rt *legacyRuntime) executeCommand(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, "execute_command", false, id, pc, mapArgs(args))
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, "execute_command", raw)
}

func (rt *legacyRuntime) executeAction(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, "execute_action", false, id, pc, mapArgs(args))
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, "execute_action", raw)
}

func (rt *legacyRuntime) backgroundRefresh(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "background_refresh", false, pc)
	return err
}

func (rt *legacyRuntime) deliverMessage(ctx context.Context, msg Message) error {
	_, err := rt.call(ctx, "on_message", false, msg)
	return err
}

func (rt *legacyRuntime) deliverHostResult(ctx context.Context, callback string, result HostResult) error {
	rt.mu.Lock()
	var known bool
	if !rt.closed {
		_, known = goja.AssertFunction(rt.exports.Get(callback))
	}
	rt.mu.Unlock()
	if !known {
		return NewUnknownCallbackError(rt.id, callback)
	}
	_, err := rt.call(ctx, callback, false, result)
	return err
}

func (rt *legacyRuntime) cleanup(ctx context.Context) error {
	_, err := rt.call(ctx, "cleanup", true)
	return err
}

func (rt *legacyRuntime) close(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closed = true
	rt.exports = nil
	return nil
}
