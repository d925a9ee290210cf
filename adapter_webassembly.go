// adapter_webassembly.go: WebAssembly plugin runtime and the launcher_host module
//
// All WebAssembly plugins share one wazero runtime. Each guest instance is
// named after its plugin id, which is how host functions learn who called
// them. Guest memory is only touched through alloc and the exported memory.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmHostModule is the import module name guests link host functions from.
const WasmHostModule = "launcher_host"

// Host function return codes seen by the guest.
const (
	wasmHostAccepted  uint32 = 0
	wasmHostMalformed uint32 = 1
	wasmHostRejected  uint32 = 2
)

// WasmConfig tunes the shared WebAssembly engine.
type WasmConfig struct {
	// MemoryLimitPages caps each instance's linear memory (64 KiB pages).
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages"`
	// CacheDir enables the on-disk compilation cache when set.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

func DefaultWasmConfig() WasmConfig {
	return WasmConfig{MemoryLimitPages: 256}
}

// WasmEngine owns the wazero runtime shared by every WebAssembly plugin.
type WasmEngine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	sink    hostCallSink
	logger  Logger

	mu      sync.Mutex
	loggers map[string]Logger
}

// NewWasmEngine creates the runtime, WASI and the launcher_host module.
func NewWasmEngine(ctx context.Context, config WasmConfig, sink hostCallSink, logger Logger) (*WasmEngine, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.MemoryLimitPages == 0 {
		config.MemoryLimitPages = DefaultWasmConfig().MemoryLimitPages
	}
	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(config.MemoryLimitPages)

	e := &WasmEngine{
		sink:    sink,
		logger:  logger.With("component", "wasm"),
		loggers: make(map[string]Logger),
	}
	if config.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			e.logger.Warn("Compilation cache disabled", "path", config.CacheDir, "error", err.Error())
		} else {
			e.cache = cache
			rc = rc.WithCompilationCache(cache)
		}
	}
	e.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, NewLoadFailedError(WasmHostModule, err)
	}
	if err := e.instantiateHostModule(ctx); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, NewLoadFailedError(WasmHostModule, err)
	}
	return e, nil
}

func (e *WasmEngine) instantiateHostModule(ctx context.Context) error {
	b := e.runtime.NewHostModuleBuilder(WasmHostModule)
	for _, fn := range HostFunctions() {
		fn := fn
		b.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, payload, requestID, callback uint64) uint32 {
				return e.hostCall(m, fn, payload, requestID, callback)
			}).
			WithParameterNames("payload", "request_id", "callback").
			Export(string(fn))
	}
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level uint32, msg uint64) {
			text, ok := readPacked(m.Memory(), msg)
			if !ok {
				return
			}
			e.guestLog(m.Name(), level, string(text))
		}).
		WithParameterNames("level", "msg").
		Export("log")
	_, err := b.Instantiate(ctx)
	return err
}

// hostCall decodes the three packed handles and enqueues the request. It
// never blocks on the result.
func (e *WasmEngine) hostCall(m api.Module, fn HostFunction, payload, requestID, callback uint64) uint32 {
	mem := m.Memory()
	if mem == nil {
		return wasmHostMalformed
	}
	body, ok1 := readPacked(mem, payload)
	reqID, ok2 := readPacked(mem, requestID)
	cb, ok3 := readPacked(mem, callback)
	if !ok1 || !ok2 || !ok3 {
		e.logger.Warn("Host call with out of range handle", "plugin_id", m.Name(), "function", string(fn))
		return wasmHostMalformed
	}
	if err := e.sink.submit(m.Name(), fn, body, string(reqID), string(cb)); err != nil {
		if HasErrorCode(err, ErrCodeMalformedPayload) {
			return wasmHostMalformed
		}
		return wasmHostRejected
	}
	return wasmHostAccepted
}

func (e *WasmEngine) guestLog(pluginID string, level uint32, msg string) {
	e.mu.Lock()
	logger, ok := e.loggers[pluginID]
	e.mu.Unlock()
	if !ok {
		logger = e.logger.With("plugin_id", pluginID)
	}
	switch level {
	case 0:
		logger.Debug(msg)
	case 2:
		logger.Warn(msg)
	case 3:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}

// Close releases every instance and the compilation cache.
func (e *WasmEngine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// readPacked reads the ptr<<32|len region from guest memory.
func readPacked(mem api.Memory, packed uint64) ([]byte, bool) {
	ptr, size := uint32(packed>>32), uint32(packed)
	if size == 0 {
		return nil, true
	}
	if mem == nil {
		return nil, false
	}
	data, ok := mem.Read(ptr, size)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// load compiles and instantiates a guest, checking its exports and the
// manifest it reports about itself.
func (e *WasmEngine) load(ctx context.Context, manifest *PluginManifest, binary []byte) (*wasmRuntime, error) {
	compiled, err := e.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, NewLoadFailedError(manifest.ID, err)
	}
	functions := compiled.ExportedFunctions()
	memories := compiled.ExportedMemories()
	err = manifest.ValidateExports(func(symbol string) bool {
		if symbol == "memory" {
			_, ok := memories[symbol]
			return ok
		}
		_, ok := functions[symbol]
		return ok
	})
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	rt := &wasmRuntime{
		id:       manifest.ID,
		engine:   e,
		compiled: compiled,
		logger:   e.logger.With("plugin_id", manifest.ID, "kind", KindWasm.String()),
	}
	if err := rt.instantiate(ctx); err != nil {
		_ = compiled.Close(ctx)
		return nil, NewLoadFailedError(manifest.ID, err)
	}

	reported, err := rt.reportedManifest(ctx)
	if err != nil {
		_ = rt.close(ctx)
		return nil, err
	}
	if reported.ID != "" && reported.ID != manifest.ID {
		_ = rt.close(ctx)
		return nil, NewManifestInvalidError("id", fmt.Sprintf("module reports id %q, manifest declares %q", reported.ID, manifest.ID))
	}

	e.mu.Lock()
	e.loggers[manifest.ID] = rt.logger
	e.mu.Unlock()
	return rt, nil
}

type wasmRuntime struct {
	id       string
	engine   *WasmEngine
	compiled wazero.CompiledModule
	logger   Logger

	mu     sync.Mutex
	module api.Module
	closed bool
}

func (rt *wasmRuntime) instantiate(ctx context.Context) error {
	cfg := wazero.NewModuleConfig().
		WithName(rt.id).
		WithStartFunctions("_initialize")
	mod, err := rt.engine.runtime.InstantiateModule(ctx, rt.compiled, cfg)
	if err != nil {
		return err
	}
	rt.module = mod
	return nil
}

func (rt *wasmRuntime) reportedManifest(ctx context.Context) (*PluginManifest, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn := rt.module.ExportedFunction("launcher_manifest")
	if fn == nil {
		return nil, NewMissingExportError(rt.id, "launcher_manifest")
	}
	out, err := fn.Call(ctx)
	if err != nil {
		return nil, NewGuestTrapError(rt.id, "launcher_manifest", err)
	}
	data, err := rt.readResult(ctx, out)
	if err != nil {
		return nil, NewGuestTrapError(rt.id, "launcher_manifest", err)
	}
	m, err := ParseManifest(data, "json")
	if err != nil {
		return nil, NewDeserializationError(rt.id, "launcher_manifest", err)
	}
	return m, nil
}

func (rt *wasmRuntime) kind() PluginKind { return KindWasm }

// call writes the JSON payload into guest memory, invokes the export and
// reads back the reply envelope. An instance closed by a cancelled context
// is re-instantiated on the next call.
func (rt *wasmRuntime) call(ctx context.Context, export string, optional bool, payload any) (json.RawMessage, error) {
	data, err := encodePayload(rt.id, export, payload)
	if err != nil {
		return nil, err
	}
	return rt.callRaw(ctx, export, optional, data)
}

func (rt *wasmRuntime) callRaw(ctx context.Context, export string, optional bool, data []byte) (json.RawMessage, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, NewPluginNotActiveError(rt.id, StatusUnloaded)
	}
	if rt.module.IsClosed() {
		rt.logger.Warn("Re-instantiating guest after forced close")
		if err := rt.instantiate(ctx); err != nil {
			return nil, NewGuestTrapError(rt.id, export, err)
		}
	}
	fn := rt.module.ExportedFunction(export)
	if fn == nil {
		if optional {
			return nil, nil
		}
		return nil, NewUnsupportedOperationError(rt.id, export)
	}

	ptr, err := rt.writeInput(ctx, data)
	if err != nil {
		return nil, NewSerializationError(rt.id, export, err)
	}
	out, err := fn.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, NewGuestTrapError(rt.id, export, ctxErr)
		}
		return nil, NewGuestTrapError(rt.id, export, err)
	}
	reply, err := rt.readResult(ctx, out)
	if err != nil {
		return nil, NewDeserializationError(rt.id, export, err)
	}
	return parseGuestReply(rt.id, export, reply)
}

func (rt *wasmRuntime) writeInput(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := rt.module.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("alloc returned no pointer")
	}
	ptr := uint32(res[0])
	if !rt.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("alloc returned out of range pointer %d for %d bytes", ptr, len(data))
	}
	return ptr, nil
}

// readResult copies the packed reply region and frees it when the guest
// exports dealloc.
func (rt *wasmRuntime) readResult(ctx context.Context, out []uint64) ([]byte, error) {
	if len(out) == 0 {
		return nil, nil
	}
	data, ok := readPacked(rt.module.Memory(), out[0])
	if !ok {
		return nil, fmt.Errorf("reply handle %#x is out of range", out[0])
	}
	if dealloc := rt.module.ExportedFunction("dealloc"); dealloc != nil && len(data) > 0 {
		_, _ = dealloc.Call(ctx, out[0]>>32, uint64(uint32(out[0])))
	}
	return data, nil
}

func (rt *wasmRuntime) initialize(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "launcher_initialize", false, contextPayload{Context: pc})
	return err
}

func (rt *wasmRuntime) search(ctx context.Context, query string, pc PluginContext) ([]ActionItem, error) {
	raw, err := rt.call(ctx, "launcher_search", false, searchPayload{Query: query, Context: pc})
	if err != nil {
		return nil, err
	}
	return decodeActionItems(rt.id, "launcher_search", raw)
}

func (rt *wasmRuntime) executeCommand(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, "launcher_execute_command", false, executePayload{ID: id, Context: pc, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, "launcher_execute_command", raw)
}

func (rt *wasmRuntime) executeAction(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, "launcher_execute_action", false, executePayload{ID: id, Context: pc, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, "launcher_execute_action", raw)
}

func (rt *wasmRuntime) backgroundRefresh(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, "launcher_background_refresh", false, contextPayload{Context: pc})
	return err
}

func (rt *wasmRuntime) deliverMessage(ctx context.Context, msg Message) error {
	_, err := rt.call(ctx, "launcher_on_message", false, msg)
	return err
}

func (rt *wasmRuntime) deliverHostResult(ctx context.Context, callback string, result HostResult) error {
	rt.mu.Lock()
	known := !rt.closed && rt.compiledExports()[callback]
	rt.mu.Unlock()
	if !known {
		return NewUnknownCallbackError(rt.id, callback)
	}
	_, err := rt.call(ctx, callback, false, result)
	return err
}

func (rt *wasmRuntime) compiledExports() map[string]bool {
	defs := rt.compiled.ExportedFunctions()
	out := make(map[string]bool, len(defs))
	for name := range defs {
		out[name] = true
	}
	return out
}

func (rt *wasmRuntime) cleanup(ctx context.Context) error {
	_, err := rt.callRaw(ctx, "launcher_cleanup", true, nil)
	return err
}

func (rt *wasmRuntime) close(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	rt.engine.mu.Lock()
	delete(rt.engine.loggers, rt.id)
	rt.engine.mu.Unlock()
	var err error
	if rt.module != nil {
		err = rt.module.Close(ctx)
	}
	if cerr := rt.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
