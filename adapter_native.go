// adapter_native.go: native dynamic library plugin runtime
//
// A native plugin exports one creation symbol that fills a two-word handle:
// an opaque data pointer and a pointer to a versioned dispatch table. The
// table version is checked before any function pointer in it is used.
//
// Native code runs in the host process and cannot be preempted. Cancellation
// is checked before each call only.
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
)

const (
	// NativeCreateSymbol is the single entry point resolved in a native library.
	NativeCreateSymbol = "launcher_plugin_create"
	// NativeABIVersion is the dispatch table layout this host understands.
	NativeABIVersion uint32 = 1
)

// Native invoke operations.
const (
	nativeOpInitialize        = "initialize"
	nativeOpSearch            = "search"
	nativeOpExecuteCommand    = "execute_command"
	nativeOpExecuteAction     = "execute_action"
	nativeOpBackgroundRefresh = "background_refresh"
	nativeOpCleanup           = "cleanup"
	nativeOpOnMessage         = "on_message"
	nativeOpOnHostResult      = "on_host_result"
)

// nativeVTable is the reconstructed plugin object. The dlopen backed
// implementation lives in native_dl_unix.go; tests use a fake.
type nativeVTable interface {
	abiVersion() uint32
	manifest() ([]byte, error)
	invoke(op string, payload []byte) ([]byte, error)
	// destroy calls the plugin's destructor and then release.
	destroy()
	// release unloads the library without calling into the table.
	release()
}

// nativeReply extends the reply envelope with host calls, the way native
// plugins request host functions: they have no injected imports.
type nativeReply struct {
	OK        bool             `json:"ok"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	HostCalls []nativeHostCall `json:"host_calls,omitempty"`
}

type nativeHostCall struct {
	Function  HostFunction    `json:"function"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id"`
	Callback  string          `json:"callback"`
}

type nativeRuntime struct {
	id     string
	host   hostCallSink
	logger Logger

	mu     sync.Mutex
	vt     nativeVTable
	closed bool
}

// newNativeRuntime checks both ABI versions and the manifest the library
// reports about itself before accepting the table.
func newNativeRuntime(manifest *PluginManifest, vt nativeVTable, host hostCallSink, logger Logger) (*nativeRuntime, error) {
	if manifest.ABIVersion != NativeABIVersion {
		vt.destroy()
		return nil, NewAbiMismatchError(manifest.ID, NativeABIVersion, manifest.ABIVersion)
	}
	if v := vt.abiVersion(); v != NativeABIVersion {
		// The table layout is unknown, so destroy cannot be trusted either.
		vt.release()
		return nil, NewAbiMismatchError(manifest.ID, NativeABIVersion, v)
	}
	data, err := vt.manifest()
	if err != nil {
		vt.destroy()
		return nil, NewLoadFailedError(manifest.ID, err)
	}
	reported, err := ParseManifest(data, "json")
	if err != nil {
		vt.destroy()
		return nil, NewDeserializationError(manifest.ID, "manifest", err)
	}
	if reported.ID != manifest.ID {
		vt.destroy()
		return nil, NewManifestInvalidError("id", fmt.Sprintf("library reports id %q, manifest declares %q", reported.ID, manifest.ID))
	}
	return &nativeRuntime{
		id:     manifest.ID,
		host:   host,
		logger: logger.With("plugin_id", manifest.ID, "kind", KindNative.String()),
		vt:     vt,
	}, nil
}

func (rt *nativeRuntime) kind() PluginKind { return KindNative }

func (rt *nativeRuntime) call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewGuestTrapError(rt.id, op, err)
	}
	data, err := encodePayload(rt.id, op, payload)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, NewPluginNotActiveError(rt.id, StatusUnloaded)
	}
	out, err := rt.vt.invoke(op, data)
	rt.mu.Unlock()
	if err != nil {
		return nil, NewGuestTrapError(rt.id, op, err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	var reply nativeReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, NewDeserializationError(rt.id, op, err)
	}
	rt.submitHostCalls(op, reply.HostCalls)
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "guest reported failure"
		}
		return nil, NewGuestReportedError(rt.id, op, msg)
	}
	return reply.Result, nil
}

func (rt *nativeRuntime) submitHostCalls(op string, calls []nativeHostCall) {
	for _, c := range calls {
		if err := rt.host.submit(rt.id, c.Function, c.Payload, c.RequestID, c.Callback); err != nil {
			rt.logger.Warn("Host call rejected", "op", op, "function", string(c.Function), "request_id", c.RequestID, "error", err.Error())
		}
	}
}

func (rt *nativeRuntime) initialize(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, nativeOpInitialize, contextPayload{Context: pc})
	return err
}

func (rt *nativeRuntime) search(ctx context.Context, query string, pc PluginContext) ([]ActionItem, error) {
	raw, err := rt.call(ctx, nativeOpSearch, searchPayload{Query: query, Context: pc})
	if err != nil {
		return nil, err
	}
	return decodeActionItems(rt.id, nativeOpSearch, raw)
}

func (rt *nativeRuntime) executeCommand(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, nativeOpExecuteCommand, executePayload{ID: id, Context: pc, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, nativeOpExecuteCommand, raw)
}

func (rt *nativeRuntime) executeAction(ctx context.Context, id string, pc PluginContext, args map[string]Value) (Value, error) {
	raw, err := rt.call(ctx, nativeOpExecuteAction, executePayload{ID: id, Context: pc, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeResultValue(rt.id, nativeOpExecuteAction, raw)
}

func (rt *nativeRuntime) backgroundRefresh(ctx context.Context, pc PluginContext) error {
	_, err := rt.call(ctx, nativeOpBackgroundRefresh, contextPayload{Context: pc})
	return err
}

func (rt *nativeRuntime) deliverMessage(ctx context.Context, msg Message) error {
	_, err := rt.call(ctx, nativeOpOnMessage, msg)
	return err
}

func (rt *nativeRuntime) deliverHostResult(ctx context.Context, callback string, result HostResult) error {
	_, err := rt.call(ctx, nativeOpOnHostResult, hostResultPayload{Callback: callback, Result: result})
	return err
}

func (rt *nativeRuntime) cleanup(ctx context.Context) error {
	_, err := rt.call(ctx, nativeOpCleanup, struct{}{})
	return err
}

func (rt *nativeRuntime) close(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.closed {
		rt.closed = true
		rt.vt.destroy()
	}
	return nil
}
