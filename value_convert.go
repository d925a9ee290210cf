// value_convert.go: structured value conversion across runtime boundaries
//
// Every guest call crosses as JSON. These helpers keep the Go side of that
// boundary in the Value shape: nil, bool, int64, float64, string, []any and
// map[string]any.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// normalizeJSONValue replaces json.Number with int64 or float64, recursively.
func normalizeJSONValue(v Value) Value {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeJSONValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeJSONValue(item)
		}
		return val
	default:
		return v
	}
}

// decodeValue parses a JSON document into a normalized Value.
func decodeValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v Value
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeJSONValue(v), nil
}

// guestReply is the envelope every guest entry point answers with.
type guestReply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// parseGuestReply decodes a reply envelope. A bare JSON value that is not an
// envelope is accepted as a successful result.
func parseGuestReply(pluginID, function string, data []byte) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, isEnvelope := probe["ok"]; isEnvelope {
			var reply guestReply
			if err := json.Unmarshal(data, &reply); err != nil {
				return nil, NewDeserializationError(pluginID, function, err)
			}
			if !reply.OK {
				msg := reply.Error
				if msg == "" {
					msg = "guest reported failure"
				}
				return nil, NewGuestReportedError(pluginID, function, msg)
			}
			return reply.Result, nil
		}
	}
	if !json.Valid(data) {
		return nil, NewDeserializationError(pluginID, function, fmt.Errorf("reply is not valid JSON"))
	}
	return json.RawMessage(data), nil
}

// decodeActionItems reads a search reply: a list of items, or an object
// with an "items" list.
func decodeActionItems(pluginID, function string, raw json.RawMessage) ([]ActionItem, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []ActionItem
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, NewDeserializationError(pluginID, function, err)
		}
		return items, nil
	}
	var wrapped struct {
		Items []ActionItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, NewDeserializationError(pluginID, function, err)
	}
	return wrapped.Items, nil
}

// decodeResultValue reads an optional value reply.
func decodeResultValue(pluginID, function string, raw json.RawMessage) (Value, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, NewDeserializationError(pluginID, function, err)
	}
	return v, nil
}

// encodePayload serializes call arguments for a guest.
func encodePayload(pluginID, function string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewSerializationError(pluginID, function, err)
	}
	return data, nil
}

// Guest call payloads.
type (
	searchPayload struct {
		Query   string        `json:"query"`
		Context PluginContext `json:"context"`
	}
	executePayload struct {
		ID        string           `json:"id"`
		Context   PluginContext    `json:"context"`
		Arguments map[string]Value `json:"arguments,omitempty"`
	}
	contextPayload struct {
		Context PluginContext `json:"context"`
	}
	hostResultPayload struct {
		Callback string     `json:"callback"`
		Result   HostResult `json:"result"`
	}
)

// luaToValue converts a Lua value to a Value. Cycles become nil; functions
// and userdata are not representable and become nil.
func luaToValue(lv lua.LValue) Value {
	return luaToValueVisited(lv, make(map[*lua.LTable]bool))
}

func luaToValueVisited(lv lua.LValue, visited map[*lua.LTable]bool) Value {
	switch v := lv.(type) {
	case nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return luaTableToValue(v, visited)
	default:
		return nil
	}
}

func luaTableToValue(t *lua.LTable, visited map[*lua.LTable]bool) Value {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = luaToValueVisited(t.RawGetInt(i), visited)
		}
		return arr
	}
	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = kv.String()
		default:
			return
		}
		m[key] = luaToValueVisited(v, visited)
	})
	return m
}

// valueToLua converts a Value to a Lua value owned by L.
func valueToLua(L *lua.LState, v Value) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, valueToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, valueToLua(L, item))
		}
		return t
	default:
		// Structs (PluginContext, HostResult) go through their JSON form.
		data, err := json.Marshal(val)
		if err != nil {
			return lua.LNil
		}
		generic, err := decodeValue(data)
		if err != nil {
			return lua.LNil
		}
		return valueToLua(L, generic)
	}
}

// remarshal converts a generic Value into a typed destination through JSON.
func remarshal(v Value, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
