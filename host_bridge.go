// host_bridge.go: host functions for sandboxed plugin kinds
//
// WASM, scripted and legacy plugins cannot touch the OS. They call host
// functions which only submit an intent; the host drains intents on its own
// loop, checks permissions, runs the service call on the scheduler and hands
// the result back to the guest through a named callback.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// HostFunction names one function exposed to guests.
type HostFunction string

const (
	HostStorageGet     HostFunction = "storage_get"
	HostStorageSet     HostFunction = "storage_set"
	HostStorageDelete  HostFunction = "storage_delete"
	HostClipboardRead  HostFunction = "clipboard_read"
	HostClipboardWrite HostFunction = "clipboard_write"
	HostNotify         HostFunction = "notify"
	HostHTTPRequest    HostFunction = "http_request"
	HostSendMessage    HostFunction = "send_message"
)

// HostFunctions lists every host function in injection order.
func HostFunctions() []HostFunction {
	return []HostFunction{
		HostStorageGet, HostStorageSet, HostStorageDelete,
		HostClipboardRead, HostClipboardWrite,
		HostNotify, HostHTTPRequest, HostSendMessage,
	}
}

// Permission returns the bit a plugin must hold to call f.
func (f HostFunction) Permission() Permission {
	switch f {
	case HostStorageGet:
		return PermStorageRead
	case HostStorageSet, HostStorageDelete:
		return PermStorageWrite
	case HostClipboardRead:
		return PermClipboardRead
	case HostClipboardWrite:
		return PermClipboardWrite
	case HostNotify:
		return PermNotificationSend
	case HostHTTPRequest:
		return PermHTTPRequest
	case HostSendMessage:
		return PermMessaging
	default:
		return 0
	}
}

// Typed host function requests decoded from guest payloads.
type (
	StorageGetRequest struct {
		Key string `json:"key"`
	}
	StorageSetRequest struct {
		Key   string `json:"key"`
		Value Value  `json:"value"`
	}
	StorageDeleteRequest struct {
		Key string `json:"key"`
	}
	ClipboardReadRequest  struct{}
	ClipboardWriteRequest struct {
		Text string `json:"text"`
	}
	NotifyRequest struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	HTTPRequest struct {
		Method    string            `json:"method"`
		URL       string            `json:"url"`
		Headers   map[string]string `json:"headers,omitempty"`
		Body      string            `json:"body,omitempty"`
		TimeoutMs int               `json:"timeout_ms,omitempty"`
	}
	SendMessageRequest struct {
		To       string    `json:"to,omitempty"`
		Topic    string    `json:"topic,omitempty"`
		Payload  Value     `json:"payload,omitempty"`
		Priority string    `json:"priority,omitempty"`
		Request  bool      `json:"request,omitempty"`
		Control  ControlOp `json:"control,omitempty"`
		// CorrelationID answers a request previously delivered to the caller.
		CorrelationID string `json:"correlation_id,omitempty"`
		Error         string `json:"error,omitempty"`
	}
)

// HostIntent is one queued host function call.
type HostIntent struct {
	PluginID   string
	Function   HostFunction
	RequestID  string
	Callback   string
	Request    any
	EnqueuedAt time.Time
}

// HostResult is delivered to the guest callback named by the intent.
type HostResult struct {
	RequestID string       `json:"request_id"`
	Function  HostFunction `json:"function"`
	OK        bool         `json:"ok"`
	Data      Value        `json:"data,omitempty"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
}

func hostResultFromError(intent HostIntent, err error) HostResult {
	return HostResult{
		RequestID: intent.RequestID,
		Function:  intent.Function,
		Error:     err.Error(),
		Code:      ErrorCodeOf(err),
	}
}

// hostCallSink is the only handle adapters get on the host: enqueue only.
type hostCallSink interface {
	submit(pluginID string, fn HostFunction, payload []byte, requestID, callback string) error
}

var errServiceUnavailable = stderrors.New("service not configured")

var callbackPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]{0,127}$`)

const maxRequestIDLength = 128

var allowedHTTPMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// HostBridgeConfig bounds the intent queue and the outbound calls.
type HostBridgeConfig struct {
	QueueSize        int           `json:"queue_size" yaml:"queue_size"`
	MaxPerCycle      int           `json:"max_per_cycle" yaml:"max_per_cycle"`
	MaxPayloadBytes  int           `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	HTTPTimeout      time.Duration `json:"http_timeout" yaml:"http_timeout"`
	MaxResponseBytes int64         `json:"max_response_bytes" yaml:"max_response_bytes"`
}

func DefaultHostBridgeConfig() HostBridgeConfig {
	return HostBridgeConfig{
		QueueSize:        256,
		MaxPerCycle:      64,
		MaxPayloadBytes:  256 << 10,
		HTTPTimeout:      10 * time.Second,
		MaxResponseBytes: 1 << 20,
	}
}

type pendingHostCall struct {
	intent HostIntent
}

// HostBridge executes host function intents on behalf of guests.
type HostBridge struct {
	config    HostBridgeConfig
	services  HostServices
	bridge    *ServiceBridge
	scheduler *Scheduler
	logger    Logger
	metrics   MetricsCollector

	intents chan HostIntent

	mu      sync.Mutex
	pending map[string]pendingHostCall
}

// NewHostBridge wires the bridge to the registry for permission checks and
// to the scheduler for running service calls.
func NewHostBridge(config HostBridgeConfig, services HostServices, bridge *ServiceBridge, scheduler *Scheduler, logger Logger, metrics MetricsCollector) *HostBridge {
	defaults := DefaultHostBridgeConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxPerCycle <= 0 {
		config.MaxPerCycle = defaults.MaxPerCycle
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaults.HTTPTimeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = defaults.MaxResponseBytes
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	if services.HTTP == nil {
		services.HTTP = &http.Client{}
	}
	hb := &HostBridge{
		config:    config,
		services:  services,
		bridge:    bridge,
		scheduler: scheduler,
		logger:    logger.With("component", "host_bridge"),
		metrics:   metrics,
		intents:   make(chan HostIntent, config.QueueSize),
		pending:   make(map[string]pendingHostCall),
	}
	bridge.HandleResponses(MessageHostFunction, hb.onCorrelationExpired)
	return hb
}

// Pending returns the number of queued intents.
func (hb *HostBridge) Pending() int { return len(hb.intents) }

// submit validates and enqueues one intent; it never blocks.
func (hb *HostBridge) submit(pluginID string, fn HostFunction, payload []byte, requestID, callback string) error {
	if fn.Permission() == 0 {
		return NewHostCallRejectedError(string(fn), "unknown host function")
	}
	if requestID == "" || len(requestID) > maxRequestIDLength {
		return NewMalformedPayloadError(string(fn), "request id must be 1-128 bytes")
	}
	if !callbackPattern.MatchString(callback) {
		return NewMalformedPayloadError(string(fn), fmt.Sprintf("invalid callback name %q", callback))
	}
	if len(payload) > hb.config.MaxPayloadBytes {
		return NewMalformedPayloadError(string(fn), fmt.Sprintf("payload exceeds %d bytes", hb.config.MaxPayloadBytes))
	}
	req, err := decodeHostRequest(fn, payload)
	if err != nil {
		return err
	}
	intent := HostIntent{
		PluginID:   pluginID,
		Function:   fn,
		RequestID:  requestID,
		Callback:   callback,
		Request:    req,
		EnqueuedAt: timecache.CachedTime(),
	}
	select {
	case hb.intents <- intent:
		return nil
	default:
		hb.metrics.IncrementCounter(MetricHostCalls, map[string]string{"function": string(fn), "outcome": "rejected"}, 1)
		return NewHostCallRejectedError(string(fn), "host call queue full")
	}
}

// decodeHostRequest turns a guest payload into the typed request for fn.
func decodeHostRequest(fn HostFunction, payload []byte) (any, error) {
	trimmed := bytes.TrimSpace(payload)
	decode := func(dst any) error {
		if len(trimmed) == 0 {
			return NewMalformedPayloadError(string(fn), "empty payload")
		}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(dst); err != nil {
			return NewMalformedPayloadError(string(fn), err.Error())
		}
		return nil
	}
	validKey := func(key string) error {
		if key == "" || len(key) > 512 {
			return NewMalformedPayloadError(string(fn), "key must be 1-512 bytes")
		}
		return nil
	}

	switch fn {
	case HostStorageGet:
		var r StorageGetRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		return r, validKey(r.Key)
	case HostStorageSet:
		var r StorageSetRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		r.Value = normalizeJSONValue(r.Value)
		return r, validKey(r.Key)
	case HostStorageDelete:
		var r StorageDeleteRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		return r, validKey(r.Key)
	case HostClipboardRead:
		return ClipboardReadRequest{}, nil
	case HostClipboardWrite:
		var r ClipboardWriteRequest
		return r, decode(&r)
	case HostNotify:
		var r NotifyRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		if r.Title == "" {
			return nil, NewMalformedPayloadError(string(fn), "title is required")
		}
		return r, nil
	case HostHTTPRequest:
		var r HTTPRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		return r, validateHTTPRequest(&r)
	case HostSendMessage:
		var r SendMessageRequest
		if err := decode(&r); err != nil {
			return nil, err
		}
		r.Payload = normalizeJSONValue(r.Payload)
		return r, validateSendMessage(r)
	default:
		return nil, NewHostCallRejectedError(string(fn), "unknown host function")
	}
}

func validateHTTPRequest(r *HTTPRequest) error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if !allowedHTTPMethods[r.Method] {
		return NewMalformedPayloadError(string(HostHTTPRequest), "unsupported method "+r.Method)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return NewMalformedPayloadError(string(HostHTTPRequest), err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewMalformedPayloadError(string(HostHTTPRequest), "url scheme must be http or https")
	}
	if u.Hostname() == "" {
		return NewMalformedPayloadError(string(HostHTTPRequest), "url has no host")
	}
	if r.TimeoutMs < 0 {
		return NewMalformedPayloadError(string(HostHTTPRequest), "timeout_ms must not be negative")
	}
	return nil
}

func validateSendMessage(r SendMessageRequest) error {
	fn := string(HostSendMessage)
	switch {
	case r.Control != "":
		if r.Control != ControlSubscribe && r.Control != ControlUnsubscribe && r.Control != ControlUnregister {
			return NewMalformedPayloadError(fn, "unknown control operation "+string(r.Control))
		}
		if r.Control != ControlUnregister && r.Topic == "" {
			return NewMalformedPayloadError(fn, "subscription needs a topic")
		}
	case r.CorrelationID != "":
	case r.To == "" && r.Topic == "":
		return NewMalformedPayloadError(fn, "message needs a recipient or a topic")
	case r.Request && r.To == "":
		return NewMalformedPayloadError(fn, "request needs a recipient")
	}
	return nil
}

// Process drains up to MaxPerCycle intents. It never blocks: service calls
// are spawned on the scheduler and their results delivered on completion.
func (hb *HostBridge) Process() int {
	n := 0
	for n < hb.config.MaxPerCycle {
		select {
		case intent := <-hb.intents:
			hb.dispatch(intent)
			n++
		default:
			return n
		}
	}
	return n
}

func (hb *HostBridge) dispatch(intent HostIntent) {
	labels := map[string]string{"function": string(intent.Function)}
	if err := hb.authorize(intent); err != nil {
		hb.metrics.IncrementCounter(MetricHostCallDenied, labels, 1)
		hb.logger.Warn("Host function denied", "plugin_id", intent.PluginID, "function", string(intent.Function), "error", err.Error())
		hb.deliver(intent, hostResultFromError(intent, err))
		return
	}
	hb.metrics.IncrementCounter(MetricHostCalls, labels, 1)

	if intent.Function == HostSendMessage {
		hb.deliver(intent, hb.sendMessage(intent))
		return
	}

	corrID, err := hb.bridge.Correlations().Open(CorrelationEntry{
		PluginID:          intent.PluginID,
		Type:              MessageHostFunction,
		Requester:         HostRequester,
		OriginalRequestID: intent.RequestID,
		Target:            string(intent.Function),
	})
	if err != nil {
		hb.deliver(intent, hostResultFromError(intent, err))
		return
	}
	hb.mu.Lock()
	hb.pending[corrID] = pendingHostCall{intent: intent}
	hb.mu.Unlock()

	Spawn(hb.scheduler, intent.PluginID, "host:"+string(intent.Function), func(ctx context.Context) (Value, error) {
		return hb.execute(ctx, intent)
	}).OnComplete(func(data Value, err error) {
		if _, ok := hb.bridge.Correlations().Resolve(corrID); !ok {
			return
		}
		hb.mu.Lock()
		delete(hb.pending, corrID)
		hb.mu.Unlock()
		if err != nil {
			hb.deliver(intent, hostResultFromError(intent, err))
			return
		}
		hb.deliver(intent, HostResult{RequestID: intent.RequestID, Function: intent.Function, OK: true, Data: data})
	})
}

func (hb *HostBridge) authorize(intent HostIntent) error {
	if err := hb.bridge.Authorize(intent.PluginID, intent.Function.Permission()); err != nil {
		return err
	}
	if req, ok := intent.Request.(HTTPRequest); ok {
		u, _ := url.Parse(req.URL)
		if !hb.bridge.AllowsNetworkHost(intent.PluginID, u.Hostname()) {
			return NewPermissionDeniedDetailError(intent.PluginID, PermHTTPRequest.String(), "host "+u.Hostname()+" not in allowlist")
		}
	}
	return nil
}

// onCorrelationExpired reports a timed out service call to the guest.
func (hb *HostBridge) onCorrelationExpired(entry CorrelationEntry, _ Message, err error) {
	hb.mu.Lock()
	call, ok := hb.pending[entry.ID]
	delete(hb.pending, entry.ID)
	hb.mu.Unlock()
	if !ok {
		return
	}
	if err == nil {
		err = NewCorrelationTimeoutError(entry.ID, entry.Timeout.String())
	}
	hb.deliver(call.intent, hostResultFromError(call.intent, err))
}

func (hb *HostBridge) deliver(intent HostIntent, result HostResult) {
	p, ok := hb.bridge.Plugin(intent.PluginID)
	if !ok {
		hb.logger.Debug("Host result for unloaded plugin dropped", "plugin_id", intent.PluginID, "request_id", intent.RequestID)
		return
	}
	p.deliverHostResult(intent.Callback, result).OnComplete(func(_ struct{}, err error) {
		if err != nil {
			hb.logger.Warn("Host callback failed", "plugin_id", intent.PluginID, "callback", intent.Callback, "error", err.Error())
		}
		hb.bridge.RecordOutcome(intent.PluginID, err)
	})
}

// execute performs the service call. It runs on a scheduler worker.
func (hb *HostBridge) execute(ctx context.Context, intent HostIntent) (Value, error) {
	s := hb.services
	switch req := intent.Request.(type) {
	case StorageGetRequest:
		if s.Storage == nil {
			return nil, NewHostServiceError("storage", errServiceUnavailable)
		}
		v, found, err := s.Storage.Get(ctx, intent.PluginID, req.Key)
		if err != nil {
			return nil, NewHostServiceError("storage_get", err)
		}
		return map[string]Value{"found": found, "value": v}, nil
	case StorageSetRequest:
		if s.Storage == nil {
			return nil, NewHostServiceError("storage", errServiceUnavailable)
		}
		if err := s.Storage.Set(ctx, intent.PluginID, req.Key, req.Value); err != nil {
			return nil, NewHostServiceError("storage_set", err)
		}
		return nil, nil
	case StorageDeleteRequest:
		if s.Storage == nil {
			return nil, NewHostServiceError("storage", errServiceUnavailable)
		}
		if err := s.Storage.Delete(ctx, intent.PluginID, req.Key); err != nil {
			return nil, NewHostServiceError("storage_delete", err)
		}
		return nil, nil
	case ClipboardReadRequest:
		if s.Clipboard == nil {
			return nil, NewHostServiceError("clipboard", errServiceUnavailable)
		}
		text, err := s.Clipboard.ReadText()
		if err != nil {
			return nil, NewHostServiceError("clipboard_read", err)
		}
		return text, nil
	case ClipboardWriteRequest:
		if s.Clipboard == nil {
			return nil, NewHostServiceError("clipboard", errServiceUnavailable)
		}
		if err := s.Clipboard.WriteText(req.Text); err != nil {
			return nil, NewHostServiceError("clipboard_write", err)
		}
		return nil, nil
	case NotifyRequest:
		if s.Notifier == nil {
			return nil, NewHostServiceError("notify", errServiceUnavailable)
		}
		err := s.Notifier.Notify(ctx, Notification{PluginID: intent.PluginID, Title: req.Title, Body: req.Body})
		if err != nil {
			return nil, NewHostServiceError("notify", err)
		}
		return nil, nil
	case HTTPRequest:
		return hb.doHTTP(ctx, req)
	default:
		return nil, NewHostCallRejectedError(string(intent.Function), "no executor")
	}
}

func (hb *HostBridge) doHTTP(ctx context.Context, r HTTPRequest) (Value, error) {
	timeout := hb.config.HTTPTimeout
	if r.TimeoutMs > 0 && time.Duration(r.TimeoutMs)*time.Millisecond < timeout {
		timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, NewHostServiceError("http_request", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	resp, err := hb.services.HTTP.Do(req)
	if err != nil {
		return nil, NewHostServiceError("http_request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, hb.config.MaxResponseBytes+1))
	if err != nil {
		return nil, NewHostServiceError("http_request", err)
	}
	if int64(len(data)) > hb.config.MaxResponseBytes {
		return nil, NewHostServiceError("http_request", fmt.Errorf("response body exceeds %d bytes", hb.config.MaxResponseBytes))
	}
	headers := make(map[string]Value, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]Value{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(data),
	}, nil
}

// sendMessage hands a plugin message to the router. It completes inline:
// the router only enqueues.
func (hb *HostBridge) sendMessage(intent HostIntent) HostResult {
	req := intent.Request.(SendMessageRequest)
	ok := HostResult{RequestID: intent.RequestID, Function: intent.Function, OK: true}
	var err error
	switch {
	case req.Control != "":
		err = hb.bridge.Send(Message{Type: MessageControl, Priority: PriorityCritical, From: intent.PluginID, Control: req.Control, Topic: req.Topic})
	case req.CorrelationID != "":
		err = hb.bridge.Respond(intent.PluginID, req.CorrelationID, req.Payload, req.Error)
	case req.Request:
		var id string
		id, err = hb.bridge.Request(intent.PluginID, req.To, req.Payload, HostRequester, 0)
		ok.Data = map[string]Value{"correlation_id": id}
	case req.To != "":
		err = hb.bridge.Send(Message{Type: MessageRequest, Priority: ParseMessagePriority(req.Priority), From: intent.PluginID, To: req.To, Topic: req.Topic, Payload: req.Payload})
	default:
		err = hb.bridge.Send(Message{Type: MessageBroadcast, Priority: ParseMessagePriority(req.Priority), From: intent.PluginID, Topic: req.Topic, Payload: req.Payload})
	}
	if err != nil {
		return hostResultFromError(intent, err)
	}
	return ok
}
