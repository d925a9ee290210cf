// errors.go: structured error definitions for the launcher plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the launcher plugin runtime
const (
	// Load errors (1000-1099): fatal to one plugin, never to the host
	ErrCodeManifestInvalid         = "LOAD_1001"
	ErrCodeMissingExport           = "LOAD_1002"
	ErrCodeAbiMismatch             = "LOAD_1003"
	ErrCodeBuildFailed             = "LOAD_1004"
	ErrCodeUntrustedLocation       = "LOAD_1005"
	ErrCodeCapabilityPermission    = "LOAD_1006"
	ErrCodeUnsupportedKind         = "LOAD_1007"
	ErrCodeIntegrityMismatch       = "LOAD_1008"
	ErrCodeHostVersionIncompatible = "LOAD_1009"
	ErrCodeLoadFailed              = "LOAD_1010"

	// Sandbox errors (2000-2099): surfaced as failed task results
	ErrCodeSerialization     = "SANDBOX_2001"
	ErrCodeGuestTrap         = "SANDBOX_2002"
	ErrCodeMalformedPayload  = "SANDBOX_2003"
	ErrCodeDeserialization   = "SANDBOX_2004"
	ErrCodeGuestReported     = "SANDBOX_2005"
	ErrCodeUnknownCallback   = "SANDBOX_2006"
	ErrCodeUnsupportedOp     = "SANDBOX_2007"
	ErrCodeHostCallRejected  = "SANDBOX_2008"
	ErrCodeHostServiceFailed = "SANDBOX_2009"

	// Permission errors (3000-3099)
	ErrCodePermissionDenied = "PERM_3001"

	// Correlation errors (4000-4099)
	ErrCodeCorrelationTimeout  = "CORR_4001"
	ErrCodeCorrelationCapacity = "CORR_4002"
	ErrCodeCorrelationUnknown  = "CORR_4003"

	// Registry errors (5000-5099): logged, offending message dropped
	ErrCodeDuplicateRegistration = "REGISTRY_5001"
	ErrCodeUnknownPlugin         = "REGISTRY_5002"
	ErrCodePluginNotActive       = "REGISTRY_5003"
	ErrCodeQueueFull             = "REGISTRY_5004"
	ErrCodeCircuitOpen           = "REGISTRY_5005"

	// Scheduler errors (6000-6099)
	ErrCodeSchedulerFull    = "SCHED_6001"
	ErrCodeTaskPanicked     = "SCHED_6002"
	ErrCodeSchedulerStopped = "SCHED_6003"

	// Configuration errors (7000-7099)
	ErrCodeConfigValidation = "CONFIG_7001"
	ErrCodeConfigRead       = "CONFIG_7002"
	ErrCodeConfigParse      = "CONFIG_7003"
	ErrCodeConfigWatcher    = "CONFIG_7004"
	ErrCodeConfigStore      = "CONFIG_7005"
)

// Load error constructors

func NewManifestInvalidError(field, reason string) *errors.Error {
	return errors.New(ErrCodeManifestInvalid, "Invalid plugin manifest: "+reason).
		WithUserMessage("The plugin manifest is invalid").
		WithContext("field", field).
		WithSeverity("error")
}

func NewManifestParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestInvalid, "Failed to parse plugin manifest").
		WithUserMessage("The plugin manifest could not be parsed").
		WithContext("path", path).
		WithSeverity("error")
}

// NewMissingExportError names the absent symbol so plugin authors can fix their build.
func NewMissingExportError(pluginID, symbol string) *errors.Error {
	return errors.New(ErrCodeMissingExport, "Required export missing: "+symbol).
		WithUserMessage("The plugin does not provide a required entry point").
		WithContext("plugin_id", pluginID).
		WithContext("symbol", symbol).
		WithSeverity("error")
}

func NewAbiMismatchError(pluginID string, expected, actual uint32) *errors.Error {
	return errors.New(ErrCodeAbiMismatch, "Native plugin ABI version mismatch").
		WithUserMessage("The plugin was built for a different host interface version").
		WithContext("plugin_id", pluginID).
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithSeverity("error")
}

func NewBuildFailedError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeBuildFailed, "Native plugin build failed").
		WithUserMessage("The plugin could not be built from source").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewUntrustedLocationError(pluginID, path string) *errors.Error {
	return errors.New(ErrCodeUntrustedLocation, "Native plugin outside trusted directories").
		WithUserMessage("Native plugins are only loaded from trusted directories").
		WithContext("plugin_id", pluginID).
		WithContext("path", path).
		WithSeverity("critical")
}

func NewCapabilityPermissionMismatchError(pluginID, capability, permission string) *errors.Error {
	return errors.New(ErrCodeCapabilityPermission, "Capability "+capability+" requires permission "+permission).
		WithUserMessage("The plugin declares a capability without the permission it needs").
		WithContext("plugin_id", pluginID).
		WithContext("capability", capability).
		WithContext("permission", permission).
		WithSeverity("error")
}

func NewUnsupportedKindError(kind string) *errors.Error {
	return errors.New(ErrCodeUnsupportedKind, "Unsupported plugin kind: "+kind).
		WithUserMessage("This plugin technology is not supported on this platform").
		WithContext("kind", kind).
		WithSeverity("error")
}

func NewIntegrityMismatchError(pluginID, expected, actual string) *errors.Error {
	return errors.New(ErrCodeIntegrityMismatch, "Native plugin hash does not match pinned value").
		WithUserMessage("The plugin binary failed integrity verification").
		WithContext("plugin_id", pluginID).
		WithContext("expected_hash", expected).
		WithContext("actual_hash", actual).
		WithSeverity("critical")
}

func NewHostVersionIncompatibleError(pluginID, required, actual string) *errors.Error {
	return errors.New(ErrCodeHostVersionIncompatible, "Plugin requires a newer host").
		WithUserMessage("Update the launcher to use this plugin").
		WithContext("plugin_id", pluginID).
		WithContext("min_host_version", required).
		WithContext("host_version", actual).
		WithSeverity("error")
}

func NewLoadFailedError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeLoadFailed, "Plugin load failed").
		WithUserMessage("The plugin could not be loaded").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

// Sandbox error constructors

func NewSerializationError(pluginID, function string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSerialization, "Failed to serialize guest call arguments").
		WithContext("plugin_id", pluginID).
		WithContext("function", function).
		WithSeverity("error")
}

func NewGuestTrapError(pluginID, function string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeGuestTrap, "Guest function trapped").
		WithUserMessage("The plugin crashed while handling the request").
		WithContext("plugin_id", pluginID).
		WithContext("function", function).
		WithSeverity("error")
}

func NewMalformedPayloadError(function, reason string) *errors.Error {
	return errors.New(ErrCodeMalformedPayload, "Malformed host function payload: "+reason).
		WithContext("function", function).
		WithSeverity("warning")
}

func NewDeserializationError(pluginID, function string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDeserialization, "Failed to deserialize guest reply").
		WithContext("plugin_id", pluginID).
		WithContext("function", function).
		WithSeverity("error")
}

func NewGuestReportedError(pluginID, function, message string) *errors.Error {
	return errors.New(ErrCodeGuestReported, "Plugin reported error: "+message).
		WithUserMessage(message).
		WithContext("plugin_id", pluginID).
		WithContext("function", function).
		WithSeverity("warning")
}

func NewUnknownCallbackError(pluginID, callback string) *errors.Error {
	return errors.New(ErrCodeUnknownCallback, "Guest callback not found: "+callback).
		WithContext("plugin_id", pluginID).
		WithContext("callback", callback).
		WithSeverity("warning")
}

func NewUnsupportedOperationError(pluginID, operation string) *errors.Error {
	return errors.New(ErrCodeUnsupportedOp, "Plugin does not support operation: "+operation).
		WithContext("plugin_id", pluginID).
		WithContext("operation", operation).
		WithSeverity("warning")
}

func NewHostCallRejectedError(function, reason string) *errors.Error {
	return errors.New(ErrCodeHostCallRejected, "Host function call rejected: "+reason).
		WithContext("function", function).
		WithSeverity("warning").
		AsRetryable()
}

func NewHostServiceError(operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHostServiceFailed, "Host service failed: "+operation).
		WithContext("operation", operation).
		WithSeverity("error")
}

// Permission error constructors

func NewPermissionDeniedError(pluginID string, permission Permission) *errors.Error {
	return errors.New(ErrCodePermissionDenied, "Permission denied: "+permission.String()).
		WithUserMessage("The plugin is not allowed to perform this action").
		WithContext("plugin_id", pluginID).
		WithContext("permission", permission.String()).
		WithSeverity("warning")
}

func NewPermissionDeniedDetailError(pluginID, permission, detail string) *errors.Error {
	return errors.New(ErrCodePermissionDenied, "Permission denied: "+permission+" ("+detail+")").
		WithUserMessage("The plugin is not allowed to perform this action").
		WithContext("plugin_id", pluginID).
		WithContext("permission", permission).
		WithContext("detail", detail).
		WithSeverity("warning")
}

// Correlation error constructors

func NewCorrelationTimeoutError(correlationID string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeCorrelationTimeout, "Correlated operation timed out").
		WithUserMessage("The plugin did not answer in time").
		WithContext("correlation_id", correlationID).
		WithContext("timeout", timeout).
		WithSeverity("warning").
		AsRetryable()
}

func NewCorrelationCapacityError(requester RequesterHandle, limit int) *errors.Error {
	return errors.New(ErrCodeCorrelationCapacity, "Too many outstanding operations for requester").
		WithContext("requester", uint64(requester)).
		WithContext("limit", limit).
		WithSeverity("warning").
		AsRetryable()
}

func NewCorrelationUnknownError(correlationID string) *errors.Error {
	return errors.New(ErrCodeCorrelationUnknown, "No pending operation for correlation id").
		WithContext("correlation_id", correlationID).
		WithSeverity("info")
}

// Registry error constructors

func NewDuplicateRegistrationError(pluginID string) *errors.Error {
	return errors.New(ErrCodeDuplicateRegistration, "Plugin already registered").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning")
}

func NewUnknownPluginError(pluginID string) *errors.Error {
	return errors.New(ErrCodeUnknownPlugin, "Unknown plugin id").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning")
}

func NewPluginNotActiveError(pluginID string, status PluginStatus) *errors.Error {
	return errors.New(ErrCodePluginNotActive, "Plugin is not active").
		WithUserMessage("The plugin is currently unavailable").
		WithContext("plugin_id", pluginID).
		WithContext("status", status.String()).
		WithSeverity("warning")
}

func NewQueueFullError(queue string, capacity int) *errors.Error {
	return errors.New(ErrCodeQueueFull, "Queue is full: "+queue).
		WithContext("queue", queue).
		WithContext("capacity", capacity).
		WithSeverity("warning").
		AsRetryable()
}

func NewCircuitOpenError(pluginID string) *errors.Error {
	return errors.New(ErrCodeCircuitOpen, "Circuit breaker is open").
		WithUserMessage("The plugin is temporarily disabled after repeated failures").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning").
		AsRetryable()
}

// Scheduler error constructors

func NewSchedulerFullError(capacity int) *errors.Error {
	return errors.New(ErrCodeSchedulerFull, "Scheduler queue is full").
		WithContext("capacity", capacity).
		WithSeverity("warning").
		AsRetryable()
}

func NewTaskPanickedError(label string, recovered interface{}) *errors.Error {
	return errors.New(ErrCodeTaskPanicked, "Task panicked").
		WithContext("task", label).
		WithContext("panic", recovered).
		WithSeverity("critical")
}

func NewSchedulerStoppedError() *errors.Error {
	return errors.New(ErrCodeSchedulerStopped, "Scheduler is stopped").
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidation, "Configuration validation failed: "+message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidation, "Configuration validation failed: "+message).
		WithSeverity("error")
}

func NewConfigReadError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigRead, "Failed to read configuration").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParse, "Failed to parse configuration").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeConfigWatcher, "Config watcher error: "+message).
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeConfigWatcher, "Config watcher error: "+message).
		WithSeverity("error")
}

func NewConfigStoreError(operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigStore, "Config store operation failed: "+operation).
		WithContext("operation", operation).
		WithSeverity("error")
}

// Classification helpers

// ErrorCodeOf returns the structured code carried by err, or "" if err is unstructured.
func ErrorCodeOf(err error) string {
	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return string(structured.Code)
	}
	return ""
}

// HasErrorCode reports whether err carries the given structured code.
func HasErrorCode(err error, code string) bool {
	return err != nil && ErrorCodeOf(err) == code
}

func hasCodePrefix(err error, prefix string) bool {
	return strings.HasPrefix(ErrorCodeOf(err), prefix)
}

// IsLoadError reports whether err belongs to the LoadError family.
func IsLoadError(err error) bool { return hasCodePrefix(err, "LOAD_") }

// IsSandboxError reports whether err belongs to the SandboxError family.
func IsSandboxError(err error) bool { return hasCodePrefix(err, "SANDBOX_") }

// IsPermissionDenied reports whether err is a PermissionDenied rejection.
func IsPermissionDenied(err error) bool { return HasErrorCode(err, ErrCodePermissionDenied) }

// IsCorrelationTimeout reports whether err is a pruned correlation.
func IsCorrelationTimeout(err error) bool { return HasErrorCode(err, ErrCodeCorrelationTimeout) }

// IsRegistryError reports whether err belongs to the RegistryError family.
func IsRegistryError(err error) bool { return hasCodePrefix(err, "REGISTRY_") }
