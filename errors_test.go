// errors_test.go: error codes, context and classification helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors_Codes(t *testing.T) {
	cause := stderrors.New("boom")
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"manifest invalid", NewManifestInvalidError("id", "must not be empty"), ErrCodeManifestInvalid},
		{"manifest parse", NewManifestParseError("/p/manifest.json", cause), ErrCodeManifestInvalid},
		{"missing export", NewMissingExportError("p", "memory"), ErrCodeMissingExport},
		{"abi mismatch", NewAbiMismatchError("p", 1, 2), ErrCodeAbiMismatch},
		{"build failed", NewBuildFailedError("p", cause), ErrCodeBuildFailed},
		{"untrusted", NewUntrustedLocationError("p", "/tmp/x"), ErrCodeUntrustedLocation},
		{"capability", NewCapabilityPermissionMismatchError("p", "clipboard_access", "clipboard-read"), ErrCodeCapabilityPermission},
		{"kind", NewUnsupportedKindError("cobol"), ErrCodeUnsupportedKind},
		{"integrity", NewIntegrityMismatchError("p", "aa", "bb"), ErrCodeIntegrityMismatch},
		{"host version", NewHostVersionIncompatibleError("p", "2.0.0", "1.4.0"), ErrCodeHostVersionIncompatible},
		{"load failed", NewLoadFailedError("p", cause), ErrCodeLoadFailed},
		{"serialization", NewSerializationError("p", "search", cause), ErrCodeSerialization},
		{"trap", NewGuestTrapError("p", "search", cause), ErrCodeGuestTrap},
		{"malformed", NewMalformedPayloadError("search", "short"), ErrCodeMalformedPayload},
		{"deserialization", NewDeserializationError("p", "search", cause), ErrCodeDeserialization},
		{"guest reported", NewGuestReportedError("p", "search", "nope"), ErrCodeGuestReported},
		{"unknown callback", NewUnknownCallbackError("p", "cb"), ErrCodeUnknownCallback},
		{"unsupported op", NewUnsupportedOperationError("p", "search"), ErrCodeUnsupportedOp},
		{"host call rejected", NewHostCallRejectedError("notify", "too big"), ErrCodeHostCallRejected},
		{"host service", NewHostServiceError("storage_get", cause), ErrCodeHostServiceFailed},
		{"permission", NewPermissionDeniedError("p", PermClipboardRead), ErrCodePermissionDenied},
		{"permission detail", NewPermissionDeniedDetailError("p", "http-request", "host not allowed"), ErrCodePermissionDenied},
		{"corr timeout", NewCorrelationTimeoutError("c", "2s"), ErrCodeCorrelationTimeout},
		{"corr capacity", NewCorrelationCapacityError(3, 16), ErrCodeCorrelationCapacity},
		{"corr unknown", NewCorrelationUnknownError("c"), ErrCodeCorrelationUnknown},
		{"duplicate", NewDuplicateRegistrationError("p"), ErrCodeDuplicateRegistration},
		{"unknown plugin", NewUnknownPluginError("p"), ErrCodeUnknownPlugin},
		{"not active", NewPluginNotActiveError("p", StatusError), ErrCodePluginNotActive},
		{"queue full", NewQueueFullError("messages", 8), ErrCodeQueueFull},
		{"circuit open", NewCircuitOpenError("p"), ErrCodeCircuitOpen},
		{"scheduler full", NewSchedulerFullError(8), ErrCodeSchedulerFull},
		{"panicked", NewTaskPanickedError("search:p", "oops"), ErrCodeTaskPanicked},
		{"stopped", NewSchedulerStoppedError(), ErrCodeSchedulerStopped},
		{"config validation", NewConfigValidationError("bad", nil), ErrCodeConfigValidation},
		{"config read", NewConfigReadError("/etc/x", cause), ErrCodeConfigRead},
		{"config parse", NewConfigParseError("/etc/x", cause), ErrCodeConfigParse},
		{"config watcher", NewConfigWatcherError("watch", nil), ErrCodeConfigWatcher},
		{"config store", NewConfigStoreError("save", cause), ErrCodeConfigStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, tt.code, ErrorCodeOf(tt.err))
			assert.True(t, HasErrorCode(tt.err, tt.code))
		})
	}
}

func TestErrorConstructors_Context(t *testing.T) {
	err := NewPermissionDeniedError("com.example.clip", PermClipboardWrite)
	assert.Equal(t, "com.example.clip", err.Context["plugin_id"])
	assert.Equal(t, "clipboard-write", err.Context["permission"])
	assert.NotEmpty(t, err.UserMessage())
	assert.False(t, err.IsRetryable())

	assert.True(t, NewCorrelationTimeoutError("c", "2s").IsRetryable())
	assert.True(t, NewSchedulerFullError(4).IsRetryable())
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("loading: %w", NewMissingExportError("p", "memory"))
	assert.True(t, IsLoadError(wrapped))
	assert.False(t, IsSandboxError(wrapped))
	assert.Equal(t, ErrCodeMissingExport, ErrorCodeOf(wrapped))

	assert.True(t, IsSandboxError(NewGuestTrapError("p", "search", stderrors.New("unreachable"))))
	assert.True(t, IsPermissionDenied(NewPermissionDeniedError("p", PermStorageRead)))
	assert.True(t, IsCorrelationTimeout(NewCorrelationTimeoutError("c", "1s")))
	assert.True(t, IsRegistryError(NewUnknownPluginError("p")))

	plain := stderrors.New("plain")
	assert.Empty(t, ErrorCodeOf(plain))
	assert.Empty(t, ErrorCodeOf(nil))
	assert.False(t, HasErrorCode(nil, ""))
	assert.False(t, IsLoadError(plain))
}
