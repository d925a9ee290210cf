// panic_recovery_test.go: recovered panics are logged, never propagated
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStackRecover(t *testing.T) {
	logger := NewTestLogger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer withStackRecover(logger)()
		panic("watcher exploded")
	}()
	<-done

	require.True(t, logger.HasMessage("ERROR", "Panic recovered in goroutine"))
	assert.Equal(t, "panic", logger.Messages[0].Args[0])
	assert.Equal(t, "watcher exploded", logger.Messages[0].Args[1])
}

func TestRecoverInto(t *testing.T) {
	logger := NewTestLogger()
	run := func() (err error) {
		defer recoverInto(logger, "search:com.example.boom", &err)
		panic("index out of range")
	}
	err := run()
	require.Error(t, err)
	assert.Equal(t, ErrCodeTaskPanicked, ErrorCodeOf(err))
	assert.True(t, logger.HasMessage("ERROR", "Panic recovered in plugin task"))

	clean := func() (err error) {
		defer recoverInto(logger, "noop", &err)
		return nil
	}
	assert.NoError(t, clean())
}

func TestSafeGo(t *testing.T) {
	logger := NewTestLogger()
	SafeGo(logger, func() { panic("background") })
	driveUntil(t, time.Second, func() {}, func() bool {
		return logger.HasMessage("ERROR", "Panic recovered in goroutine")
	})
}
