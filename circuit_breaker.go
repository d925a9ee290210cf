// circuit_breaker.go: per-plugin circuit breakers gating dispatch
//
// A plugin whose tasks keep failing is taken out of dispatch for a recovery
// window instead of being hammered with every keystroke. After the window a
// limited number of trial calls decide whether it closes again.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitBreakerState represents the current state of a breaker.
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s CircuitBreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig controls when a plugin is excluded from dispatch.
//
//	cb := CircuitBreakerConfig{
//	    Enabled:          true,
//	    FailureThreshold: 5,                // consecutive failures before opening
//	    RecoveryTimeout:  30 * time.Second, // time spent open
//	    SuccessThreshold: 2,                // trial successes needed to close
//	}
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker tracks consecutive failures for one plugin.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state               atomic.Int32
	consecutiveFailures atomic.Int64
	halfOpenSuccesses   atomic.Int64
	halfOpenInFlight    atomic.Int64
	totalFailures       atomic.Int64
	totalSuccesses      atomic.Int64
	openedAt            atomic.Int64

	now func() int64
	mu  sync.Mutex
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{config: config, now: timecache.CachedTimeNano}
	cb.state.Store(int32(StateClosed))
	return cb
}

// AllowRequest reports whether a call may be dispatched. An open breaker
// switches to half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.config.Enabled {
		return true
	}
	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Duration(cb.now()-cb.openedAt.Load()) < cb.config.RecoveryTimeout {
			return false
		}
		cb.mu.Lock()
		if CircuitBreakerState(cb.state.Load()) == StateOpen {
			cb.state.Store(int32(StateHalfOpen))
			cb.halfOpenSuccesses.Store(0)
			cb.halfOpenInFlight.Store(0)
		}
		cb.mu.Unlock()
		return cb.admitTrial()
	case StateHalfOpen:
		return cb.admitTrial()
	default:
		return false
	}
}

func (cb *CircuitBreaker) admitTrial() bool {
	if cb.halfOpenInFlight.Add(1) > int64(cb.config.SuccessThreshold) {
		cb.halfOpenInFlight.Add(-1)
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}
	cb.totalSuccesses.Add(1)
	cb.consecutiveFailures.Store(0)
	if CircuitBreakerState(cb.state.Load()) != StateHalfOpen {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.halfOpenSuccesses.Add(1) >= int64(cb.config.SuccessThreshold) {
		cb.state.Store(int32(StateClosed))
	}
}

// RecordFailure records a failed call. Any failure while half-open reopens
// the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}
	cb.totalFailures.Add(1)
	failures := cb.consecutiveFailures.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch CircuitBreakerState(cb.state.Load()) {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		if failures >= int64(cb.config.FailureThreshold) {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state.Store(int32(StateOpen))
	cb.openedAt.Store(cb.now())
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Reset forcibly closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(int32(StateClosed))
	cb.consecutiveFailures.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenInFlight.Store(0)
}

// updateConfig applies hot-reloaded thresholds without resetting state.
func (cb *CircuitBreaker) updateConfig(config CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = cb.config.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = cb.config.SuccessThreshold
	}
	cb.config = config
}

// CircuitBreakerStats is a snapshot for diagnostics.
type CircuitBreakerStats struct {
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int64               `json:"consecutive_failures"`
	TotalFailures       int64               `json:"total_failures"`
	TotalSuccesses      int64               `json:"total_successes"`
	OpenedAt            time.Time           `json:"opened_at,omitempty"`
}

func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	stats := CircuitBreakerStats{
		State:               cb.GetState(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
	}
	if at := cb.openedAt.Load(); at != 0 {
		stats.OpenedAt = time.Unix(0, at)
	}
	return stats
}
