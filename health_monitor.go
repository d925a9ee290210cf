// health_monitor.go: heartbeat evaluation for registered plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"fmt"
	"sync/atomic"
	"time"
)

// HealthConfig controls the heartbeat sweep.
//
// A plugin heartbeats whenever one of its tasks completes or when it sends an
// explicit heartbeat message. A plugin with work in flight that stays silent
// longer than UnresponsiveAfter is excluded from dispatch; past ErrorAfter it
// is marked Error and stays excluded until reloaded.
type HealthConfig struct {
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	UnresponsiveAfter time.Duration `json:"unresponsive_after" yaml:"unresponsive_after"`
	ErrorAfter        time.Duration `json:"error_after" yaml:"error_after"`
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		SweepInterval:     time.Second,
		UnresponsiveAfter: 5 * time.Second,
		ErrorAfter:        30 * time.Second,
	}
}

// InFlightFunc reports outstanding work for a plugin.
type InFlightFunc func(pluginID string) (count int, oldest time.Time)

// HealthMonitor decides status transitions from heartbeat timestamps.
type HealthMonitor struct {
	config    HealthConfig
	lastSweep atomic.Int64
}

func NewHealthMonitor(config HealthConfig) *HealthMonitor {
	defaults := DefaultHealthConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.UnresponsiveAfter <= 0 {
		config.UnresponsiveAfter = defaults.UnresponsiveAfter
	}
	if config.ErrorAfter <= config.UnresponsiveAfter {
		config.ErrorAfter = config.UnresponsiveAfter * 6
	}
	return &HealthMonitor{config: config}
}

// Due reports whether a sweep should run at now, and records it if so.
func (hm *HealthMonitor) Due(now time.Time) bool {
	last := hm.lastSweep.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < hm.config.SweepInterval {
		return false
	}
	hm.lastSweep.Store(now.UnixNano())
	return true
}

// Config returns the active thresholds.
func (hm *HealthMonitor) Config() HealthConfig { return hm.config }

// evaluate returns the status an entry should have at now. Only Active and
// Unresponsive entries are evaluated; other statuses are returned unchanged.
func (hm *HealthMonitor) evaluate(status PluginStatus, lastHeartbeat time.Time, inFlight int, oldest time.Time, now time.Time) (PluginStatus, string) {
	if status != StatusActive && status != StatusUnresponsive {
		return status, ""
	}
	if inFlight == 0 {
		return status, ""
	}
	reference := lastHeartbeat
	if oldest.After(reference) {
		reference = oldest
	}
	silence := now.Sub(reference)
	switch {
	case silence > hm.config.ErrorAfter:
		return StatusError, fmt.Sprintf("no heartbeat for %s with %d task(s) in flight", silence.Truncate(time.Millisecond), inFlight)
	case silence > hm.config.UnresponsiveAfter:
		return StatusUnresponsive, fmt.Sprintf("no heartbeat for %s", silence.Truncate(time.Millisecond))
	default:
		return status, ""
	}
}
