// observability.go: metrics collection for the plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sort"
	"strings"
	"sync"
)

// Metric names recorded by the runtime.
const (
	MetricPluginsLoaded       = "launcher_plugins_loaded_total"
	MetricPluginLoadFailures  = "launcher_plugin_load_failures_total"
	MetricPluginStatus        = "launcher_plugin_status_transitions_total"
	MetricTaskFailures        = "launcher_plugin_task_failures_total"
	MetricSearches            = "launcher_searches_total"
	MetricSearchLatencyMs     = "launcher_search_latency_ms"
	MetricSearchTimeouts      = "launcher_search_timeouts_total"
	MetricHostCalls           = "launcher_host_calls_total"
	MetricHostCallDenied      = "launcher_host_calls_denied_total"
	MetricMessagesRouted      = "launcher_messages_routed_total"
	MetricMessagesDropped     = "launcher_messages_dropped_total"
	MetricResponsesRejected   = "launcher_responses_rejected_total"
	MetricCorrelationTimeouts = "launcher_correlation_timeouts_total"
	MetricRegisteredPlugins   = "launcher_registered_plugins"
)

// MetricsCollector is the pluggable metrics sink. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)
	RecordCustomMetric(name string, labels map[string]string, value interface{})
	GetMetrics() map[string]interface{}
}

// NoOpMetricsCollector drops every metric.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string, int64)         {}
func (NoOpMetricsCollector) SetGauge(string, map[string]string, float64)               {}
func (NoOpMetricsCollector) RecordHistogram(string, map[string]string, float64)        {}
func (NoOpMetricsCollector) RecordCustomMetric(string, map[string]string, interface{}) {}
func (NoOpMetricsCollector) GetMetrics() map[string]interface{}                        { return nil }

// DefaultMetricsCollector provides a basic in-memory metrics collector.
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.counters[buildMetricKey(name, labels)] += value
}

func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.gauges[buildMetricKey(name, labels)] = value
}

// RecordHistogram keeps the last 1000 samples per series.
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	key := buildMetricKey(name, labels)
	samples := append(dmc.histograms[key], value)
	if len(samples) > 1000 {
		samples = samples[len(samples)-1000:]
	}
	dmc.histograms[key] = samples
}

func (dmc *DefaultMetricsCollector) RecordCustomMetric(name string, labels map[string]string, value interface{}) {
	switch v := value.(type) {
	case int64:
		dmc.IncrementCounter(name, labels, v)
	case int:
		dmc.IncrementCounter(name, labels, int64(v))
	case float64:
		dmc.SetGauge(name, labels, v)
	}
}

// GetMetrics returns counters, gauges and histogram summaries keyed by series.
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	metrics := make(map[string]interface{}, len(dmc.counters)+len(dmc.gauges)+len(dmc.histograms)*4)
	for k, v := range dmc.counters {
		metrics[k] = v
	}
	for k, v := range dmc.gauges {
		metrics[k] = v
	}
	for k, samples := range dmc.histograms {
		if len(samples) == 0 {
			continue
		}
		sum, lo, hi := 0.0, samples[0], samples[0]
		for _, s := range samples {
			sum += s
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
		}
		metrics[k+"_count"] = len(samples)
		metrics[k+"_sum"] = sum
		metrics[k+"_min"] = lo
		metrics[k+"_max"] = hi
	}
	return metrics
}

// Counter returns the current value of a counter series.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.counters[buildMetricKey(name, labels)]
}

// buildMetricKey renders name{k1=v1,k2=v2} with labels sorted by key.
func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
