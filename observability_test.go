// observability_test.go: metric series, event sinks and process snapshots
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMetricKey(t *testing.T) {
	assert.Equal(t, "searches", buildMetricKey("searches", nil))
	assert.Equal(t, "host_calls{function=notify,plugin=a}",
		buildMetricKey("host_calls", map[string]string{"plugin": "a", "function": "notify"}))
}

func TestDefaultMetricsCollector(t *testing.T) {
	m := NewDefaultMetricsCollector()
	labels := map[string]string{"kind": "wasm"}

	m.IncrementCounter(MetricPluginsLoaded, labels, 1)
	m.IncrementCounter(MetricPluginsLoaded, labels, 2)
	m.RecordCustomMetric(MetricPluginsLoaded, labels, 1)
	m.SetGauge(MetricRegisteredPlugins, nil, 3)
	m.RecordCustomMetric(MetricRegisteredPlugins, nil, 4.0)
	for _, v := range []float64{5, 1, 9} {
		m.RecordHistogram("search_ms", nil, v)
	}

	assert.Equal(t, int64(4), m.Counter(MetricPluginsLoaded, labels))
	assert.Zero(t, m.Counter(MetricPluginsLoaded, map[string]string{"kind": "lua"}))

	got := m.GetMetrics()
	assert.Equal(t, 4.0, got[MetricRegisteredPlugins])
	assert.Equal(t, 3, got["search_ms_count"])
	assert.Equal(t, 15.0, got["search_ms_sum"])
	assert.Equal(t, 1.0, got["search_ms_min"])
	assert.Equal(t, 9.0, got["search_ms_max"])

	for i := 0; i < 1200; i++ {
		m.RecordHistogram("bounded", nil, float64(i))
	}
	assert.Equal(t, 1000, m.GetMetrics()["bounded_count"])

	var noop MetricsCollector = NoOpMetricsCollector{}
	noop.IncrementCounter("x", nil, 1)
	assert.Nil(t, noop.GetMetrics())
}

func TestChannelEventSink_DropsWhenFull(t *testing.T) {
	sink := NewChannelEventSink(2)
	sink.Emit(PluginLoaded{PluginID: "a"})
	sink.Emit(PluginLoaded{PluginID: "b"})
	sink.Emit(PluginLoaded{PluginID: "c"})

	assert.Equal(t, int64(1), sink.Dropped())
	first := <-sink.Events()
	assert.Equal(t, "plugin_loaded", first.EventName())
	assert.Equal(t, "a", first.(PluginLoaded).PluginID)

	var seen []string
	fn := EventSinkFunc(func(e Event) { seen = append(seen, e.EventName()) })
	fn.Emit(SearchCompleted{})
	fn.Emit(ActionExecuteCompleted{})
	assert.Equal(t, []string{"search_completed", "action_execute_completed"}, seen)
}

func TestCollectProcessSnapshot(t *testing.T) {
	snap := CollectProcessSnapshot(context.Background())
	require.Equal(t, int32(os.Getpid()), snap.PID)
	assert.Positive(t, snap.Goroutines)
	if len(snap.Errors) == 0 {
		assert.Positive(t, snap.RSSBytes)
	}
}
