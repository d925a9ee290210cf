// search_coordinator_test.go: query fan-out, timeouts and supersession
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchFixture struct {
	clock       *manualClock
	scheduler   *Scheduler
	bridge      *ServiceBridge
	coordinator *SearchCoordinator
	sink        *recordingSink
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	f := &searchFixture{clock: newManualClock(), scheduler: newTestScheduler(t), sink: &recordingSink{}}
	f.bridge, _ = newTestBridge(t, DefaultServiceBridgeConfig(), f.clock)
	f.coordinator = NewSearchCoordinator(SearchConfig{Timeout: 2 * time.Second}, f.bridge, f.sink, NewTestLogger(), nil)
	f.coordinator.clock = f.clock.Now
	return f
}

func (f *searchFixture) plugin(t *testing.T, id string, fn func(ctx context.Context, query string) ([]ActionItem, error)) *fakeRuntime {
	t.Helper()
	rt := registerActive(t, f.bridge, f.scheduler, testManifest(id, KindScripted))
	rt.searchFn = fn
	return rt
}

func (f *searchFixture) waitSearches(t *testing.T, n int) []SearchCompleted {
	t.Helper()
	driveUntil(t, 2*time.Second, func() { f.scheduler.Poll() }, func() bool { return len(f.sink.searches()) >= n })
	return f.sink.searches()
}

func answer(items ...ActionItem) func(context.Context, string) ([]ActionItem, error) {
	return func(context.Context, string) ([]ActionItem, error) { return items, nil }
}

// hang blocks until the test ends or the task is cancelled.
func hang(t *testing.T) func(context.Context, string) ([]ActionItem, error) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return func(ctx context.Context, _ string) ([]ActionItem, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
}

func TestSearchCoordinator_AllPluginsRespond(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.a", answer(ActionItem{Title: "Calculator", Score: 1}))
	f.plugin(t, "com.example.b", answer(ActionItem{Title: "Clipboard", Score: 2}))
	f.plugin(t, "com.example.c", answer(ActionItem{Title: "Calendar", Description: "cal events", Score: 0}))

	corrID, err := f.coordinator.Start(SearchRequested{Query: "cal", Requester: 9})
	require.NoError(t, err)
	require.NotEmpty(t, corrID)

	done := f.waitSearches(t, 1)
	require.Len(t, done, 1)
	ev := done[0]
	assert.Equal(t, corrID, ev.CorrelationID)
	assert.Equal(t, RequesterHandle(9), ev.Requester)
	assert.False(t, ev.TimedOut)
	assert.Len(t, ev.Results, 3)
	assert.ElementsMatch(t, []string{"com.example.a", "com.example.b", "com.example.c"}, ev.RespondingPlugins)
	assert.Empty(t, ev.FailedPlugins)
	assert.NotNil(t, ev.FailedPlugins)

	assert.Equal(t, "Calendar", ev.Results[0].Title)
	assert.Equal(t, 13.0, ev.Results[0].Score)
	assert.Equal(t, "com.example.c", ev.Results[0].PluginID)
	for _, r := range ev.Results {
		assert.NotEmpty(t, r.ID)
	}

	_, live := f.coordinator.Active(9)
	assert.False(t, live)
	assert.Zero(t, f.bridge.Correlations().Len())
}

func TestSearchCoordinator_TimeoutReportsSilentPlugin(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.a", answer(ActionItem{Title: "Fast"}))
	f.plugin(t, "com.example.b", hang(t))

	_, err := f.coordinator.Start(SearchRequested{Query: "f", Requester: 1})
	require.NoError(t, err)
	q, ok := f.coordinator.Active(1)
	require.True(t, ok)
	driveUntil(t, 2*time.Second, func() { f.scheduler.Poll() }, func() bool { return q.ReceivedResponses() == 1 })

	assert.Zero(t, f.coordinator.Tick(f.clock.Advance(1999*time.Millisecond)))
	assert.Empty(t, f.sink.searches())
	assert.Equal(t, 1, f.coordinator.Tick(f.clock.Advance(time.Millisecond)))

	done := f.sink.searches()
	require.Len(t, done, 1)
	assert.True(t, done[0].TimedOut)
	assert.Equal(t, []string{"com.example.a"}, done[0].RespondingPlugins)
	assert.Equal(t, []string{"com.example.b"}, done[0].FailedPlugins)
	assert.Equal(t, 2*time.Second, done[0].ExecutionTime)
	require.Len(t, done[0].Results, 1)
	assert.Equal(t, "Fast", done[0].Results[0].Title)
}

func TestSearchCoordinator_ZeroResponsesFailEveryPlugin(t *testing.T) {
	f := newSearchFixture(t)
	ids := []string{"com.example.a", "com.example.b", "com.example.c"}
	for _, id := range ids {
		f.plugin(t, id, hang(t))
	}

	_, err := f.coordinator.Start(SearchRequested{Query: "q", Requester: 6})
	require.NoError(t, err)
	assert.Equal(t, 1, f.coordinator.Tick(f.clock.Advance(2*time.Second)))

	done := f.sink.searches()
	require.Len(t, done, 1)
	assert.True(t, done[0].TimedOut)
	assert.Empty(t, done[0].Results)
	assert.Equal(t, []string{}, done[0].RespondingPlugins)
	assert.Equal(t, ids, done[0].FailedPlugins)
	_, live := f.coordinator.Active(6)
	assert.False(t, live)
}

func TestSearchCoordinator_FailingAndUnhealthyPlugins(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.ok", answer(ActionItem{Title: "One"}))
	f.plugin(t, "com.example.broken", func(context.Context, string) ([]ActionItem, error) {
		return nil, errors.New("index corrupt")
	})
	f.plugin(t, "com.example.stuck", hang(t))

	_, err := f.coordinator.Start(SearchRequested{Query: "o", Requester: 2})
	require.NoError(t, err)
	q, _ := f.coordinator.Active(2)
	driveUntil(t, 2*time.Second, func() { f.scheduler.Poll() }, func() bool { return q.ReceivedResponses() == 2 })

	f.bridge.MarkError("com.example.stuck", "crashed")
	assert.Equal(t, 1, f.coordinator.Tick(f.clock.Advance(100*time.Millisecond)))

	done := f.sink.searches()
	require.Len(t, done, 1)
	assert.False(t, done[0].TimedOut)
	assert.Equal(t, []string{"com.example.ok"}, done[0].RespondingPlugins)
	assert.Equal(t, []string{"com.example.broken", "com.example.stuck"}, done[0].FailedPlugins)
}

func TestSearchCoordinator_SupersededQueryIsSilent(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.a", func(_ context.Context, query string) ([]ActionItem, error) {
		return []ActionItem{{Title: "echo " + query}}, nil
	})

	first, err := f.coordinator.Start(SearchRequested{Query: "c", Requester: 3})
	require.NoError(t, err)
	second, err := f.coordinator.Start(SearchRequested{Query: "ca", Requester: 3})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	f.waitSearches(t, 1)
	// Let the first query's callback drain too.
	for i := 0; i < 5; i++ {
		f.scheduler.Poll()
		time.Sleep(5 * time.Millisecond)
	}
	done := f.sink.searches()
	require.Len(t, done, 1)
	assert.Equal(t, second, done[0].CorrelationID)
	assert.Equal(t, "echo ca", done[0].Results[0].Title)
	_, ok := f.bridge.Correlations().Lookup(first)
	assert.False(t, ok)
}

func TestSearchCoordinator_NoCandidates(t *testing.T) {
	f := newSearchFixture(t)
	silent := testManifest("com.example.silent", KindScripted)
	silent.Capabilities.Search = false
	registerActive(t, f.bridge, f.scheduler, silent)

	_, err := f.coordinator.Start(SearchRequested{Query: "anything", Requester: 4})
	require.NoError(t, err)
	done := f.sink.searches()
	require.Len(t, done, 1, "completes synchronously")
	assert.Empty(t, done[0].Results)
	assert.Equal(t, []string{}, done[0].RespondingPlugins)
	assert.Equal(t, []string{}, done[0].FailedPlugins)
	assert.Zero(t, done[0].ExecutionTime)
}

// A sink may start the next query from inside its SearchCompleted handler.
func TestSearchCoordinator_SinkCanStartNextQuery(t *testing.T) {
	tests := []struct {
		name    string
		plugins func(t *testing.T, f *searchFixture)
		finish  func(t *testing.T, f *searchFixture, c *SearchCoordinator)
	}{
		{"no candidates", func(*testing.T, *searchFixture) {}, func(*testing.T, *searchFixture, *SearchCoordinator) {}},
		{"timeout on tick",
			func(t *testing.T, f *searchFixture) { f.plugin(t, "com.example.stuck", hang(t)) },
			func(_ *testing.T, f *searchFixture, c *SearchCoordinator) { c.Tick(f.clock.Advance(2 * time.Second)) }},
		{"last response",
			func(t *testing.T, f *searchFixture) { f.plugin(t, "com.example.a", answer(ActionItem{Title: "A"})) },
			func(t *testing.T, f *searchFixture, _ *SearchCoordinator) {
				driveUntil(t, 2*time.Second, func() { f.scheduler.Poll() }, func() bool { return len(f.sink.searches()) >= 1 })
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSearchFixture(t)
			tt.plugins(t, f)

			var coord *SearchCoordinator
			var nextErr error
			started := make(chan struct{}, 1)
			sink := EventSinkFunc(func(e Event) {
				f.sink.Emit(e)
				if sc, ok := e.(SearchCompleted); ok && sc.Query == "c" {
					_, nextErr = coord.Start(SearchRequested{Query: "ca", Requester: 8})
					started <- struct{}{}
				}
			})
			coord = NewSearchCoordinator(SearchConfig{Timeout: 2 * time.Second}, f.bridge, sink, NewTestLogger(), nil)
			coord.clock = f.clock.Now

			finished := make(chan struct{})
			go func() {
				defer close(finished)
				_, err := coord.Start(SearchRequested{Query: "c", Requester: 8})
				assert.NoError(t, err)
				tt.finish(t, f, coord)
			}()
			select {
			case <-finished:
			case <-time.After(5 * time.Second):
				t.Fatal("SearchCompleted handler blocked on the coordinator")
			}
			select {
			case <-started:
			case <-time.After(2 * time.Second):
				t.Fatal("the follow-up query never started")
			}
			require.NoError(t, nextErr)
		})
	}
}

func TestSearchCoordinator_DropRequester(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.stuck", hang(t))
	_, err := f.coordinator.Start(SearchRequested{Query: "x", Requester: 5})
	require.NoError(t, err)

	f.coordinator.DropRequester(5)
	assert.Zero(t, f.coordinator.Tick(f.clock.Advance(time.Minute)))
	assert.Empty(t, f.sink.searches())
	assert.Zero(t, f.bridge.Correlations().Len())
}

func TestSearchCoordinator_MaxResultsAndConfig(t *testing.T) {
	f := newSearchFixture(t)
	f.plugin(t, "com.example.many", answer(
		ActionItem{Title: "a", Score: 3}, ActionItem{Title: "b", Score: 2}, ActionItem{Title: "c", Score: 1},
	))
	f.coordinator.UpdateConfig(SearchConfig{Timeout: time.Second, MaxResults: 2})
	assert.Equal(t, DefaultSearchBoosts(), f.coordinator.Config().Boosts)

	_, err := f.coordinator.Start(SearchRequested{Query: "zzz", Requester: 6})
	require.NoError(t, err)
	done := f.waitSearches(t, 1)
	require.Len(t, done[0].Results, 2)
	assert.Equal(t, "a", done[0].Results[0].Title)
}
