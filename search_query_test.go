// search_query_test.go: fan-in bookkeeping, merging and ranking
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var queryEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newQuery(query string, candidates ...string) *DistributedSearchQuery {
	return NewDistributedSearchQuery(query, "corr-1", 7, candidates, queryEpoch, 2*time.Second, DefaultSearchBoosts())
}

func TestDistributedSearchQuery_Bookkeeping(t *testing.T) {
	q := newQuery("calc", "a", "b", "a", "c")
	assert.Equal(t, 3, q.ExpectedResponses(), "duplicate candidates collapse")
	assert.False(t, q.IsComplete())

	assert.True(t, q.AddResponse("b", nil))
	assert.False(t, q.AddResponse("b", nil), "second response ignored")
	assert.False(t, q.AddResponse("stranger", nil))
	assert.True(t, q.AddFailure("c"))
	assert.False(t, q.AddFailure("c"))
	assert.Equal(t, 2, q.ReceivedResponses())

	assert.True(t, q.Expects("a"))
	assert.Equal(t, []string{"a"}, q.PendingPlugins())
	assert.Equal(t, []string{"b"}, q.RespondingPlugins())
	assert.Equal(t, []string{"c", "a"}, q.FailedPlugins(), "outstanding plugins count as failed")

	assert.True(t, q.AddResponse("a", nil))
	assert.True(t, q.IsComplete())
	assert.Empty(t, q.PendingPlugins())
}

func TestDistributedSearchQuery_TimeoutBoundary(t *testing.T) {
	q := newQuery("x", "a")
	assert.False(t, q.IsTimedOut(queryEpoch.Add(2*time.Second-time.Nanosecond)))
	assert.True(t, q.IsTimedOut(queryEpoch.Add(2*time.Second)))

	q.AddResponse("a", nil)
	assert.True(t, q.IsComplete())
	assert.True(t, q.IsTimedOut(queryEpoch.Add(time.Hour)), "timeout is independent of completion")
}

func TestDistributedSearchQuery_MergeAndRank(t *testing.T) {
	q := newQuery("Calc", "a", "b")
	copyAction := Action{Type: "copy", Target: "42"}

	q.AddResponse("a", []ActionItem{
		{ID: "a1", Title: "Calculator", Score: 1, Action: Action{Type: "plugin", Target: "open"}},
		{ID: "a2", Title: "Result", Score: 1, Action: copyAction},
		{ID: "a3", Title: "Notes", Description: "calc history", Score: 2},
	})
	q.AddResponse("b", []ActionItem{
		{ID: "b1", Title: "Result", Score: 4, Action: copyAction},
		{ID: "b2", Title: "Result", Score: 0, Action: Action{Type: "copy", Target: "43"}},
		{ID: "b3", Title: "Alpha", Score: 4},
	})

	results := q.Results()
	require.Len(t, results, 5)

	var titles []string
	var scores []float64
	for _, r := range results {
		titles = append(titles, r.Title)
		scores = append(scores, r.Score)
	}
	assert.Equal(t, []string{"Calculator", "Notes", "Alpha", "Result", "Result"}, titles)
	assert.Equal(t, []float64{11, 5, 4, 4, 0}, scores)
	assert.Equal(t, "b1", results[3].ID, "duplicate keeps the higher score")
	assert.Equal(t, "b2", results[4].ID, "same title with another action is distinct")
}

func TestDistributedSearchQuery_EmptyQueryNoBoost(t *testing.T) {
	q := newQuery("  ", "a")
	q.AddResponse("a", []ActionItem{{Title: "Anything", Score: 1.5}})
	assert.Equal(t, 1.5, q.Results()[0].Score)
}

// A query completes exactly when every distinct candidate answered once,
// whatever the arrival order, duplicates or strangers in the stream.
func TestDistributedSearchQuery_CompletionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "candidates")
		candidates := make([]string, n)
		for i := range candidates {
			candidates[i] = fmt.Sprintf("p%d", i)
		}
		q := newQuery("q", candidates...)
		answered := map[string]bool{}

		steps := rapid.IntRange(0, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := fmt.Sprintf("p%d", rapid.IntRange(0, n+2).Draw(t, "id"))
			known := false
			for _, c := range candidates {
				known = known || c == id
			}
			var accepted bool
			if rapid.Bool().Draw(t, "failure") {
				accepted = q.AddFailure(id)
			} else {
				accepted = q.AddResponse(id, []ActionItem{{Title: id}})
			}
			want := known && !answered[id]
			if accepted != want {
				t.Fatalf("add %s accepted=%v, want %v", id, accepted, want)
			}
			if want {
				answered[id] = true
			}
			if q.IsComplete() != (len(answered) == n) {
				t.Fatalf("complete=%v with %d/%d answered", q.IsComplete(), len(answered), n)
			}
			if q.ReceivedResponses() > q.ExpectedResponses() {
				t.Fatalf("received %d > expected %d", q.ReceivedResponses(), q.ExpectedResponses())
			}
		}
		if len(q.RespondingPlugins())+len(q.FailedPlugins()) != n {
			t.Fatalf("responding+failed must partition the candidates")
		}
	})
}
