// search_query.go: fan-in state of one distributed search
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sort"
	"strings"
	"time"
)

// SearchBoosts are added to a result's score for literal, case-insensitive
// matches of the query. Title must outweigh Description.
type SearchBoosts struct {
	Title       float64 `json:"title" yaml:"title"`
	Description float64 `json:"description" yaml:"description"`
}

func DefaultSearchBoosts() SearchBoosts {
	return SearchBoosts{Title: 10, Description: 3}
}

// DistributedSearchQuery accumulates the responses of every plugin a query
// was dispatched to. It is not safe for concurrent use; the coordinator
// owns it on the coordinating loop.
type DistributedSearchQuery struct {
	Query         string
	CorrelationID string
	Requester     RequesterHandle
	CreatedAt     time.Time
	Timeout       time.Duration

	boosts     SearchBoosts
	expected   []string
	received   map[string]bool
	responding []string
	failed     []string
	merged     map[string]int
	results    []ActionItem
}

// NewDistributedSearchQuery creates a query expecting one response from
// each candidate. Duplicate candidate ids are collapsed.
func NewDistributedSearchQuery(query, correlationID string, requester RequesterHandle, candidates []string, createdAt time.Time, timeout time.Duration, boosts SearchBoosts) *DistributedSearchQuery {
	seen := make(map[string]bool, len(candidates))
	expected := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if !seen[id] {
			seen[id] = true
			expected = append(expected, id)
		}
	}
	return &DistributedSearchQuery{
		Query:         query,
		CorrelationID: correlationID,
		Requester:     requester,
		CreatedAt:     createdAt,
		Timeout:       timeout,
		boosts:        boosts,
		expected:      expected,
		received:      make(map[string]bool, len(expected)),
		merged:        make(map[string]int),
	}
}

func (q *DistributedSearchQuery) ExpectedResponses() int { return len(q.expected) }

func (q *DistributedSearchQuery) ReceivedResponses() int { return len(q.received) }

// IsComplete reports whether every expected plugin has answered.
func (q *DistributedSearchQuery) IsComplete() bool {
	return len(q.received) == len(q.expected)
}

// IsTimedOut reports whether the query outlived its timeout at now. It is
// independent of IsComplete.
func (q *DistributedSearchQuery) IsTimedOut(now time.Time) bool {
	return now.Sub(q.CreatedAt) >= q.Timeout
}

// Expects reports whether pluginID is an outstanding responder.
func (q *DistributedSearchQuery) Expects(pluginID string) bool {
	if q.received[pluginID] {
		return false
	}
	for _, id := range q.expected {
		if id == pluginID {
			return true
		}
	}
	return false
}

// AddResponse merges one plugin's results. Responses from plugins that were
// not dispatched to, or that already answered, are ignored and reported
// false.
func (q *DistributedSearchQuery) AddResponse(pluginID string, items []ActionItem) bool {
	if !q.Expects(pluginID) {
		return false
	}
	q.received[pluginID] = true
	q.responding = append(q.responding, pluginID)
	for _, item := range items {
		q.merge(item)
	}
	q.sortResults()
	return true
}

// AddFailure counts a plugin that errored or was marked unhealthy as
// answered, recording it among the failed plugins.
func (q *DistributedSearchQuery) AddFailure(pluginID string) bool {
	if !q.Expects(pluginID) {
		return false
	}
	q.received[pluginID] = true
	q.failed = append(q.failed, pluginID)
	return true
}

func (q *DistributedSearchQuery) merge(item ActionItem) {
	item.Score = q.score(item)
	key := item.Title + "\x00" + item.Action.Key()
	if i, exists := q.merged[key]; exists {
		if item.Score > q.results[i].Score {
			q.results[i] = item
		}
		return
	}
	q.merged[key] = len(q.results)
	q.results = append(q.results, item)
}

func (q *DistributedSearchQuery) score(item ActionItem) float64 {
	score := item.Score
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	if needle == "" {
		return score
	}
	if strings.Contains(strings.ToLower(item.Title), needle) {
		score += q.boosts.Title
	}
	if strings.Contains(strings.ToLower(item.Description), needle) {
		score += q.boosts.Description
	}
	return score
}

// sortResults orders by score descending, then title. The merge index is
// rebuilt because positions move.
func (q *DistributedSearchQuery) sortResults() {
	sort.SliceStable(q.results, func(i, j int) bool {
		if q.results[i].Score != q.results[j].Score {
			return q.results[i].Score > q.results[j].Score
		}
		return q.results[i].Title < q.results[j].Title
	})
	for i, item := range q.results {
		q.merged[item.Title+"\x00"+item.Action.Key()] = i
	}
}

// Results returns a copy of the merged, ranked results.
func (q *DistributedSearchQuery) Results() []ActionItem {
	return append([]ActionItem(nil), q.results...)
}

// RespondingPlugins lists plugins that answered successfully, in arrival order.
func (q *DistributedSearchQuery) RespondingPlugins() []string {
	return append([]string(nil), q.responding...)
}

// FailedPlugins lists plugins that errored or were unhealthy, followed by
// those still outstanding, in dispatch order.
func (q *DistributedSearchQuery) FailedPlugins() []string {
	out := append([]string(nil), q.failed...)
	return append(out, q.PendingPlugins()...)
}

// PendingPlugins lists expected plugins that have not answered.
func (q *DistributedSearchQuery) PendingPlugins() []string {
	var out []string
	for _, id := range q.expected {
		if !q.received[id] {
			out = append(out, id)
		}
	}
	return out
}
