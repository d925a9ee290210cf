// search_coordinator.go: fan-out/fan-in orchestration of plugin searches
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// SearchConfig controls query fan-out.
type SearchConfig struct {
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxResults int           `json:"max_results" yaml:"max_results"`
	Boosts     SearchBoosts  `json:"boosts" yaml:"boosts"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Timeout:    2 * time.Second,
		MaxResults: 50,
		Boosts:     DefaultSearchBoosts(),
	}
}

// ContextProvider builds the PluginContext for one invocation.
type ContextProvider func(p *Plugin, requestID string, deadline time.Time) PluginContext

// SearchCoordinator dispatches each query to every search candidate and
// reports one SearchCompleted per query. Only the latest query of a
// requester is live; late responses tagged with a superseded correlation id
// are ignored.
type SearchCoordinator struct {
	bridge  *ServiceBridge
	events  EventSink
	logger  Logger
	metrics MetricsCollector
	clock   func() time.Time

	contextFor ContextProvider

	mu     sync.Mutex
	config SearchConfig
	active map[RequesterHandle]*DistributedSearchQuery
}

func NewSearchCoordinator(config SearchConfig, bridge *ServiceBridge, events EventSink, logger Logger, metrics MetricsCollector) *SearchCoordinator {
	if logger == nil {
		logger = DefaultLogger()
	}
	if events == nil {
		events = discardSink{}
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &SearchCoordinator{
		bridge:  bridge,
		events:  events,
		logger:  logger.With("component", "search"),
		metrics: metrics,
		clock:   timecache.CachedTime,
		contextFor: func(p *Plugin, requestID string, deadline time.Time) PluginContext {
			return PluginContext{PluginID: p.ID(), RequestID: requestID, Deadline: deadline}
		},
		config: normalizeSearchConfig(config),
		active: make(map[RequesterHandle]*DistributedSearchQuery),
	}
}

func normalizeSearchConfig(config SearchConfig) SearchConfig {
	defaults := DefaultSearchConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxResults <= 0 {
		config.MaxResults = defaults.MaxResults
	}
	if config.Boosts == (SearchBoosts{}) {
		config.Boosts = defaults.Boosts
	}
	return config
}

// SetContextProvider replaces how per-plugin contexts are built.
func (c *SearchCoordinator) SetContextProvider(fn ContextProvider) {
	c.mu.Lock()
	c.contextFor = fn
	c.mu.Unlock()
}

// UpdateConfig applies new search settings to future queries.
func (c *SearchCoordinator) UpdateConfig(config SearchConfig) {
	c.mu.Lock()
	c.config = normalizeSearchConfig(config)
	c.mu.Unlock()
}

func (c *SearchCoordinator) Config() SearchConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Active returns the live query of a requester, if any.
func (c *SearchCoordinator) Active(requester RequesterHandle) (*DistributedSearchQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.active[requester]
	return q, ok
}

// Start dispatches a query to every Active search-capable plugin. A query
// with no candidates completes immediately.
func (c *SearchCoordinator) Start(req SearchRequested) (string, error) {
	candidates := c.bridge.SearchCandidates()
	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.ID()
	}

	c.mu.Lock()
	config := c.config
	contextFor := c.contextFor
	if prev, ok := c.active[req.Requester]; ok {
		delete(c.active, req.Requester)
		c.bridge.Correlations().Resolve(prev.CorrelationID)
		c.logger.Debug("Search superseded", "correlation_id", prev.CorrelationID, "requester", uint64(req.Requester))
	}
	c.mu.Unlock()

	now := c.clock()
	corrID, err := c.bridge.Correlations().Open(CorrelationEntry{
		Type:              MessageSearch,
		Requester:         req.Requester,
		OriginalRequestID: req.Query,
		CreatedAt:         now,
		Timeout:           config.Timeout * 2,
	})
	if err != nil {
		return "", err
	}
	q := NewDistributedSearchQuery(req.Query, corrID, req.Requester, ids, now, config.Timeout, config.Boosts)

	c.mu.Lock()
	c.active[req.Requester] = q
	c.mu.Unlock()
	c.metrics.IncrementCounter(MetricSearches, nil, 1)

	if q.ExpectedResponses() == 0 {
		c.mu.Lock()
		event := c.finishLocked(q, now, false)
		c.mu.Unlock()
		c.events.Emit(event)
		return corrID, nil
	}

	deadline := now.Add(config.Timeout)
	for _, p := range candidates {
		pluginID := p.ID()
		p.Search(req.Query, contextFor(p, corrID, deadline)).OnComplete(func(items []ActionItem, err error) {
			c.bridge.RecordOutcome(pluginID, err)
			c.onResponse(req.Requester, corrID, pluginID, items, err)
		})
	}
	c.logger.Debug("Search dispatched", "correlation_id", corrID, "plugins", len(candidates))
	return corrID, nil
}

func (c *SearchCoordinator) onResponse(requester RequesterHandle, corrID, pluginID string, items []ActionItem, err error) {
	c.mu.Lock()
	q, ok := c.active[requester]
	if !ok || q.CorrelationID != corrID {
		c.mu.Unlock()
		c.logger.Debug("Late search response ignored", "plugin_id", pluginID, "correlation_id", corrID)
		return
	}
	if err != nil {
		c.logger.Warn("Plugin search failed", "plugin_id", pluginID, "correlation_id", corrID, "error", err.Error())
		q.AddFailure(pluginID)
	} else {
		q.AddResponse(pluginID, items)
	}
	if !q.IsComplete() {
		c.mu.Unlock()
		return
	}
	event := c.finishLocked(q, c.clock(), false)
	c.mu.Unlock()
	c.events.Emit(event)
}

// Tick marks unhealthy outstanding plugins as failed and completes queries
// that are satisfied or timed out. It returns how many queries completed.
func (c *SearchCoordinator) Tick(now time.Time) int {
	c.mu.Lock()
	queries := make([]*DistributedSearchQuery, 0, len(c.active))
	for _, q := range c.active {
		queries = append(queries, q)
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].CreatedAt.Before(queries[j].CreatedAt) })

	var finished []SearchCompleted
	for _, q := range queries {
		for _, id := range q.PendingPlugins() {
			if entry, ok := c.bridge.Entry(id); !ok || !entry.Status.Dispatchable() {
				q.AddFailure(id)
			}
		}
		switch {
		case q.IsComplete():
			finished = append(finished, c.finishLocked(q, now, false))
		case q.IsTimedOut(now):
			finished = append(finished, c.finishLocked(q, now, true))
		}
	}
	c.mu.Unlock()

	for _, event := range finished {
		c.events.Emit(event)
	}
	return len(finished)
}

// finishLocked forgets the query and returns its SearchCompleted event,
// which the caller emits after releasing c.mu.
func (c *SearchCoordinator) finishLocked(q *DistributedSearchQuery, now time.Time, timedOut bool) SearchCompleted {
	delete(c.active, q.Requester)
	c.bridge.Correlations().Resolve(q.CorrelationID)

	results := q.Results()
	if len(results) > c.config.MaxResults {
		results = results[:c.config.MaxResults]
	}
	elapsed := now.Sub(q.CreatedAt)
	event := SearchCompleted{
		Query:             q.Query,
		CorrelationID:     q.CorrelationID,
		Requester:         q.Requester,
		Results:           results,
		RespondingPlugins: q.RespondingPlugins(),
		FailedPlugins:     q.FailedPlugins(),
		ExecutionTime:     elapsed,
		TimedOut:          timedOut,
	}
	if event.RespondingPlugins == nil {
		event.RespondingPlugins = []string{}
	}
	if event.FailedPlugins == nil {
		event.FailedPlugins = []string{}
	}

	c.metrics.RecordHistogram(MetricSearchLatencyMs, nil, float64(elapsed.Milliseconds()))
	if timedOut {
		c.metrics.IncrementCounter(MetricSearchTimeouts, nil, 1)
		c.logger.Info("Search timed out", "correlation_id", q.CorrelationID, "failed_plugins", event.FailedPlugins)
	}
	return event
}

// DropRequester forgets the live query of a destroyed requester without
// reporting it.
func (c *SearchCoordinator) DropRequester(requester RequesterHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.active[requester]; ok {
		delete(c.active, requester)
		c.bridge.Correlations().Resolve(q.CorrelationID)
	}
}
