// scheduler.go: worker pool and per-cycle completion polling for plugin work
//
// Every plugin invocation runs as one Task on a fixed pool of workers. The
// host's coordinating loop calls Poll once per update cycle; Poll never
// blocks and runs completion callbacks on the caller's goroutine, so the
// rest of the runtime only ever observes results from the coordinating loop.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Task is a handle to one asynchronous unit of work.
type Task[T any] struct {
	id       uint64
	label    string
	pluginID string
	spawned  time.Time

	done     chan struct{}
	result   T
	err      error
	finished time.Time

	mu         sync.Mutex
	onComplete []func(T, error)
}

// ID returns the scheduler-assigned task id.
func (t *Task[T]) ID() uint64 { return t.id }

// Label returns the human readable task label, e.g. "search".
func (t *Task[T]) Label() string { return t.label }

// PluginID returns the plugin the task runs for.
func (t *Task[T]) PluginID() string { return t.pluginID }

// Done is closed once the result is available.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Poll returns the result without blocking. ok is false while the task runs.
func (t *Task[T]) Poll() (result T, err error, ok bool) {
	select {
	case <-t.done:
		return t.result, t.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Elapsed is the run time so far, or the total run time once finished.
func (t *Task[T]) Elapsed() time.Duration {
	select {
	case <-t.done:
		return t.finished.Sub(t.spawned)
	default:
		return time.Since(t.spawned)
	}
}

// OnComplete registers a callback run by Scheduler.Poll after completion.
// Register callbacks from the coordinating loop right after spawning.
func (t *Task[T]) OnComplete(fn func(T, error)) *Task[T] {
	t.mu.Lock()
	t.onComplete = append(t.onComplete, fn)
	t.mu.Unlock()
	return t
}

func (t *Task[T]) complete(result T, err error) {
	t.result, t.err = result, err
	t.finished = time.Now()
	close(t.done)
}

// failedTask returns an already finished task carrying err.
func failedTask[T any](pluginID, label string, err error) *Task[T] {
	t := &Task[T]{label: label, pluginID: pluginID, spawned: time.Now(), done: make(chan struct{})}
	var zero T
	t.complete(zero, err)
	return t
}

// poll delivers callbacks once the task is done. It reports whether the task
// can be dropped from the outstanding list.
func (t *Task[T]) poll() bool {
	select {
	case <-t.done:
	default:
		return false
	}
	t.mu.Lock()
	callbacks := t.onComplete
	t.onComplete = nil
	t.mu.Unlock()
	for _, cb := range callbacks {
		cb(t.result, t.err)
	}
	return true
}

func (t *Task[T]) owner() string        { return t.pluginID }
func (t *Task[T]) spawnedAt() time.Time { return t.spawned }

type pollable interface {
	poll() bool
	owner() string
	spawnedAt() time.Time
}

// SchedulerConfig configures the worker pool.
type SchedulerConfig struct {
	Workers     int           `json:"workers" yaml:"workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
}

// DefaultSchedulerConfig returns a small pool suited to a desktop host.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Workers: 8, QueueSize: 256, TaskTimeout: 30 * time.Second}
}

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	Spawned     int64 `json:"spawned"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Rejected    int64 `json:"rejected"`
	Outstanding int   `json:"outstanding"`
	Workers     int   `json:"workers"`
}

type job struct {
	run func(ctx context.Context)
	// abandon completes the task of a job that never ran.
	abandon func(err error)
}

// Scheduler runs plugin work on a worker pool.
type Scheduler struct {
	config SchedulerConfig
	logger Logger

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
	nextID  atomic.Uint64

	spawned   atomic.Int64
	completed atomic.Int64
	failedN   atomic.Int64
	rejected  atomic.Int64

	mu          sync.Mutex
	outstanding []pollable
}

// NewScheduler creates a scheduler. Call Start before spawning.
func NewScheduler(config SchedulerConfig, logger Logger) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config: config,
		logger: logger.With("component", "scheduler"),
		jobs:   make(chan job, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. It is idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Debug("Scheduler started", "workers", s.config.Workers)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			j.run(s.ctx)
		}
	}
}

// Stop cancels running work and waits for workers until ctx expires. Jobs
// still queued complete with a SchedulerStopped error.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.drainQueue()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.drainQueue()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainQueue() {
	for {
		select {
		case j := <-s.jobs:
			j.abandon(NewSchedulerStoppedError())
		default:
			return
		}
	}
}

// Spawn queues fn on the pool and returns its Task. A panic inside fn is
// converted into an error result. When the queue is full or the scheduler is
// stopped, the returned task is already failed and its callbacks still run
// on the next Poll.
func Spawn[T any](s *Scheduler, pluginID, label string, fn func(ctx context.Context) (T, error)) *Task[T] {
	if s.stopped.Load() {
		return Track(s, failedTask[T](pluginID, label, NewSchedulerStoppedError()))
	}
	t := &Task[T]{
		id:       s.nextID.Add(1),
		label:    label,
		pluginID: pluginID,
		spawned:  timecache.CachedTime(),
		done:     make(chan struct{}),
	}
	timeout := s.config.TaskTimeout
	run := func(base context.Context) {
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		var (
			result T
			err    error
		)
		func() {
			defer recoverInto(s.logger, label+":"+pluginID, &err)
			result, err = fn(ctx)
		}()
		if err != nil {
			s.failedN.Add(1)
		}
		s.completed.Add(1)
		t.complete(result, err)
	}

	abandon := func(err error) {
		var zero T
		s.failedN.Add(1)
		s.completed.Add(1)
		t.complete(zero, err)
	}

	select {
	case s.jobs <- job{run: run, abandon: abandon}:
	default:
		s.rejected.Add(1)
		s.logger.Warn("Scheduler queue full, rejecting task", "task", label, "plugin_id", pluginID)
		return Track(s, failedTask[T](pluginID, label, NewSchedulerFullError(s.config.QueueSize)))
	}

	s.spawned.Add(1)
	s.mu.Lock()
	s.outstanding = append(s.outstanding, t)
	s.mu.Unlock()
	return t
}

// Track adds a task created outside Spawn to the outstanding list so its
// callbacks run on Poll.
func Track[T any](s *Scheduler, t *Task[T]) *Task[T] {
	s.mu.Lock()
	s.outstanding = append(s.outstanding, t)
	s.mu.Unlock()
	return t
}

// Poll checks every outstanding task once and runs completion callbacks for
// finished ones. It returns the number of tasks that completed in this cycle.
func (s *Scheduler) Poll() int {
	s.mu.Lock()
	pending := s.outstanding
	s.outstanding = nil
	s.mu.Unlock()

	var still []pollable
	completed := 0
	for _, t := range pending {
		if t.poll() {
			completed++
			continue
		}
		still = append(still, t)
	}

	if len(still) > 0 {
		s.mu.Lock()
		s.outstanding = append(still, s.outstanding...)
		s.mu.Unlock()
	}
	return completed
}

// InFlight returns how many tasks are outstanding for pluginID and when the
// oldest one was spawned.
func (s *Scheduler) InFlight(pluginID string) (count int, oldest time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.outstanding {
		if t.owner() != pluginID {
			continue
		}
		count++
		if oldest.IsZero() || t.spawnedAt().Before(oldest) {
			oldest = t.spawnedAt()
		}
	}
	return count, oldest
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	outstanding := len(s.outstanding)
	s.mu.Unlock()
	return SchedulerStats{
		Spawned:     s.spawned.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failedN.Load(),
		Rejected:    s.rejected.Load(),
		Outstanding: outstanding,
		Workers:     s.config.Workers,
	}
}
