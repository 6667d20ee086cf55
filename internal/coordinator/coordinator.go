// Package coordinator runs keyed tasks on a fixed worker pool with at most one
// outstanding task per key.
//
// Pending work is a stack: the most recently submitted default-priority task
// runs first, because the newest request is the one most likely to be on
// screen. Background tasks wait until no default work is pending.
package coordinator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilepyramid/internal/metrics"
)

// ErrClosed is returned by Submit after Close or Shutdown.
var ErrClosed = errors.New("coordinator closed")

const DefaultWorkers = 12

type Priority int

const (
	// PriorityDefault work is scheduled ahead of all older pending work.
	PriorityDefault Priority = iota
	// PriorityBackground work only runs when no default work is pending.
	PriorityBackground
)

func (p Priority) String() string {
	if p == PriorityBackground {
		return "background"
	}
	return "default"
}

// Task is the unit of work. Its result is published on the Handle.
type Task func(ctx context.Context) (any, error)

// Handle tracks one submitted task. It cannot cancel a task once started.
type Handle struct {
	key   string
	done  chan struct{}
	value any
	err   error
}

func (h *Handle) Key() string {
	return h.key
}

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	handle   *Handle
	task     Task
	priority Priority
	elem     *list.Element // set while pending
}

type Options struct {
	Workers     int
	TaskTimeout time.Duration
}

type Stats struct {
	Pending    int
	Background int
	Running    int
}

type Coordinator struct {
	mu         sync.Mutex
	cond       *sync.Cond
	foreground *list.List
	background *list.List
	jobs       map[string]*job
	running    int
	closed     bool

	timeout time.Duration
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Coordinator {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	c := &Coordinator{
		foreground: list.New(),
		background: list.New(),
		jobs:       make(map[string]*job),
		timeout:    opts.TaskTimeout,
		logger:     logger,
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}

	logger.Info("Coordinator started", zap.Int("workers", workers), zap.Duration("task_timeout", opts.TaskTimeout))
	return c
}

// Submit schedules task under key. If a task for key is already pending or
// running its handle is returned and nothing new is queued. Resubmitting a
// pending key at default priority moves it to the top of the stack.
func (c *Coordinator) Submit(key string, task Task, priority Priority) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if existing, ok := c.jobs[key]; ok {
		if existing.elem != nil && priority == PriorityDefault {
			c.queueFor(existing.priority).Remove(existing.elem)
			existing.priority = PriorityDefault
			existing.elem = c.foreground.PushFront(existing)
		}
		return existing.handle, nil
	}

	j := &job{
		handle:   &Handle{key: key, done: make(chan struct{})},
		task:     task,
		priority: priority,
	}
	j.elem = c.queueFor(priority).PushFront(j)
	c.jobs[key] = j
	metrics.CoordinatorPending.Inc()

	c.cond.Signal()
	return j.handle, nil
}

// IsInProcess reports whether a task for key is pending or running.
func (c *Coordinator) IsInProcess(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.jobs[key]
	return ok
}

// Lookup returns the handle of a pending or running task.
func (c *Coordinator) Lookup(key string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[key]
	if !ok {
		return nil, false
	}
	return j.handle, true
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Pending:    c.foreground.Len(),
		Background: c.background.Len(),
		Running:    c.running,
	}
}

// Close stops accepting work. Workers exit once the pending stack is drained.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Shutdown closes the coordinator and waits for workers to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Close()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (c *Coordinator) queueFor(p Priority) *list.List {
	if p == PriorityBackground {
		return c.background
	}
	return c.foreground
}

func (c *Coordinator) next() *job {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.foreground.Len() == 0 && c.background.Len() == 0 {
		if c.closed {
			return nil
		}
		c.cond.Wait()
	}

	queue := c.foreground
	if queue.Len() == 0 {
		queue = c.background
	}
	j := queue.Remove(queue.Front()).(*job)
	j.elem = nil
	c.running++

	metrics.CoordinatorPending.Dec()
	metrics.CoordinatorRunning.Inc()
	return j
}

func (c *Coordinator) worker() {
	defer c.wg.Done()

	for {
		j := c.next()
		if j == nil {
			return
		}

		value, err := c.run(j)

		c.mu.Lock()
		delete(c.jobs, j.handle.key)
		c.running--
		c.mu.Unlock()
		metrics.CoordinatorRunning.Dec()

		j.handle.value = value
		j.handle.err = err
		close(j.handle.done)
	}
}

func (c *Coordinator) run(j *job) (value any, err error) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Task panicked", zap.String("key", j.handle.key), zap.Any("panic", r))
			value, err = nil, fmt.Errorf("task %s panicked: %v", j.handle.key, r)
		}
	}()

	return j.task(ctx)
}
