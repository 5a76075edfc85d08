package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sys/unix"

	"golang.org/x/sync/semaphore"
)

// WorkItem is one unit of handoff from the reactor to the pool: a
// connection together with which phase (read or write) it's ready for.
type WorkItem struct {
	Conn  *Connection
	Phase WorkPhase
}

// Queue is the bounded FIFO work queue (C7's queue half), grounded on
// original_source/threadpool/threadpool.h's append/run protocol: append
// locks, checks capacity, pushes, unlocks, then signals; run waits on the
// signal, locks, pops, unlocks. The signal here is a counting semaphore
// (golang.org/x/sync/semaphore.Weighted, grounded on
// other_examples/tbxark-rsk__limiter.go) rather than the original's POSIX
// sem_t, used purely as an availability counter: Enqueue releases a permit
// after pushing, Dequeue acquires one before popping.
type Queue struct {
	items []WorkItem
	head  int
	size  int
	cap   int

	mu  chan struct{} // 1-buffered channel used as a non-reentrant lock
	sem *semaphore.Weighted
}

// NewQueue returns a queue that holds at most capacity items.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		items: make([]WorkItem, capacity),
		cap:   capacity,
		mu:    make(chan struct{}, 1),
		sem:   semaphore.NewWeighted(int64(capacity)),
	}
	q.mu <- struct{}{}
	// Weighted starts with every permit free; take them all so the count of
	// free permits starts at zero and tracks the number of queued items.
	q.sem.TryAcquire(int64(capacity))
	return q
}

func (q *Queue) lock()   { <-q.mu }
func (q *Queue) unlock() { q.mu <- struct{}{} }

// ErrQueueFull is returned by Enqueue when the work queue is at capacity,
// mirroring max_requests in the original threadpool.
var ErrQueueFull = fmt.Errorf("work queue full")

// Enqueue appends item to the tail of the queue, failing if the queue is
// already at capacity.
func (q *Queue) Enqueue(item WorkItem) error {
	q.lock()
	if q.size >= q.cap {
		q.unlock()
		return ErrQueueFull
	}
	tail := (q.head + q.size) % q.cap
	q.items[tail] = item
	q.size++
	q.unlock()

	q.sem.Release(1)
	return nil
}

// Dequeue blocks until an item is available or ctx is done, then pops and
// returns it.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return WorkItem{}, err
		}
		q.lock()
		if q.size == 0 {
			// Spurious wakeup: nothing to pop despite the permit. Not
			// reachable given Weighted's own bookkeeping, but the original
			// threadpool::run() rechecks emptiness after wait() too, so we
			// keep the same defensive shape.
			q.unlock()
			continue
		}
		item := q.items[q.head]
		q.head = (q.head + 1) % q.cap
		q.size--
		q.unlock()
		return item, nil
	}
}

// Len reports the current queue depth, for the C11 queue-depth gauge.
func (q *Queue) Len() int {
	q.lock()
	n := q.size
	q.unlock()
	return n
}

// Pool is the fixed-size worker pool (C7). Workers pull WorkItems off the
// Queue and hand them to Handler, which advances the connection's parse or
// write state and sets Improv when it finishes.
type Pool struct {
	queue   *Queue
	workers int
	handler func(WorkItem)
	logger  *slog.Logger
	pin     bool
}

// NewPool constructs a pool of the given size feeding from queue. pin
// requests best-effort CPU-affinity pinning for each worker goroutine.
func NewPool(workers int, queue *Queue, handler func(WorkItem), logger *slog.Logger, pin bool) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: queue, workers: workers, handler: handler, logger: logger, pin: pin}
}

// Run spawns the worker goroutines and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			p.worker(ctx, id)
		}(i)
	}
	<-ctx.Done()
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	if p.pin {
		pinToCPU(id, p.logger)
	}
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.handler(item)
	}
}

// pinToCPU binds the calling goroutine's OS thread to CPU id%NumCPU,
// grounded on x-stp-rxtls/internal/core/scheduler.go's setAffinity. It is
// best-effort: a failure is logged and otherwise ignored.
func pinToCPU(id int, logger *slog.Logger) {
	runtime.LockOSThread()
	// No matching UnlockOSThread: the worker goroutine owns this OS thread
	// for the life of the pool.

	cpu := id % runtime.NumCPU()
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpu)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
		logger.Warn("failed to set worker CPU affinity",
			"worker", id, "cpu", cpu, "tid", tid, "error", err)
	}
}
