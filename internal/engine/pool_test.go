package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		if err := q.Enqueue(WorkItem{Conn: &Connection{Fd: i}}); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if err := q.Enqueue(WorkItem{Conn: &Connection{Fd: 99}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if item.Conn.Fd != i {
			t.Fatalf("Dequeue(%d) = fd %d, want %d", i, item.Conn.Fd, i)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 once drained", q.Len())
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	done := make(chan WorkItem, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
			return
		}
		done <- item
	}()

	select {
	case <-done:
		t.Fatal("Dequeue returned before anything was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Enqueue(WorkItem{Conn: &Connection{Fd: 7}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case item := <-done:
		if item.Conn.Fd != 7 {
			t.Fatalf("got fd %d, want 7", item.Conn.Fd)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue never woke up after Enqueue")
	}
}

func TestPoolDrainsAllEnqueuedItems(t *testing.T) {
	q := NewQueue(16)
	var processed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(10)

	pool := NewPool(3, q, func(WorkItem) {
		processed.Add(1)
		wg.Done()
	}, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(WorkItem{Conn: &Connection{Fd: i}}); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool only processed %d/10 items", processed.Load())
	}
	cancel()
}
