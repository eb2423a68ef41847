package sfu

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	qs := newQueueSet(nil)

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		err := qs.enqueue("key", fmt.Sprintf("task-%d", i), func() error {
			<-release
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	close(release)
	qs.wait()

	if len(order) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestQueueFailureDoesNotStall(t *testing.T) {
	var failures []string
	var mu sync.Mutex
	qs := newQueueSet(func(key, name string, err error) {
		mu.Lock()
		failures = append(failures, name)
		mu.Unlock()
	})

	ran := make(chan struct{})
	_ = qs.enqueue("key", "boom", func() error { return fmt.Errorf("boom") })
	_ = qs.enqueue("key", "after", func() error { close(ran); return nil })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task after a failure never ran")
	}
	qs.wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != "boom" {
		t.Errorf("failures = %v, want [boom]", failures)
	}
}

func TestQueueKeysAreIndependent(t *testing.T) {
	qs := newQueueSet(nil)

	blockA := make(chan struct{})
	ranB := make(chan struct{})

	_ = qs.enqueue("a", "block", func() error { <-blockA; return nil })
	_ = qs.enqueue("b", "run", func() error { close(ranB); return nil })

	select {
	case <-ranB:
	case <-time.After(2 * time.Second):
		t.Fatal("queue b was blocked by queue a")
	}
	close(blockA)
	qs.wait()
}

func TestQueueRejectsWhenFull(t *testing.T) {
	qs := newQueueSet(nil)

	block := make(chan struct{})
	_ = qs.enqueue("key", "block", func() error { <-block; return nil })

	var rejected bool
	for i := 0; i < maxQueuedTasks+1; i++ {
		if err := qs.enqueue("key", "fill", func() error { return nil }); err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Error("queue accepted more than maxQueuedTasks pending tasks")
	}
	close(block)
	qs.wait()
}

func TestQueueEntryRemovedAfterDrain(t *testing.T) {
	qs := newQueueSet(nil)
	_ = qs.enqueue("key", "noop", func() error { return nil })
	qs.wait()

	if n := qs.pendingFor("key"); n != 0 {
		t.Errorf("pendingFor = %d after drain, want 0", n)
	}
	qs.mu.Lock()
	_, exists := qs.queues["key"]
	qs.mu.Unlock()
	if exists {
		t.Error("drained queue still present in the set")
	}
}
