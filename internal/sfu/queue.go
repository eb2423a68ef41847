package sfu

import (
	"fmt"
	"log/slog"
	"sync"
)

// maxQueuedTasks bounds a single lifecycle queue. A client that floods
// start/stop for one key gets rejected instead of growing the queue.
const maxQueuedTasks = 128

type task struct {
	name string
	fn   func() error
}

// taskQueue is the FIFO of pending lifecycle commands for one session key.
type taskQueue struct {
	tasks   []task
	running bool
}

// queueSet owns the per-key lifecycle queues. A queue processes one task
// at a time; the next task starts only after the previous one returned.
// Task failures are reported through onFailure and never stall the queue.
// A drained queue is removed from the set.
type queueSet struct {
	mu        sync.Mutex
	queues    map[string]*taskQueue
	onFailure func(key, name string, err error)
	wg        sync.WaitGroup
}

func newQueueSet(onFailure func(key, name string, err error)) *queueSet {
	return &queueSet{
		queues:    make(map[string]*taskQueue),
		onFailure: onFailure,
	}
}

// enqueue appends a task to the key's queue, creating the queue and its
// worker when absent. Returns an error when the queue is full.
func (s *queueSet) enqueue(key, name string, fn func() error) error {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &taskQueue{}
		s.queues[key] = q
	}
	if len(q.tasks) >= maxQueuedTasks {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle queue full for %s", key)
	}
	q.tasks = append(q.tasks, task{name: name, fn: fn})
	start := !q.running
	if start {
		q.running = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.run(key, q)
	}
	return nil
}

// run drains one queue. The queue entry is deleted only once fully drained.
func (s *queueSet) run(key string, q *taskQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		if err := t.fn(); err != nil {
			slog.Warn("[Queue] Task failed", "key", key, "task", t.name, "error", err)
			if s.onFailure != nil {
				s.onFailure(key, t.name, err)
			}
		}
	}
}

// wait blocks until every queue has drained. Used on shutdown.
func (s *queueSet) wait() {
	s.wg.Wait()
}

// pendingFor returns the queue depth for a key. Test hook.
func (s *queueSet) pendingFor(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	return len(q.tasks)
}
