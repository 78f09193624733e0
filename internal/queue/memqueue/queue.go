// Package memqueue provides in-memory implementations of the queue and
// dedup contracts for unit tests and single-process runs. Semantics mirror
// the Redis implementations: per-source FIFO, key dedup, visibility
// timeouts, delayed retries.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/zhoudan/ecomspider/internal/spider"
)

type inflight struct {
	task     spider.Task
	deadline time.Time
}

type delayed struct {
	task    spider.Task
	readyAt time.Time
}

type sourceState struct {
	pending    []spider.Task
	processing map[string]inflight
	delayed    []delayed
	seen       map[string]bool
}

// Queue is an in-memory spider.TaskQueue. Safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	visibility time.Duration
	clock      spider.Clock
	sources    map[string]*sourceState
}

// New builds a Queue with the given visibility timeout.
func New(visibility time.Duration) *Queue {
	return &Queue{
		visibility: visibility,
		clock:      spider.SystemClock{},
		sources:    make(map[string]*sourceState),
	}
}

// WithClock overrides the queue's clock. Test hook.
func (q *Queue) WithClock(clock spider.Clock) *Queue {
	q.clock = clock
	return q
}

func (q *Queue) source(name string) *sourceState {
	s, ok := q.sources[name]
	if !ok {
		s = &sourceState{
			processing: make(map[string]inflight),
			seen:       make(map[string]bool),
		}
		q.sources[name] = s
	}
	return s
}

// Enqueue inserts the task unless its key was already seen for the source.
func (q *Queue) Enqueue(_ context.Context, task spider.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.source(task.Source)
	if s.seen[task.Key] {
		return false, nil
	}
	s.seen[task.Key] = true
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = q.clock.Now().Unix()
	}
	s.pending = append(s.pending, task)
	return true, nil
}

// Dequeue pops the oldest eligible task, promoting due delayed tasks first.
func (q *Queue) Dequeue(_ context.Context, source string) (spider.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.source(source)
	now := q.clock.Now()

	kept := s.delayed[:0]
	for _, d := range s.delayed {
		if !d.readyAt.After(now) {
			s.pending = append(s.pending, d.task)
		} else {
			kept = append(kept, d)
		}
	}
	s.delayed = kept

	if len(s.pending) == 0 {
		return spider.Task{}, spider.ErrQueueEmpty
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	s.processing[task.Key] = inflight{task: task, deadline: now.Add(q.visibility)}
	return task, nil
}

// Ack finalizes the task.
func (q *Queue) Ack(_ context.Context, task spider.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.source(task.Source).processing, task.Key)
	return nil
}

// Requeue schedules a retry after delay with the attempt counter bumped.
func (q *Queue) Requeue(_ context.Context, task spider.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.source(task.Source)
	delete(s.processing, task.Key)
	task.Attempt++
	s.delayed = append(s.delayed, delayed{task: task, readyAt: q.clock.Now().Add(delay)})
	return nil
}

// ReapExpired returns timed-out in-flight tasks to the pending backlog.
func (q *Queue) ReapExpired(_ context.Context, source string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.source(source)
	now := q.clock.Now()
	reaped := 0
	for key, inf := range s.processing {
		if inf.deadline.After(now) {
			continue
		}
		delete(s.processing, key)
		s.pending = append(s.pending, inf.task)
		reaped++
	}
	return reaped, nil
}

// Depth reports pending backlog size for a source. Test helper.
func (q *Queue) Depth(source string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.source(source).pending)
}

// Dedup is an in-memory spider.DedupSet.
type Dedup struct {
	mu   sync.Mutex
	seen map[spider.RecordKind]map[string]bool
}

// NewDedup builds an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[spider.RecordKind]map[string]bool)}
}

// Add inserts the key and reports whether it was new.
func (d *Dedup) Add(_ context.Context, kind spider.RecordKind, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.seen[kind]
	if !ok {
		m = make(map[string]bool)
		d.seen[kind] = m
	}
	if m[key] {
		return false, nil
	}
	m[key] = true
	return true, nil
}
