// Package redisqueue implements the shared task queue on Redis. Per-source
// keys: a pending list fed by LPUSH and drained by LMOVE into a processing
// list, a deadlines hash tracking visibility timeouts for in-flight tasks, a
// delayed zset for scheduled retries, and a seen set deduplicating task keys
// for the lifetime of the crawl.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Queue is a spider.TaskQueue backed by a shared Redis instance. Multiple
// processes on multiple machines coordinate through the same keys; Redis
// list and set operations give single-delivery semantics without any
// process-local state.
type Queue struct {
	rdb        *redis.Client
	visibility time.Duration
	clock      spider.Clock
	logger     *zap.Logger
}

// New builds a Queue. visibility is how long a dequeued task may stay
// unacked before ReapExpired returns it to the backlog.
func New(rdb *redis.Client, visibility time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		rdb:        rdb,
		visibility: visibility,
		clock:      spider.SystemClock{},
		logger:     logger,
	}
}

// WithClock overrides the queue's clock. Test hook.
func (q *Queue) WithClock(clock spider.Clock) *Queue {
	q.clock = clock
	return q
}

func pendingKey(source string) string    { return "q:" + source + ":pending" }
func processingKey(source string) string { return "q:" + source + ":processing" }
func deadlinesKey(source string) string  { return "q:" + source + ":deadlines" }
func delayedKey(source string) string    { return "q:" + source + ":delayed" }
func seenKey(source string) string       { return "q:" + source + ":seen" }

// Enqueue inserts the task unless its key was already enqueued for the
// source. Returns false for duplicates.
func (q *Queue) Enqueue(ctx context.Context, task spider.Task) (bool, error) {
	added, err := q.rdb.SAdd(ctx, seenKey(task.Source), task.Key).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue: mark seen: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = q.clock.Now().Unix()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("enqueue: marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, pendingKey(task.Source), payload).Err(); err != nil {
		return false, fmt.Errorf("enqueue: push pending: %w", err)
	}
	return true, nil
}

// Dequeue promotes any due delayed tasks, then atomically moves the oldest
// pending task to the processing list and stamps its visibility deadline.
func (q *Queue) Dequeue(ctx context.Context, source string) (spider.Task, error) {
	if err := q.promoteDelayed(ctx, source); err != nil {
		return spider.Task{}, err
	}

	payload, err := q.rdb.LMove(ctx, pendingKey(source), processingKey(source), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return spider.Task{}, spider.ErrQueueEmpty
	}
	if err != nil {
		return spider.Task{}, fmt.Errorf("dequeue: pop pending: %w", err)
	}

	deadline := q.clock.Now().Add(q.visibility).Unix()
	if err := q.rdb.HSet(ctx, deadlinesKey(source), payload, deadline).Err(); err != nil {
		return spider.Task{}, fmt.Errorf("dequeue: stamp deadline: %w", err)
	}

	var task spider.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Poison payload: drop it rather than wedge the source.
		q.rdb.LRem(ctx, processingKey(source), 1, payload)
		q.rdb.HDel(ctx, deadlinesKey(source), payload)
		return spider.Task{}, fmt.Errorf("dequeue: unmarshal task: %w", err)
	}
	return task, nil
}

// promoteDelayed moves delayed tasks whose readiness time has passed back to
// the pending list.
func (q *Queue) promoteDelayed(ctx context.Context, source string) error {
	now := strconv.FormatInt(q.clock.Now().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey(source), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("dequeue: scan delayed: %w", err)
	}
	for _, payload := range due {
		removed, err := q.rdb.ZRem(ctx, delayedKey(source), payload).Result()
		if err != nil {
			return fmt.Errorf("dequeue: unschedule delayed: %w", err)
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, pendingKey(source), payload).Err(); err != nil {
			return fmt.Errorf("dequeue: promote delayed: %w", err)
		}
	}
	return nil
}

// Ack finalizes the task, removing it from the processing list and its
// visibility deadline. The seen-set entry stays so the key is never redone.
func (q *Queue) Ack(ctx context.Context, task spider.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("ack: marshal task: %w", err)
	}
	if err := q.rdb.LRem(ctx, processingKey(task.Source), 1, payload).Err(); err != nil {
		return fmt.Errorf("ack: remove processing: %w", err)
	}
	if err := q.rdb.HDel(ctx, deadlinesKey(task.Source), string(payload)).Err(); err != nil {
		return fmt.Errorf("ack: clear deadline: %w", err)
	}
	return nil
}

// Requeue reschedules the task after delay with its attempt counter bumped.
func (q *Queue) Requeue(ctx context.Context, task spider.Task, delay time.Duration) error {
	old, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("requeue: marshal task: %w", err)
	}
	if err := q.rdb.LRem(ctx, processingKey(task.Source), 1, old).Err(); err != nil {
		return fmt.Errorf("requeue: remove processing: %w", err)
	}
	if err := q.rdb.HDel(ctx, deadlinesKey(task.Source), string(old)).Err(); err != nil {
		return fmt.Errorf("requeue: clear deadline: %w", err)
	}

	task.Attempt++
	next, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("requeue: marshal retry: %w", err)
	}
	readyAt := q.clock.Now().Add(delay).Unix()
	if err := q.rdb.ZAdd(ctx, delayedKey(task.Source), redis.Z{
		Score:  float64(readyAt),
		Member: string(next),
	}).Err(); err != nil {
		return fmt.Errorf("requeue: schedule delayed: %w", err)
	}
	return nil
}

// ReapExpired returns every in-flight task whose visibility deadline has
// passed to the pending list. A crashed worker's tasks come back through
// here; duplicate processing is possible and accepted (at-least-once).
func (q *Queue) ReapExpired(ctx context.Context, source string) (int, error) {
	deadlines, err := q.rdb.HGetAll(ctx, deadlinesKey(source)).Result()
	if err != nil {
		return 0, fmt.Errorf("reap: scan deadlines: %w", err)
	}

	now := q.clock.Now().Unix()
	reaped := 0
	for payload, raw := range deadlines {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		// An unparseable deadline is treated as already expired.
		if err == nil && deadline > now {
			continue
		}
		removed, err := q.rdb.LRem(ctx, processingKey(source), 1, payload).Result()
		if err != nil {
			return reaped, fmt.Errorf("reap: remove processing: %w", err)
		}
		if err := q.rdb.HDel(ctx, deadlinesKey(source), payload).Err(); err != nil {
			return reaped, fmt.Errorf("reap: clear deadline: %w", err)
		}
		if removed == 0 {
			// Acked or requeued concurrently; deadline was stale.
			continue
		}
		if err := q.rdb.LPush(ctx, pendingKey(source), payload).Err(); err != nil {
			return reaped, fmt.Errorf("reap: return to pending: %w", err)
		}
		reaped++
	}
	if reaped > 0 {
		q.logger.Warn("reaped expired tasks",
			zap.String("source", source),
			zap.Int("count", reaped))
	}
	return reaped, nil
}
