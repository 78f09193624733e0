package redisqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoudan/ecomspider/internal/spider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(rdb, 2*time.Minute, nil).WithClock(clock), clock
}

func TestEnqueueDeduplicatesKeys(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)
	assert.False(t, ok)

	// Same key on another source is a distinct task.
	ok, err = q.Enqueue(ctx, spider.SearchTask("jd", "手机", 1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDequeueDeliversOnce(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		ok, err := q.Enqueue(ctx, spider.SearchTask("taobao", "手机", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx, "taobao")
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.Key]++
				mu.Unlock()
				require.NoError(t, q.Ack(ctx, task))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for key, count := range seen {
		assert.Equal(t, 1, count, "task %s delivered %d times", key, count)
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, spider.SearchTask("taobao", "手机", i))
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		task, err := q.Dequeue(ctx, "taobao")
		require.NoError(t, err)
		assert.Equal(t, i, task.Page)
		require.NoError(t, q.Ack(ctx, task))
	}
	_, err := q.Dequeue(ctx, "taobao")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)
}

func TestAckedKeyIsNeverRedone(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	ctx := context.Background()

	task := spider.ProductTask("taobao", "889900", "https://item.example.com/889900")
	_, err := q.Enqueue(ctx, task)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got))

	ok, err := q.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.False(t, ok)

	reaped, err := q.ReapExpired(ctx, "taobao")
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestRequeueSchedulesDelayedRetry(t *testing.T) {
	t.Parallel()

	q, clock := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, task, 30*time.Second))

	// Not yet eligible.
	_, err = q.Dequeue(ctx, "taobao")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)

	clock.Advance(time.Minute)
	retry, err := q.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	assert.Equal(t, task.Key, retry.Key)
	assert.Equal(t, task.Attempt+1, retry.Attempt)
}

func TestReapExpiredRecoversCrashedWork(t *testing.T) {
	t.Parallel()

	q, clock := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, "taobao")
	require.NoError(t, err)

	// Within the visibility window nothing is reaped.
	reaped, err := q.ReapExpired(ctx, "taobao")
	require.NoError(t, err)
	assert.Zero(t, reaped)

	clock.Advance(3 * time.Minute)
	reaped, err = q.ReapExpired(ctx, "taobao")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	recovered, err := q.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	assert.Equal(t, task.Key, recovered.Key)
}

func TestDedupSet(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	d := NewDedup(rdb)
	ctx := context.Background()

	ok, err := d.Add(ctx, spider.KindProduct, "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Add(ctx, spider.KindProduct, "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	// Kinds have independent keyspaces.
	ok, err = d.Add(ctx, spider.KindComment, "123456")
	require.NoError(t, err)
	assert.True(t, ok)
}
