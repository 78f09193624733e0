package memqueue

import (
	"context"
	"sync"
	"testing"
	"time"

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

func TestEnqueueDedupAndFIFO(t *testing.T) {
	t.Parallel()

	q := New(time.Minute)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, spider.SearchTask("jd", "冰箱", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, spider.SearchTask("jd", "冰箱", 1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Enqueue(ctx, spider.SearchTask("jd", "冰箱", 2))
	require.NoError(t, err)

	first, err := q.Dequeue(ctx, "jd")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Page)

	second, err := q.Dequeue(ctx, "jd")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Page)

	_, err = q.Dequeue(ctx, "jd")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)
}

func TestRequeueAndReap(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q := New(time.Minute).WithClock(clock)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, spider.ProductTask("jd", "42", "https://item.example.com/42"))
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, "jd")
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, task, 30*time.Second))

	_, err = q.Dequeue(ctx, "jd")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)

	clock.Advance(time.Minute)
	retry, err := q.Dequeue(ctx, "jd")
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Attempt)

	// Left unacked past the visibility timeout, it comes back.
	clock.Advance(2 * time.Minute)
	reaped, err := q.ReapExpired(ctx, "jd")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, q.Depth("jd"))
}

func TestDedup(t *testing.T) {
	t.Parallel()

	d := NewDedup()
	ctx := context.Background()

	ok, err := d.Add(ctx, spider.KindShop, "shop-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Add(ctx, spider.KindShop, "shop-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
