package jsondoc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
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

func TestWritesValidJSONArray(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	sink := New(dir, nil).WithClock(clock)
	ctx := context.Background()

	err := sink.WriteProducts(ctx, []spider.Product{
		{ProductID: "1", Name: "手机壳", Price: 19.9, CrawlTime: clock.Now()},
	})
	require.NoError(t, err)

	// A second batch lands in the same array.
	err = sink.WriteProducts(ctx, []spider.Product{
		{ProductID: "2", Name: "数据线", Price: 9.9, CrawlTime: clock.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "products_20260825.json"))
	require.NoError(t, err)

	var products []spider.Product
	require.NoError(t, json.Unmarshal(raw, &products))
	require.Len(t, products, 2)
	assert.Equal(t, "手机壳", products[0].Name)
	assert.Equal(t, "2", products[1].ProductID)
}

func TestEmptyFileIsStillValid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	sink := New(dir, nil).WithClock(clock)

	// Opening happens lazily; an untouched sink closes clean with no files.
	require.NoError(t, sink.Close())

	err := sink.WriteShops(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "shops_20260825.json"))
	require.NoError(t, err)

	var shops []spider.Shop
	require.NoError(t, json.Unmarshal(raw, &shops))
	assert.Empty(t, shops)
}
