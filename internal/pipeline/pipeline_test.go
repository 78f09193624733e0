package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/queue/memqueue"
	"github.com/zhoudan/ecomspider/internal/sink/memstore"
	"github.com/zhoudan/ecomspider/internal/spider"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type stubStats struct {
	mu       sync.Mutex
	items    map[spider.RecordKind]int
	rejected map[spider.RecordKind]int
}

func newStubStats() *stubStats {
	return &stubStats{
		items:    make(map[spider.RecordKind]int),
		rejected: make(map[spider.RecordKind]int),
	}
}

func (s *stubStats) IncrRequest(context.Context, string, spider.RequestResult) error { return nil }

func (s *stubStats) IncrItems(_ context.Context, kind spider.RecordKind, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[kind] += n
	return nil
}

func (s *stubStats) IncrRejected(_ context.Context, kind spider.RecordKind, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[kind] += n
	return nil
}

func (s *stubStats) Snapshot(context.Context, string) (spider.DailyStats, error) {
	return spider.DailyStats{}, nil
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) WriteProducts(context.Context, []spider.Product) error {
	return errors.New("disk full")
}
func (failingSink) WriteComments(context.Context, []spider.Comment) error {
	return errors.New("disk full")
}
func (failingSink) WriteShops(context.Context, []spider.Shop) error {
	return errors.New("disk full")
}
func (failingSink) Close() error { return nil }

func rawProduct(id string) spider.RawProduct {
	return spider.RawProduct{
		Platform:  "taobao",
		ProductID: id,
		Name:      "商品" + id,
		Price:     "¥99.00",
	}
}

func TestIngestDeduplicatesProducts(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	stats := newStubStats()
	in := NewIngestor(Options{BatchSize: 100}, []spider.Sink{store}, store,
		memqueue.NewDedup(), nil, stats, nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{rawProduct("1"), rawProduct("2"), rawProduct("1")},
	}))
	require.NoError(t, in.Flush(ctx))

	assert.Len(t, store.Products(), 2)
	assert.Equal(t, 2, stats.items[spider.KindProduct])
}

func TestIngestCountsRejected(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	stats := newStubStats()
	in := NewIngestor(Options{BatchSize: 100}, []spider.Sink{store}, store,
		memqueue.NewDedup(), nil, stats, nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{
			rawProduct("1"),
			{ProductID: "2", Name: "无价格商品", Price: "暂无"},
		},
	}))
	require.NoError(t, in.Flush(ctx))

	assert.Len(t, store.Products(), 1)
	assert.Equal(t, 1, stats.rejected[spider.KindProduct])
}

func TestDuplicateCommentsReachOnlyRowStore(t *testing.T) {
	t.Parallel()

	rowStore := memstore.New()
	fileSink := memstore.New()
	in := NewIngestor(Options{BatchSize: 100},
		[]spider.Sink{rowStore, fileSink}, rowStore,
		memqueue.NewDedup(), nil, newStubStats(), nil)
	ctx := context.Background()

	first := spider.RawComment{CommentID: "c1", ProductID: "p1", UsefulVotes: "3"}
	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Comments: []spider.RawComment{first},
	}))
	require.NoError(t, in.Flush(ctx))

	// Second sighting with fresher counters.
	repeat := first
	repeat.UsefulVotes = "8"
	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Comments: []spider.RawComment{repeat},
	}))
	require.NoError(t, in.Flush(ctx))

	require.Len(t, rowStore.Comments(), 1)
	assert.Equal(t, int64(8), rowStore.Comments()[0].UsefulVotes)

	// The file sink saw the comment exactly once, with the original counters.
	require.Len(t, fileSink.Comments(), 1)
	assert.Equal(t, int64(3), fileSink.Comments()[0].UsefulVotes)
}

func TestSinkFailureDoesNotDropOtherSinks(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	in := NewIngestor(Options{BatchSize: 100},
		[]spider.Sink{failingSink{}, store}, nil,
		memqueue.NewDedup(), nil, newStubStats(), nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{rawProduct("1")},
	}))
	err := in.Flush(ctx)
	assert.Error(t, err)
	assert.Len(t, store.Products(), 1)
}

func TestBatchSizeTriggersCommit(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	in := NewIngestor(Options{BatchSize: 2}, []spider.Sink{store}, nil,
		memqueue.NewDedup(), nil, newStubStats(), nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{rawProduct("1")},
	}))
	assert.Empty(t, store.Products())

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{rawProduct("2")},
	}))
	assert.Len(t, store.Products(), 2)
}

func TestCommitsAndRejectionsReachCollectors(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	in := NewIngestor(Options{BatchSize: 100}, []spider.Sink{store}, store,
		memqueue.NewDedup(), nil, newStubStats(), nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Products: []spider.RawProduct{
			rawProduct("m1"),
			{ProductID: "m2", Name: "无价格商品", Price: "暂无"},
		},
	}))
	require.NoError(t, in.Flush(ctx))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `spider_items_total{kind="product"}`)
	assert.Contains(t, body, `spider_items_rejected_total{kind="product"}`)
}

func TestDerivedTasksAreEnqueued(t *testing.T) {
	t.Parallel()

	q := memqueue.New(time.Minute)
	in := NewIngestor(Options{BatchSize: 100}, nil, nil,
		memqueue.NewDedup(), q, newStubStats(), nil)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, spider.ExtractResult{
		Derived: []spider.Task{
			spider.ProductTask("taobao", "889900", "https://item.example.com/889900"),
			spider.SearchTask("taobao", "手机", 2),
		},
	}))

	assert.Equal(t, 2, q.Depth("taobao"))
}
