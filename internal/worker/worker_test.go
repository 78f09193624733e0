package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/blockdetect"
	"github.com/zhoudan/ecomspider/internal/config"
	"github.com/zhoudan/ecomspider/internal/extract"
	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/monitor"
	"github.com/zhoudan/ecomspider/internal/pipeline"
	"github.com/zhoudan/ecomspider/internal/pool"
	"github.com/zhoudan/ecomspider/internal/queue/memqueue"
	"github.com/zhoudan/ecomspider/internal/sink/memstore"
	"github.com/zhoudan/ecomspider/internal/spider"
	"github.com/zhoudan/ecomspider/internal/throttle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
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

// stubFetcher serves canned bodies keyed by URL substring.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	status    int
	requests  []spider.FetchRequest
}

func (f *stubFetcher) Fetch(_ context.Context, req spider.FetchRequest) (spider.FetchOutcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	for needle, body := range f.responses {
		if strings.Contains(req.URL, needle) {
			status := f.status
			if status == 0 {
				status = 200
			}
			return spider.FetchOutcome{
				Task:       req.Task,
				URL:        req.URL,
				StatusCode: status,
				Body:       []byte(body),
				Elapsed:    50 * time.Millisecond,
			}, nil
		}
	}
	return spider.FetchOutcome{Task: req.Task}, errors.New("connection refused")
}

func testSourceConfig() config.SourceConfig {
	return config.SourceConfig{
		Keywords:           []string{"手机"},
		MaxPages:           1,
		MaxComments:        2,
		ConcurrencyCeiling: 4,
		ConcurrencyFloor:   1,
		BaseDelayMs:        1,
		MinDelayMs:         1,
		MaxDelayMs:         100,
		ErrorRateHigh:      0.5,
		ErrorRateLow:       0.1,
		WindowSize:         20,
		RecomputeEvery:     10,
		CalmStreak:         2,
		CooldownS:          1,
	}
}

type harness struct {
	clock    *fakeClock
	queue    *memqueue.Queue
	store    *memstore.Store
	stats    *monitor.MemoryStats
	fetcher  *stubFetcher
	egress   *pool.Pool[string]
	worker   *Worker
	ingestor *pipeline.Ingestor
}

func newHarness(t *testing.T, fetcher *stubFetcher) *harness {
	t.Helper()
	metrics.Init()

	clock := newFakeClock()
	q := memqueue.New(2 * time.Minute).WithClock(clock)
	store := memstore.New()
	stats := monitor.NewMemoryStats().WithClock(clock)

	poolOpts := pool.Options{
		FailStreak:   5,
		Cooldown:     time.Second,
		HealthFloor:  0.05,
		SuccessGain:  0.1,
		FailureDecay: 0.3,
	}
	egress := pool.New[string]("egress", poolOpts, nil, clock, nil)
	egress.Add("http://127.0.0.1:8001", "http://127.0.0.1:8001")
	identities := pool.New[pool.Identity]("identity", poolOpts, nil, clock, nil)
	identities.Add("id-1", pool.NewIdentity("taobao", false))
	tokens := pool.New[string]("token", poolOpts, nil, clock, nil)
	tokens.Add("tok-1", "tok-1-value")

	srcCfg := testSourceConfig()
	registry := extract.NewRegistry()
	registry.Register("taobao", extract.NewSite("taobao", extract.Options{
		MaxPages:    srcCfg.MaxPages,
		MaxComments: srcCfg.MaxComments,
	}))

	ingestor := pipeline.NewIngestor(
		pipeline.Options{BatchSize: 100},
		[]spider.Sink{store}, store, memqueue.NewDedup(), q, stats, zap.NewNop(),
	).WithClock(clock)

	queueCfg := config.QueueConfig{
		VisibilityTimeoutS: 120,
		RequeueBaseDelayMs: 100,
		MaxAttempts:        2,
	}

	w := New("taobao", srcCfg, queueCfg, Deps{
		Queue:    q,
		Throttle: throttle.New(map[string]config.SourceConfig{"taobao": srcCfg}, nil),
		Pools:    Pools{Egress: egress, Identity: identities, Token: tokens},
		Detector: blockdetect.New([]int{403, 429, 503},
			[]string{"验证码", "访问过于频繁", "captcha"}, 10, 0),
		Fetcher:  fetcher,
		Registry: registry,
		Ingestor: ingestor,
		Stats:    stats,
	})

	return &harness{
		clock:    clock,
		queue:    q,
		store:    store,
		stats:    stats,
		fetcher:  fetcher,
		egress:   egress,
		worker:   w,
		ingestor: ingestor,
	}
}

// drain processes tasks until the queue runs dry, returning how many ran.
func (h *harness) drain(t *testing.T, ctx context.Context) int {
	t.Helper()
	processed := 0
	for i := 0; i < 100; i++ {
		task, err := h.queue.Dequeue(ctx, "taobao")
		if errors.Is(err, spider.ErrQueueEmpty) {
			return processed
		}
		require.NoError(t, err)
		h.worker.Process(ctx, task)
		processed++
	}
	t.Fatal("queue did not drain")
	return processed
}

const searchBody = `{
	"mods": {"itemlist": {"data": {"auctions": [
		{"nid": "6001", "title": "某品牌手机", "view_price": "1999.00",
		 "sales": "1.2万", "nick": "某品牌旗舰店", "seller_id": "777001"}
	]}}}
}`

const detailBody = `<html><body>
	<h3 class="tb-main-title">某品牌手机 旗舰版</h3>
	<span class="tb-rmb-num">1999.00</span>
	<span class="shop-name">某品牌旗舰店</span>
</body></html>`

const commentBody = `{"rateDetail":{"rateList":[
	{"id":501,"user":{"id":9001,"nick":"买家a"},"content":"很好用","grade":5,
	 "date":"2026-08-20","useful":3,"replyCount":0}
],"paginator":{"lastPage":1}}}`

const shopBody = `<html><body>
	<div class="shop-name">某品牌旗舰店</div>
	<div class="shop-type">天猫</div>
	<div class="service-score">服务 4.8</div>
</body></html>`

func TestWorkerCrawlCascade(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{responses: map[string]string{
		"/search": searchBody,
		"item.":   detailBody,
		"rate.":   commentBody,
		"shop77":  shopBody,
	}}
	h := newHarness(t, fetcher)
	ctx := context.Background()

	master := NewMaster(h.queue, map[string]config.SourceConfig{"taobao": testSourceConfig()}, "", nil)
	seeded, err := master.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)

	// One search task cascades into detail, comment, and shop tasks.
	processed := h.drain(t, ctx)
	assert.Equal(t, 4, processed)

	require.NoError(t, h.ingestor.Flush(ctx))

	products := h.store.Products()
	require.Len(t, products, 1)
	assert.Equal(t, "6001", products[0].ProductID)
	assert.Equal(t, 1999.0, products[0].Price)
	assert.Equal(t, int64(12000), products[0].Sales)

	comments := h.store.Comments()
	require.Len(t, comments, 1)
	assert.Equal(t, "501", comments[0].CommentID)
	assert.Equal(t, "6001", comments[0].ProductID)

	shops := h.store.Shops()
	require.Len(t, shops, 1)
	assert.Equal(t, "777001", shops[0].ShopID)

	snap, err := h.stats.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Requests["total"])
	assert.Equal(t, int64(4), snap.Requests["success"])
}

func TestWorkerSendsIdentityHeaders(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{responses: map[string]string{"/search": searchBody}}
	h := newHarness(t, fetcher)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)
	h.drain(t, ctx)

	require.NotEmpty(t, fetcher.requests)
	first := fetcher.requests[0]
	assert.NotEmpty(t, first.Headers.Get("User-Agent"))
	assert.NotEmpty(t, first.Headers.Get("Cookie"))
	assert.NotEmpty(t, first.Headers.Get("tb-device-id"))
	assert.NotEmpty(t, first.Headers.Get("tb-session-id"))
	assert.NotEmpty(t, first.Headers.Get("X-Forwarded-For"))
	assert.Equal(t, "tok-1-value", first.Headers.Get("x-access-token"))
	assert.Equal(t, "http://127.0.0.1:8001", first.ProxyURL)
	assert.Contains(t, first.URL, "sign=")
}

func TestWorkerBlockedRequeuesAndCoolsDown(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{responses: map[string]string{
		"/search": "<html>访问过于频繁，请稍后再试。系统检测到异常流量。</html>",
	}}
	h := newHarness(t, fetcher)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)

	task, err := h.queue.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	h.worker.Process(ctx, task)

	// The egress point sits out the source cooldown; the task is delayed,
	// not lost.
	assert.Equal(t, 0, h.egress.Available())
	_, err = h.queue.Dequeue(ctx, "taobao")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)

	snap, err := h.stats.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Requests["blocked"])

	// Past the retry delay and the cooldown, the second attempt is also
	// blocked and exhausts the budget.
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, h.egress.Available())

	task, err = h.queue.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempt)
	h.worker.Process(ctx, task)

	_, err = h.queue.Dequeue(ctx, "taobao")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)
	h.clock.Advance(time.Hour)
	_, err = h.queue.Dequeue(ctx, "taobao")
	assert.ErrorIs(t, err, spider.ErrQueueEmpty)

	snap, err = h.stats.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Requests["blocked"])
}

func TestWorkerTransportFailureFailsEgressOnly(t *testing.T) {
	t.Parallel()

	// No canned responses: every fetch errors out.
	fetcher := &stubFetcher{responses: map[string]string{}}
	h := newHarness(t, fetcher)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, spider.SearchTask("taobao", "手机", 1))
	require.NoError(t, err)

	task, err := h.queue.Dequeue(ctx, "taobao")
	require.NoError(t, err)
	h.worker.Process(ctx, task)

	assert.Less(t, h.egress.Health("http://127.0.0.1:8001"), 1.0)

	snap, err := h.stats.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Requests["failure"])
}

func TestMasterSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := memqueue.New(time.Minute).WithClock(clock)
	sources := map[string]config.SourceConfig{
		"taobao": {Keywords: []string{"手机", "电脑", "手机"}, MaxPages: 2},
		"jd":     {Keywords: []string{"零食"}, MaxPages: 3},
	}

	m := NewMaster(q, sources, "", nil)
	n, err := m.Seed(context.Background())
	require.NoError(t, err)
	// 2 unique keywords x 2 pages + 1 keyword x 3 pages.
	assert.Equal(t, 7, n)

	n, err = m.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
