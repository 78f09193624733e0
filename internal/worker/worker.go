// Package worker runs the crawl loops. A Worker drains one source's queue:
// dequeue, throttle, borrow pooled resources, fetch, classify, extract,
// ingest, ack. The Master only seeds search tasks and reschedules seeding.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/blockdetect"
	"github.com/zhoudan/ecomspider/internal/config"
	"github.com/zhoudan/ecomspider/internal/extract"
	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/pipeline"
	"github.com/zhoudan/ecomspider/internal/pool"
	"github.com/zhoudan/ecomspider/internal/spider"
	"github.com/zhoudan/ecomspider/internal/throttle"
)

// Pools groups the shared rotation pools a worker borrows from, one lease of
// each per request. Egress may be nil when the process egresses directly.
type Pools struct {
	Egress   *pool.Pool[string]
	Identity *pool.Pool[pool.Identity]
	Token    *pool.Pool[string]
}

// Deps carries the collaborators a Worker needs. Headless is optional; tasks
// asking for rendering fall back to the plain fetcher without it.
type Deps struct {
	Queue    spider.TaskQueue
	Throttle *throttle.Controller
	Pools    Pools
	Detector *blockdetect.Classifier
	Fetcher  spider.Fetcher
	Headless spider.Fetcher
	Registry *extract.Registry
	Ingestor *pipeline.Ingestor
	Stats    spider.StatsStore
	Logger   *zap.Logger
}

// Worker drains the task queue for one source. A single Worker may be run
// from multiple goroutines; the adaptive controller is what bounds the
// source's effective concurrency.
type Worker struct {
	id       string
	source   string
	srcCfg   config.SourceConfig
	queueCfg config.QueueConfig
	deps     Deps
	idlePoll time.Duration
	logger   *zap.Logger
}

// New builds a Worker for one source.
func New(source string, srcCfg config.SourceConfig, queueCfg config.QueueConfig, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	return &Worker{
		id:       id,
		source:   source,
		srcCfg:   srcCfg,
		queueCfg: queueCfg,
		deps:     deps,
		idlePoll: time.Second,
		logger: deps.Logger.With(
			zap.String("worker", id),
			zap.String("source", source)),
	}
}

// Run processes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		task, err := w.deps.Queue.Dequeue(ctx, w.source)
		switch {
		case errors.Is(err, spider.ErrQueueEmpty):
			if !w.sleep(ctx, w.idlePoll) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			if !w.sleep(ctx, w.idlePoll) {
				return
			}
			continue
		}
		w.Process(ctx, task)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Process runs one task end to end. Exported so supervisors and tests can
// drive the loop step by step.
func (w *Worker) Process(ctx context.Context, task spider.Task) {
	if err := w.deps.Throttle.Wait(ctx, w.source, spider.RoleWorker); err != nil {
		// Shutdown mid-wait; the reaper returns the task to the backlog.
		return
	}
	defer w.deps.Throttle.Done(w.source, spider.RoleWorker)

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	leases, ok := w.borrow(ctx, task)
	if !ok {
		return
	}

	req := w.buildRequest(task, leases)
	if req.URL == "" {
		w.logger.Error("task has no fetchable url",
			zap.String("key", task.Key), zap.String("kind", string(task.Kind)))
		w.ack(ctx, task, "dropped")
		return
	}

	fetcher := w.deps.Fetcher
	if task.RenderJS && w.deps.Headless != nil {
		fetcher = w.deps.Headless
	}

	outcome, err := fetcher.Fetch(ctx, req)
	if err != nil {
		w.finish(ctx, task, leases, spider.ResultFailure, outcome.Elapsed)
		w.logger.Warn("fetch failed", zap.String("key", task.Key), zap.Error(err))
		w.retry(ctx, task)
		return
	}

	if w.deps.Detector.Classify(outcome) == spider.VerdictBlocked {
		outcome.Blocked = true
		w.finish(ctx, task, leases, spider.ResultBlocked, outcome.Elapsed)
		w.logger.Warn("request blocked",
			zap.String("key", task.Key),
			zap.Int("status", outcome.StatusCode),
			zap.Int("body_bytes", len(outcome.Body)))
		w.retry(ctx, task)
		return
	}

	w.finish(ctx, task, leases, spider.ResultSuccess, outcome.Elapsed)

	extractor, err := w.deps.Registry.Lookup(w.source)
	if err != nil {
		w.logger.Error("no extractor for source", zap.Error(err))
		w.ack(ctx, task, "dropped")
		return
	}

	result, err := extractor.Extract(outcome)
	if err != nil {
		w.logger.Warn("extract failed", zap.String("key", task.Key), zap.Error(err))
		w.retry(ctx, task)
		return
	}

	if err := w.deps.Ingestor.Ingest(ctx, result); err != nil {
		// Batches already staged; a sink or enqueue error must not lose
		// the task's own completion.
		w.logger.Error("ingest failed", zap.String("key", task.Key), zap.Error(err))
	}

	w.ack(ctx, task, "acked")
}

// leaseSet holds the per-request leases. Fields are nil-checked so pools can
// be absent in partial deployments.
type leaseSet struct {
	egress   *pool.Lease[string]
	identity pool.Lease[pool.Identity]
	token    *pool.Lease[string]
}

// borrow checks out one resource from each configured pool. On exhaustion
// the task goes back to the queue and everything taken so far is returned
// undamaged.
func (w *Worker) borrow(ctx context.Context, task spider.Task) (leaseSet, bool) {
	var leases leaseSet

	if w.deps.Pools.Egress != nil {
		lease, err := w.deps.Pools.Egress.Acquire()
		if err != nil {
			w.logger.Warn("egress pool exhausted", zap.Error(err))
			w.retry(ctx, task)
			return leaseSet{}, false
		}
		leases.egress = &lease
	}

	identity, err := w.deps.Pools.Identity.Acquire()
	if err != nil {
		if leases.egress != nil {
			leases.egress.Succeed()
		}
		w.logger.Warn("identity pool exhausted", zap.Error(err))
		w.retry(ctx, task)
		return leaseSet{}, false
	}
	leases.identity = identity

	if w.deps.Pools.Token != nil {
		lease, err := w.deps.Pools.Token.Acquire()
		if err != nil {
			if leases.egress != nil {
				leases.egress.Succeed()
			}
			leases.identity.Succeed()
			w.logger.Warn("token pool exhausted", zap.Error(err))
			w.retry(ctx, task)
			return leaseSet{}, false
		}
		leases.token = &lease
	}

	return leases, true
}

// buildRequest assembles the fetch request with the borrowed identity
// material. Search tasks carry no URL; it is built here so every attempt
// gets a fresh signature.
func (w *Worker) buildRequest(task spider.Task, leases leaseSet) spider.FetchRequest {
	ident := leases.identity.Value

	target := task.URL
	if target == "" && task.Kind == spider.TaskSearch {
		sign := pool.SearchSign(task.Keyword, task.Page, ident.DeviceID)
		target = fmt.Sprintf("https://s.%s.com/search?q=%s&page=%d&sign=%s",
			w.source, url.QueryEscape(task.Keyword), task.Page, sign)
	}

	headers := http.Header{}
	headers.Set("User-Agent", ident.UserAgent)
	headers.Set("Cookie", ident.Cookie)
	headers.Set("tb-session-id", ident.SessionID)
	headers.Set("tb-device-id", ident.DeviceID)
	headers.Set("X-Forwarded-For", pool.RandomForwardedIP())
	headers.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	headers.Set("Referer", fmt.Sprintf("https://www.%s.com/", w.source))
	if leases.token != nil {
		headers.Set("x-access-token", leases.token.Value)
	}

	req := spider.FetchRequest{Task: task, URL: target, Headers: headers}
	if leases.egress != nil {
		req.ProxyURL = leases.egress.Value
	}
	return req
}

// finish settles the leases, feeds the controller, and updates counters for
// one fetch attempt. Transport failures implicate the egress path only; a
// block implicates everything the request carried.
func (w *Worker) finish(ctx context.Context, task spider.Task, leases leaseSet, result spider.RequestResult, elapsed time.Duration) {
	switch result {
	case spider.ResultSuccess:
		if leases.egress != nil {
			leases.egress.Succeed()
		}
		leases.identity.Succeed()
		if leases.token != nil {
			leases.token.Succeed()
		}

	case spider.ResultBlocked:
		cooldown := time.Duration(w.srcCfg.CooldownS) * time.Second
		if leases.egress != nil {
			leases.egress.Blocked()
			w.deps.Pools.Egress.Cooldown(leases.egress.Key, cooldown)
		}
		leases.identity.Blocked()
		if leases.token != nil {
			leases.token.Blocked()
			w.deps.Pools.Token.Cooldown(leases.token.Key, cooldown)
		}

	case spider.ResultFailure:
		if leases.egress != nil {
			leases.egress.Fail()
		}
		leases.identity.Succeed()
		if leases.token != nil {
			leases.token.Succeed()
		}
	}

	w.deps.Throttle.Report(w.source, spider.RoleWorker, result)

	if w.deps.Stats != nil {
		if err := w.deps.Stats.IncrRequest(ctx, w.source, result); err != nil {
			w.logger.Warn("request counter update failed", zap.Error(err))
		}
	}

	metrics.ObserveRequest(w.source, string(result), elapsed)
	limit, delay := w.deps.Throttle.Snapshot(w.source, spider.RoleWorker)
	metrics.SetThrottle(w.source, limit, delay)
	if w.deps.Pools.Egress != nil {
		metrics.SetPoolAvailable("egress", w.deps.Pools.Egress.Available())
	}
	metrics.SetPoolAvailable("identity", w.deps.Pools.Identity.Available())
	if w.deps.Pools.Token != nil {
		metrics.SetPoolAvailable("token", w.deps.Pools.Token.Available())
	}
}

// retry reschedules the task with exponential backoff, or finalizes it once
// the attempt budget is spent so the key stops cycling forever.
func (w *Worker) retry(ctx context.Context, task spider.Task) {
	if task.Attempt+1 >= w.queueCfg.MaxAttempts {
		w.logger.Warn("task dropped after max attempts",
			zap.String("key", task.Key),
			zap.Int("attempts", task.Attempt+1))
		w.ack(ctx, task, "dropped")
		return
	}

	delay := w.queueCfg.RequeueBaseDelay() << task.Attempt
	if err := w.deps.Queue.Requeue(ctx, task, delay); err != nil {
		w.logger.Error("requeue failed", zap.String("key", task.Key), zap.Error(err))
		return
	}
	metrics.ObserveTask(w.source, "requeued")
}

func (w *Worker) ack(ctx context.Context, task spider.Task, outcome string) {
	if err := w.deps.Queue.Ack(ctx, task); err != nil {
		w.logger.Error("ack failed", zap.String("key", task.Key), zap.Error(err))
		return
	}
	metrics.ObserveTask(w.source, outcome)
}

// RunReaper periodically returns timed-out in-flight tasks to the backlog.
// One reaper per source is enough for any number of workers.
func RunReaper(ctx context.Context, queue spider.TaskQueue, source string, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.ReapExpired(ctx, source)
			if err != nil {
				logger.Error("reap failed", zap.String("source", source), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("recovered expired tasks",
					zap.String("source", source), zap.Int("count", n))
			}
		}
	}
}
