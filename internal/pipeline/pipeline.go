// Package pipeline normalizes, deduplicates, batches, and persists extracted
// records, and forwards derived tasks to the queue.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/spider"
)

// Options tune ingestion batching.
type Options struct {
	// BatchSize triggers a commit once any kind's batch reaches it.
	BatchSize int
	// FlushInterval bounds how long a partial batch may sit uncommitted.
	FlushInterval time.Duration
}

// Ingestor is the ingestion pipeline. One Ingestor serves all of a process's
// workers; methods are safe for concurrent use.
type Ingestor struct {
	mu    sync.Mutex
	opts  Options
	sinks []spider.Sink
	// rowStore also appears in sinks. Duplicate comments are routed to it
	// alone so their vote and reply counters still get refreshed without
	// duplicating rows in the file sinks.
	rowStore spider.Sink
	dedup    spider.DedupSet
	queue    spider.TaskQueue
	stats    spider.StatsStore
	clock    spider.Clock
	logger   *zap.Logger

	products    []spider.Product
	comments    []spider.Comment
	shops       []spider.Shop
	dupComments []spider.Comment
}

// NewIngestor builds an Ingestor. rowStore may be nil when no row store is
// configured; queue and stats may be nil in tests.
func NewIngestor(opts Options, sinks []spider.Sink, rowStore spider.Sink, dedup spider.DedupSet, queue spider.TaskQueue, stats spider.StatsStore, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Ingestor{
		opts:     opts,
		sinks:    sinks,
		rowStore: rowStore,
		dedup:    dedup,
		queue:    queue,
		stats:    stats,
		clock:    spider.SystemClock{},
		logger:   logger,
	}
}

// WithClock overrides the ingestor's clock. Test hook.
func (in *Ingestor) WithClock(clock spider.Clock) *Ingestor {
	in.clock = clock
	return in
}

// Ingest normalizes and stages every record in the result and enqueues its
// derived tasks. Validation failures are counted and skipped, never fatal.
func (in *Ingestor) Ingest(ctx context.Context, result spider.ExtractResult) error {
	now := in.clock.Now()
	var commitErr error

	for _, raw := range result.Products {
		product, err := NormalizeProduct(raw, now)
		if err != nil {
			in.reject(ctx, spider.KindProduct, err)
			continue
		}
		fresh, err := in.dedup.Add(ctx, spider.KindProduct, product.ProductID)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		in.mu.Lock()
		in.products = append(in.products, product)
		full := len(in.products) >= in.opts.BatchSize
		in.mu.Unlock()
		if full {
			commitErr = multierr.Append(commitErr, in.Flush(ctx))
		}
	}

	for _, raw := range result.Comments {
		comment, err := NormalizeComment(raw, now)
		if err != nil {
			in.reject(ctx, spider.KindComment, err)
			continue
		}
		fresh, err := in.dedup.Add(ctx, spider.KindComment, comment.CommentID)
		if err != nil {
			return err
		}
		in.mu.Lock()
		if fresh {
			in.comments = append(in.comments, comment)
		} else if in.rowStore != nil {
			in.dupComments = append(in.dupComments, comment)
		}
		full := len(in.comments) >= in.opts.BatchSize || len(in.dupComments) >= in.opts.BatchSize
		in.mu.Unlock()
		if full {
			commitErr = multierr.Append(commitErr, in.Flush(ctx))
		}
	}

	for _, raw := range result.Shops {
		shop, err := NormalizeShop(raw, now)
		if err != nil {
			in.reject(ctx, spider.KindShop, err)
			continue
		}
		fresh, err := in.dedup.Add(ctx, spider.KindShop, shop.ShopID)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		in.mu.Lock()
		in.shops = append(in.shops, shop)
		full := len(in.shops) >= in.opts.BatchSize
		in.mu.Unlock()
		if full {
			commitErr = multierr.Append(commitErr, in.Flush(ctx))
		}
	}

	if in.queue != nil {
		for _, task := range result.Derived {
			if _, err := in.queue.Enqueue(ctx, task); err != nil {
				commitErr = multierr.Append(commitErr, err)
			}
		}
	}

	return commitErr
}

func (in *Ingestor) reject(ctx context.Context, kind spider.RecordKind, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		in.logger.Warn("record rejected",
			zap.String("kind", string(kind)),
			zap.String("key", verr.Key),
			zap.String("field", verr.Field))
	}
	metrics.ObserveRejected(string(kind), 1)
	if in.stats != nil {
		if serr := in.stats.IncrRejected(ctx, kind, 1); serr != nil {
			in.logger.Warn("rejected counter update failed", zap.Error(serr))
		}
	}
}

// Flush commits all staged batches to every sink. A failing sink does not
// stop the others; per-sink errors are aggregated and returned, and the
// batch is dropped either way.
func (in *Ingestor) Flush(ctx context.Context) error {
	in.mu.Lock()
	products := in.products
	comments := in.comments
	shops := in.shops
	dupComments := in.dupComments
	in.products = nil
	in.comments = nil
	in.shops = nil
	in.dupComments = nil
	in.mu.Unlock()

	var errs error
	for _, sink := range in.sinks {
		if len(products) > 0 {
			if err := sink.WriteProducts(ctx, products); err != nil {
				in.logger.Error("sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(spider.KindProduct)),
					zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
		if len(comments) > 0 {
			if err := sink.WriteComments(ctx, comments); err != nil {
				in.logger.Error("sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(spider.KindComment)),
					zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
		if len(shops) > 0 {
			if err := sink.WriteShops(ctx, shops); err != nil {
				in.logger.Error("sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(spider.KindShop)),
					zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}

	if len(dupComments) > 0 && in.rowStore != nil {
		if err := in.rowStore.WriteComments(ctx, dupComments); err != nil {
			in.logger.Error("sink write failed",
				zap.String("sink", in.rowStore.Name()),
				zap.String("kind", string(spider.KindComment)),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if in.stats != nil {
		in.count(ctx, spider.KindProduct, len(products))
		in.count(ctx, spider.KindComment, len(comments))
		in.count(ctx, spider.KindShop, len(shops))
	}
	return errs
}

func (in *Ingestor) count(ctx context.Context, kind spider.RecordKind, n int) {
	if n == 0 {
		return
	}
	metrics.ObserveItems(string(kind), n)
	if err := in.stats.IncrItems(ctx, kind, n); err != nil {
		in.logger.Warn("item counter update failed", zap.Error(err))
	}
}

// Run flushes partial batches on the configured interval until ctx is done,
// then performs a final flush.
func (in *Ingestor) Run(ctx context.Context) {
	interval := in.opts.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := in.Flush(context.Background()); err != nil {
				in.logger.Error("final flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := in.Flush(ctx); err != nil {
				in.logger.Error("interval flush failed", zap.Error(err))
			}
		}
	}
}

// Close flushes remaining batches and closes every sink.
func (in *Ingestor) Close(ctx context.Context) error {
	errs := in.Flush(ctx)
	for _, sink := range in.sinks {
		if err := sink.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
