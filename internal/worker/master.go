package worker

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/config"
	"github.com/zhoudan/ecomspider/internal/spider"
)

// Master seeds search tasks into the shared queue. Re-seeding the same
// keywords is harmless: the queue's seen-set drops keys that already ran.
type Master struct {
	queue      spider.TaskQueue
	sources    map[string]config.SourceConfig
	reseedCron string
	logger     *zap.Logger
}

// NewMaster builds a Master over the per-source config table.
func NewMaster(queue spider.TaskQueue, sources map[string]config.SourceConfig, reseedCron string, logger *zap.Logger) *Master {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Master{
		queue:      queue,
		sources:    sources,
		reseedCron: reseedCron,
		logger:     logger,
	}
}

// Seed enqueues one search task per (keyword, page) for every source,
// shuffling keywords so concurrent workers spread across them. It reports
// how many tasks were actually inserted.
func (m *Master) Seed(ctx context.Context) (int, error) {
	total := 0
	for source, sc := range m.sources {
		keywords := uniqueKeywords(sc.Keywords)
		rand.Shuffle(len(keywords), func(i, j int) {
			keywords[i], keywords[j] = keywords[j], keywords[i]
		})

		added := 0
		for _, keyword := range keywords {
			for page := 1; page <= sc.MaxPages; page++ {
				fresh, err := m.queue.Enqueue(ctx, spider.SearchTask(source, keyword, page))
				if err != nil {
					return total, fmt.Errorf("seed %s: %w", source, err)
				}
				if fresh {
					added++
				}
			}
		}
		total += added
		m.logger.Info("seeded source",
			zap.String("source", source),
			zap.Int("keywords", len(keywords)),
			zap.Int("tasks", added))
	}
	return total, nil
}

func uniqueKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// Run seeds once, then re-seeds on the configured cron schedule until ctx is
// canceled. With no schedule it seeds once and waits for shutdown.
func (m *Master) Run(ctx context.Context) error {
	if _, err := m.Seed(ctx); err != nil {
		return err
	}

	if m.reseedCron == "" {
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(m.reseedCron, func() {
		n, err := m.Seed(context.Background())
		if err != nil {
			m.logger.Error("reseed failed", zap.Error(err))
			return
		}
		m.logger.Info("reseeded", zap.Int("tasks", n))
	})
	if err != nil {
		return fmt.Errorf("reseed schedule %q: %w", m.reseedCron, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
