// Package monitor aggregates daily crawl statistics in the shared broker so
// any process, or an operator with redis-cli, can read the day's progress.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhoudan/ecomspider/internal/spider"
)

const dayFormat = "20060102"

// statsTTL keeps daily counters around for a month before Redis expires
// them.
const statsTTL = 31 * 24 * time.Hour

// RedisStats is a spider.StatsStore on Redis hashes keyed by calendar day.
type RedisStats struct {
	rdb   *redis.Client
	clock spider.Clock
}

// NewRedisStats builds a RedisStats over the shared client.
func NewRedisStats(rdb *redis.Client) *RedisStats {
	return &RedisStats{rdb: rdb, clock: spider.SystemClock{}}
}

// WithClock overrides the store's clock. Test hook.
func (s *RedisStats) WithClock(clock spider.Clock) *RedisStats {
	s.clock = clock
	return s
}

func (s *RedisStats) day() string {
	return s.clock.Now().Format(dayFormat)
}

func requestsKey(day string) string { return "stats:" + day + ":requests" }
func itemsKey(day string) string    { return "stats:" + day + ":items" }
func rejectedKey(day string) string { return "stats:" + day + ":rejected" }
func sourceKey(day, source string) string {
	return "stats:" + day + ":source:" + source
}

func (s *RedisStats) incr(ctx context.Context, key, field string, n int64) error {
	if err := s.rdb.HIncrBy(ctx, key, field, n).Err(); err != nil {
		return fmt.Errorf("stats incr %s/%s: %w", key, field, err)
	}
	// Best effort; the counter is already updated.
	s.rdb.Expire(ctx, key, statsTTL)
	return nil
}

// IncrRequest bumps the day's request counters, total and per source.
func (s *RedisStats) IncrRequest(ctx context.Context, source string, result spider.RequestResult) error {
	day := s.day()
	if err := s.incr(ctx, requestsKey(day), "total", 1); err != nil {
		return err
	}
	if err := s.incr(ctx, requestsKey(day), string(result), 1); err != nil {
		return err
	}
	if err := s.incr(ctx, sourceKey(day, source), "total", 1); err != nil {
		return err
	}
	return s.incr(ctx, sourceKey(day, source), string(result), 1)
}

// IncrItems bumps the day's committed-item counter for a kind.
func (s *RedisStats) IncrItems(ctx context.Context, kind spider.RecordKind, n int) error {
	return s.incr(ctx, itemsKey(s.day()), string(kind), int64(n))
}

// IncrRejected bumps the day's rejected-record counter for a kind.
func (s *RedisStats) IncrRejected(ctx context.Context, kind spider.RecordKind, n int) error {
	return s.incr(ctx, rejectedKey(s.day()), string(kind), int64(n))
}

// Snapshot reads back all counters for a day. day in 20060102 form; empty
// means today.
func (s *RedisStats) Snapshot(ctx context.Context, day string) (spider.DailyStats, error) {
	if day == "" {
		day = s.day()
	}

	requests, err := s.readHash(ctx, requestsKey(day))
	if err != nil {
		return spider.DailyStats{}, err
	}
	items, err := s.readHash(ctx, itemsKey(day))
	if err != nil {
		return spider.DailyStats{}, err
	}
	rejected, err := s.readHash(ctx, rejectedKey(day))
	if err != nil {
		return spider.DailyStats{}, err
	}
	for kind, n := range rejected {
		items["rejected:"+kind] = n
	}

	sources := make(map[string]map[string]int64)
	iter := s.rdb.Scan(ctx, 0, "stats:"+day+":source:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		source := key[len("stats:"+day+":source:"):]
		counters, err := s.readHash(ctx, key)
		if err != nil {
			return spider.DailyStats{}, err
		}
		sources[source] = counters
	}
	if err := iter.Err(); err != nil {
		return spider.DailyStats{}, fmt.Errorf("stats scan sources: %w", err)
	}

	return spider.DailyStats{
		Day:      day,
		Requests: requests,
		Items:    items,
		Sources:  sources,
	}, nil
}

func (s *RedisStats) readHash(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("stats read %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		var n int64
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
