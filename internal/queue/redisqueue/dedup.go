package redisqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Dedup is a spider.DedupSet on Redis sets, one set per record kind, shared
// by every worker in the cluster.
type Dedup struct {
	rdb *redis.Client
}

// NewDedup builds a Dedup over the shared client.
func NewDedup(rdb *redis.Client) *Dedup {
	return &Dedup{rdb: rdb}
}

// Add inserts the key into the kind's set and reports whether it was new.
func (d *Dedup) Add(ctx context.Context, kind spider.RecordKind, key string) (bool, error) {
	added, err := d.rdb.SAdd(ctx, "dedup:"+string(kind), key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup add: %w", err)
	}
	return added == 1, nil
}
