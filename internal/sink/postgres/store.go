// Package postgres persists normalized records in the relational row store.
// The unique keys on product_id, comment_id, and shop_id are the final
// backstop against duplicates that slip past the shared dedup sets.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// DB is the slice of pgxpool.Pool the store needs. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a spider.Sink writing to Postgres.
type Store struct {
	db     DB
	logger *zap.Logger
}

// New builds a Store over an open pool.
func New(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Name identifies the sink in logs.
func (s *Store) Name() string { return "postgres" }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		platform TEXT NOT NULL,
		product_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		original_price DOUBLE PRECISION,
		sales BIGINT,
		comments_count BIGINT,
		shop_name TEXT,
		category TEXT,
		url TEXT,
		crawl_time TIMESTAMPTZ NOT NULL,
		update_time TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id BIGSERIAL PRIMARY KEY,
		comment_id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		user_id TEXT,
		content TEXT,
		rating INT,
		comment_time TEXT,
		useful_votes BIGINT,
		reply_count BIGINT,
		crawl_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shops (
		id BIGSERIAL PRIMARY KEY,
		shop_id TEXT NOT NULL UNIQUE,
		shop_name TEXT,
		shop_type TEXT,
		score_service DOUBLE PRECISION,
		score_delivery DOUBLE PRECISION,
		crawl_time TIMESTAMPTZ NOT NULL,
		update_time TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the row-store tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const upsertProduct = `INSERT INTO products (
	platform, product_id, name, price, original_price, sales,
	comments_count, shop_name, category, url, crawl_time, update_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (product_id) DO UPDATE SET
	platform = EXCLUDED.platform,
	name = EXCLUDED.name,
	price = EXCLUDED.price,
	original_price = EXCLUDED.original_price,
	sales = EXCLUDED.sales,
	comments_count = EXCLUDED.comments_count,
	shop_name = EXCLUDED.shop_name,
	category = EXCLUDED.category,
	url = EXCLUDED.url,
	crawl_time = EXCLUDED.crawl_time,
	update_time = now()`

// WriteProducts upserts products by product id.
func (s *Store) WriteProducts(ctx context.Context, products []spider.Product) error {
	for _, p := range products {
		_, err := s.db.Exec(ctx, upsertProduct,
			p.Platform, p.ProductID, p.Name, p.Price, p.OriginalPrice,
			p.Sales, p.CommentsCount, p.ShopName, p.Category, p.URL, p.CrawlTime)
		if err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ProductID, err)
		}
	}
	return nil
}

const upsertComment = `INSERT INTO comments (
	comment_id, product_id, user_id, content, rating,
	comment_time, useful_votes, reply_count, crawl_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (comment_id) DO UPDATE SET
	useful_votes = EXCLUDED.useful_votes,
	reply_count = EXCLUDED.reply_count,
	crawl_time = EXCLUDED.crawl_time`

// WriteComments inserts comments; a repeat comment id only refreshes its
// vote and reply counters.
func (s *Store) WriteComments(ctx context.Context, comments []spider.Comment) error {
	for _, c := range comments {
		_, err := s.db.Exec(ctx, upsertComment,
			c.CommentID, c.ProductID, c.UserID, c.Content, c.Rating,
			c.CommentTime, c.UsefulVotes, c.ReplyCount, c.CrawlTime)
		if err != nil {
			return fmt.Errorf("upsert comment %s: %w", c.CommentID, err)
		}
	}
	return nil
}

const upsertShop = `INSERT INTO shops (
	shop_id, shop_name, shop_type, score_service, score_delivery, crawl_time, update_time
) VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (shop_id) DO UPDATE SET
	shop_name = EXCLUDED.shop_name,
	shop_type = EXCLUDED.shop_type,
	score_service = EXCLUDED.score_service,
	score_delivery = EXCLUDED.score_delivery,
	crawl_time = EXCLUDED.crawl_time,
	update_time = now()`

// WriteShops upserts shops by shop id.
func (s *Store) WriteShops(ctx context.Context, shops []spider.Shop) error {
	for _, sh := range shops {
		_, err := s.db.Exec(ctx, upsertShop,
			sh.ShopID, sh.ShopName, sh.ShopType, sh.ScoreService, sh.ScoreDelivery, sh.CrawlTime)
		if err != nil {
			return fmt.Errorf("upsert shop %s: %w", sh.ShopID, err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
