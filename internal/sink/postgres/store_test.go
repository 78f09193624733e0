package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoudan/ecomspider/internal/spider"
)

func TestWriteProductsUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectExec("INSERT INTO products").
		WithArgs("taobao", "889900", "某品牌手机", 1999.0, 2499.0,
			int64(12000), int64(5600), "旗舰店", "手机", "https://item.example.com/889900", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := New(mock, nil)
	err = store.WriteProducts(context.Background(), []spider.Product{{
		Platform:      "taobao",
		ProductID:     "889900",
		Name:          "某品牌手机",
		Price:         1999,
		OriginalPrice: 2499,
		Sales:         12000,
		CommentsCount: 5600,
		ShopName:      "旗舰店",
		Category:      "手机",
		URL:           "https://item.example.com/889900",
		CrawlTime:     now,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteCommentsRefreshesCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectExec("INSERT INTO comments").
		WithArgs("c1", "889900", "u1", "很好用", 5, "2026-08-20", int64(8), int64(2), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := New(mock, nil)
	err = store.WriteComments(context.Background(), []spider.Comment{{
		CommentID:   "c1",
		ProductID:   "889900",
		UserID:      "u1",
		Content:     "很好用",
		Rating:      5,
		CommentTime: "2026-08-20",
		UsefulVotes: 8,
		ReplyCount:  2,
		CrawlTime:   now,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteShopsUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectExec("INSERT INTO shops").
		WithArgs("s1", "旗舰店", "tmall", 4.8, 4.7, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := New(mock, nil)
	err = store.WriteShops(context.Background(), []spider.Shop{{
		ShopID:        "s1",
		ShopName:      "旗舰店",
		ShopType:      "tmall",
		ScoreService:  4.8,
		ScoreDelivery: 4.7,
		CrawlTime:     now,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteProductsWrapsError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO products").
		WillReturnError(errors.New("connection refused"))

	store := New(mock, nil)
	err = store.WriteProducts(context.Background(), []spider.Product{{
		ProductID: "1", Name: "x", Price: 1, CrawlTime: time.Now(),
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert product 1")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS products").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS comments").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS shops").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	store := New(mock, nil)
	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
