// Package memstore is an in-memory Sink for tests and dry runs.
package memstore

import (
	"context"
	"sync"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Store collects written records in memory. Comment writes upsert by
// comment id the way the row store does.
type Store struct {
	mu       sync.Mutex
	products map[string]spider.Product
	comments map[string]spider.Comment
	shops    map[string]spider.Shop
	order    struct {
		products []string
		comments []string
		shops    []string
	}
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		products: make(map[string]spider.Product),
		comments: make(map[string]spider.Comment),
		shops:    make(map[string]spider.Shop),
	}
}

// Name identifies the sink in logs.
func (s *Store) Name() string { return "memstore" }

// WriteProducts upserts products by product id.
func (s *Store) WriteProducts(_ context.Context, products []spider.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		if _, ok := s.products[p.ProductID]; !ok {
			s.order.products = append(s.order.products, p.ProductID)
		}
		s.products[p.ProductID] = p
	}
	return nil
}

// WriteComments upserts comments by comment id.
func (s *Store) WriteComments(_ context.Context, comments []spider.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comments {
		if _, ok := s.comments[c.CommentID]; !ok {
			s.order.comments = append(s.order.comments, c.CommentID)
		}
		s.comments[c.CommentID] = c
	}
	return nil
}

// WriteShops upserts shops by shop id.
func (s *Store) WriteShops(_ context.Context, shops []spider.Shop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range shops {
		if _, ok := s.shops[sh.ShopID]; !ok {
			s.order.shops = append(s.order.shops, sh.ShopID)
		}
		s.shops[sh.ShopID] = sh
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Products returns written products in first-write order.
func (s *Store) Products() []spider.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]spider.Product, 0, len(s.order.products))
	for _, id := range s.order.products {
		out = append(out, s.products[id])
	}
	return out
}

// Comments returns written comments in first-write order.
func (s *Store) Comments() []spider.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]spider.Comment, 0, len(s.order.comments))
	for _, id := range s.order.comments {
		out = append(out, s.comments[id])
	}
	return out
}

// Shops returns written shops in first-write order.
func (s *Store) Shops() []spider.Shop {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]spider.Shop, 0, len(s.order.shops))
	for _, id := range s.order.shops {
		out = append(out, s.shops[id])
	}
	return out
}
