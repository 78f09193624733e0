package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// ValidationError marks a record rejected before persistence for missing or
// unparseable required fields.
type ValidationError struct {
	Kind  spider.RecordKind
	Key   string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %q: bad field %s", e.Kind, e.Key, e.Field)
}

// ParsePrice parses a price string as scraped: currency symbols, thousands
// separators, and trailing qualifiers are stripped; ranges keep the lower
// bound.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, cut := range []string{"¥", "￥", "$", "元", "起", "+"} {
		s = strings.ReplaceAll(s, cut, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "-~"); i > 0 {
		s = s[:i]
	}
	if s == "" {
		return 0, fmt.Errorf("empty price")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative price %q", s)
	}
	return v, nil
}

// ParseCount parses a count that may carry Chinese magnitude suffixes
// ("1.2万" is 12000) or a trailing "+". Empty input is zero.
func ParseCount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "+", "")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, nil
	}

	mult := 1.0
	switch {
	case strings.Contains(s, "亿"):
		mult = 1e8
		s = strings.ReplaceAll(s, "亿", "")
	case strings.Contains(s, "万"):
		mult = 1e4
		s = strings.ReplaceAll(s, "万", "")
	case strings.Contains(s, "千"):
		mult = 1e3
		s = strings.ReplaceAll(s, "千", "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", s, err)
	}
	return int64(v * mult), nil
}

// NormalizeProduct validates and coerces a raw product. ProductID, Name, and
// a parseable Price are required.
func NormalizeProduct(raw spider.RawProduct, now time.Time) (spider.Product, error) {
	id := strings.TrimSpace(raw.ProductID)
	if id == "" {
		return spider.Product{}, &ValidationError{Kind: spider.KindProduct, Field: "product_id"}
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return spider.Product{}, &ValidationError{Kind: spider.KindProduct, Key: id, Field: "name"}
	}
	price, err := ParsePrice(raw.Price)
	if err != nil {
		return spider.Product{}, &ValidationError{Kind: spider.KindProduct, Key: id, Field: "price"}
	}

	// Optional fields degrade to zero values instead of rejecting.
	original, err := ParsePrice(raw.OriginalPrice)
	if err != nil {
		original = 0
	}
	sales, _ := ParseCount(raw.Sales)
	comments, _ := ParseCount(raw.CommentsCount)

	return spider.Product{
		Platform:      strings.TrimSpace(raw.Platform),
		ProductID:     id,
		Name:          name,
		Price:         price,
		OriginalPrice: original,
		Sales:         sales,
		CommentsCount: comments,
		ShopName:      strings.TrimSpace(raw.ShopName),
		Category:      strings.TrimSpace(raw.Category),
		URL:           strings.TrimSpace(raw.URL),
		CrawlTime:     now,
	}, nil
}

// NormalizeComment validates and coerces a raw comment. CommentID and
// ProductID are required.
func NormalizeComment(raw spider.RawComment, now time.Time) (spider.Comment, error) {
	id := strings.TrimSpace(raw.CommentID)
	if id == "" {
		return spider.Comment{}, &ValidationError{Kind: spider.KindComment, Field: "comment_id"}
	}
	productID := strings.TrimSpace(raw.ProductID)
	if productID == "" {
		return spider.Comment{}, &ValidationError{Kind: spider.KindComment, Key: id, Field: "product_id"}
	}

	rating, err := strconv.Atoi(strings.TrimSpace(raw.Rating))
	if err != nil || rating < 0 || rating > 5 {
		rating = 0
	}
	votes, _ := ParseCount(raw.UsefulVotes)
	replies, _ := ParseCount(raw.ReplyCount)

	return spider.Comment{
		CommentID:   id,
		ProductID:   productID,
		UserID:      strings.TrimSpace(raw.UserID),
		Content:     strings.TrimSpace(raw.Content),
		Rating:      rating,
		CommentTime: strings.TrimSpace(raw.CommentTime),
		UsefulVotes: votes,
		ReplyCount:  replies,
		CrawlTime:   now,
	}, nil
}

// NormalizeShop validates and coerces a raw shop. ShopID is required.
func NormalizeShop(raw spider.RawShop, now time.Time) (spider.Shop, error) {
	id := strings.TrimSpace(raw.ShopID)
	if id == "" {
		return spider.Shop{}, &ValidationError{Kind: spider.KindShop, Field: "shop_id"}
	}

	service, err := strconv.ParseFloat(strings.TrimSpace(raw.ScoreService), 64)
	if err != nil {
		service = 0
	}
	delivery, err := strconv.ParseFloat(strings.TrimSpace(raw.ScoreDelivery), 64)
	if err != nil {
		delivery = 0
	}

	return spider.Shop{
		ShopID:        id,
		ShopName:      strings.TrimSpace(raw.ShopName),
		ShopType:      strings.TrimSpace(raw.ShopType),
		ScoreService:  service,
		ScoreDelivery: delivery,
		CrawlTime:     now,
	}, nil
}
