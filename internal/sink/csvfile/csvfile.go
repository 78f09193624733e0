// Package csvfile writes normalized records to per-kind, per-day CSV files
// with a UTF-8 BOM so spreadsheet tools read the Chinese text correctly.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/spider"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var headers = map[spider.RecordKind][]string{
	spider.KindProduct: {
		"platform", "product_id", "name", "price", "original_price",
		"sales", "comments_count", "shop_name", "category", "url", "crawl_time",
	},
	spider.KindComment: {
		"comment_id", "product_id", "user_id", "content", "rating",
		"comment_time", "useful_votes", "reply_count", "crawl_time",
	},
	spider.KindShop: {
		"shop_id", "shop_name", "shop_type", "score_service", "score_delivery", "crawl_time",
	},
}

type openFile struct {
	file   *os.File
	writer *csv.Writer
}

// Sink is a spider.Sink appending CSV rows. Files are keyed by kind and
// calendar day; the day rolling over opens a fresh file.
type Sink struct {
	mu     sync.Mutex
	dir    string
	clock  spider.Clock
	logger *zap.Logger
	files  map[string]*openFile
}

// New builds a Sink writing under dir.
func New(dir string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		dir:    dir,
		clock:  spider.SystemClock{},
		logger: logger,
		files:  make(map[string]*openFile),
	}
}

// WithClock overrides the sink's clock. Test hook.
func (s *Sink) WithClock(clock spider.Clock) *Sink {
	s.clock = clock
	return s
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "csv" }

// open returns the writer for kind on the current day, creating the file
// with BOM and header on first use. Caller holds s.mu.
func (s *Sink) open(kind spider.RecordKind) (*csv.Writer, error) {
	day := s.clock.Now().Format("20060102")
	key := string(kind) + ":" + day
	if f, ok := s.files[key]; ok {
		return f.writer, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%ss_%s.csv", kind, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	writer := csv.NewWriter(file)
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() == 0 {
		if _, err := file.Write(utf8BOM); err != nil {
			file.Close()
			return nil, fmt.Errorf("write bom: %w", err)
		}
		if err := writer.Write(headers[kind]); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	s.files[key] = &openFile{file: file, writer: writer}
	s.logger.Info("csv file opened", zap.String("path", path))
	return writer, nil
}

// WriteProducts appends product rows.
func (s *Sink) WriteProducts(_ context.Context, products []spider.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.open(spider.KindProduct)
	if err != nil {
		return err
	}
	for _, p := range products {
		row := []string{
			p.Platform, p.ProductID, p.Name,
			strconv.FormatFloat(p.Price, 'f', 2, 64),
			strconv.FormatFloat(p.OriginalPrice, 'f', 2, 64),
			strconv.FormatInt(p.Sales, 10),
			strconv.FormatInt(p.CommentsCount, 10),
			p.ShopName, p.Category, p.URL,
			p.CrawlTime.Format("2006-01-02 15:04:05"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write product row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteComments appends comment rows.
func (s *Sink) WriteComments(_ context.Context, comments []spider.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.open(spider.KindComment)
	if err != nil {
		return err
	}
	for _, c := range comments {
		row := []string{
			c.CommentID, c.ProductID, c.UserID, c.Content,
			strconv.Itoa(c.Rating), c.CommentTime,
			strconv.FormatInt(c.UsefulVotes, 10),
			strconv.FormatInt(c.ReplyCount, 10),
			c.CrawlTime.Format("2006-01-02 15:04:05"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write comment row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteShops appends shop rows.
func (s *Sink) WriteShops(_ context.Context, shops []spider.Shop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.open(spider.KindShop)
	if err != nil {
		return err
	}
	for _, sh := range shops {
		row := []string{
			sh.ShopID, sh.ShopName, sh.ShopType,
			strconv.FormatFloat(sh.ScoreService, 'f', 1, 64),
			strconv.FormatFloat(sh.ScoreDelivery, 'f', 1, 64),
			sh.CrawlTime.Format("2006-01-02 15:04:05"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write shop row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// Close flushes and closes every open file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for key, f := range s.files {
		f.writer.Flush()
		errs = multierr.Append(errs, f.writer.Error())
		errs = multierr.Append(errs, f.file.Close())
		delete(s.files, key)
	}
	return errs
}
