// Package jsondoc writes normalized records to per-kind, per-day JSON files.
// Each file is a single JSON array; records are appended as the crawl runs
// and the array is terminated on Close.
package jsondoc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/spider"
)

type openFile struct {
	file    *os.File
	wrote   bool
	encoder *json.Encoder
}

// Sink is a spider.Sink writing array-wrapped JSON documents.
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
func (s *Sink) Name() string { return "json" }

// open returns the file for kind on the current day, writing the array
// opener on first use. Caller holds s.mu.
func (s *Sink) open(kind spider.RecordKind) (*openFile, error) {
	day := s.clock.Now().Format("20060102")
	key := string(kind) + ":" + day
	if f, ok := s.files[key]; ok {
		return f, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%ss_%s.json", kind, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}
	if _, err := file.WriteString("[\n"); err != nil {
		file.Close()
		return nil, fmt.Errorf("write array opener: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)

	f := &openFile{file: file, encoder: encoder}
	s.files[key] = f
	s.logger.Info("json file opened", zap.String("path", path))
	return f, nil
}

func (s *Sink) write(kind spider.RecordKind, records []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(kind)
	if err != nil {
		return err
	}
	for _, record := range records {
		if f.wrote {
			if _, err := f.file.WriteString(",\n"); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		if err := f.encoder.Encode(record); err != nil {
			return fmt.Errorf("encode %s record: %w", kind, err)
		}
		f.wrote = true
	}
	return nil
}

// WriteProducts appends products to the day's array.
func (s *Sink) WriteProducts(_ context.Context, products []spider.Product) error {
	records := make([]any, len(products))
	for i, p := range products {
		records[i] = p
	}
	return s.write(spider.KindProduct, records)
}

// WriteComments appends comments to the day's array.
func (s *Sink) WriteComments(_ context.Context, comments []spider.Comment) error {
	records := make([]any, len(comments))
	for i, c := range comments {
		records[i] = c
	}
	return s.write(spider.KindComment, records)
}

// WriteShops appends shops to the day's array.
func (s *Sink) WriteShops(_ context.Context, shops []spider.Shop) error {
	records := make([]any, len(shops))
	for i, sh := range shops {
		records[i] = sh
	}
	return s.write(spider.KindShop, records)
}

// Close terminates each open array and closes the files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for key, f := range s.files {
		if _, err := f.file.WriteString("]\n"); err != nil {
			errs = multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, f.file.Close())
		delete(s.files, key)
	}
	return errs
}
