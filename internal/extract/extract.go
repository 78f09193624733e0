// Package extract turns fetched pages into raw records and derived follow-up
// tasks. One SiteExtractor handles all task kinds for a source; a Registry
// maps source names to extractors so adding a source never branches the
// worker loop.
package extract

import (
	"fmt"
	"sync"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// Options cap how far an extractor follows a listing.
type Options struct {
	// MaxPages bounds search-result pagination per keyword.
	MaxPages int
	// MaxComments bounds comment pages followed per product.
	MaxComments int
}

// Registry maps source names to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]spider.Extractor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]spider.Extractor)}
}

// Register installs the extractor for a source, replacing any previous one.
func (r *Registry) Register(source string, e spider.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[source] = e
}

// Lookup returns the extractor for a source.
func (r *Registry) Lookup(source string) (spider.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[source]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for source %q", source)
	}
	return e, nil
}

// SiteExtractor is a spider.Extractor for one marketplace source. Search and
// comment endpoints serve JSON payloads; detail and shop pages are HTML.
type SiteExtractor struct {
	source string
	opts   Options
}

// NewSite builds a SiteExtractor.
func NewSite(source string, opts Options) *SiteExtractor {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10
	}
	if opts.MaxComments <= 0 {
		opts.MaxComments = 5
	}
	return &SiteExtractor{source: source, opts: opts}
}

// Extract dispatches on the task kind that produced the outcome.
func (e *SiteExtractor) Extract(outcome spider.FetchOutcome) (spider.ExtractResult, error) {
	switch outcome.Task.Kind {
	case spider.TaskSearch:
		return e.extractSearch(outcome)
	case spider.TaskProduct:
		return e.extractProduct(outcome)
	case spider.TaskComment:
		return e.extractComments(outcome)
	case spider.TaskShop:
		return e.extractShop(outcome)
	default:
		return spider.ExtractResult{}, fmt.Errorf("unknown task kind %q", outcome.Task.Kind)
	}
}
