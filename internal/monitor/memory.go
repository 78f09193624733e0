package monitor

import (
	"context"
	"sync"

	"github.com/zhoudan/ecomspider/internal/spider"
)

type dayCounters struct {
	requests map[string]int64
	items    map[string]int64
	sources  map[string]map[string]int64
}

// MemoryStats is an in-process spider.StatsStore for tests and dry runs.
type MemoryStats struct {
	mu    sync.Mutex
	clock spider.Clock
	days  map[string]*dayCounters
}

// NewMemoryStats builds an empty MemoryStats.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		clock: spider.SystemClock{},
		days:  make(map[string]*dayCounters),
	}
}

// WithClock overrides the store's clock. Test hook.
func (s *MemoryStats) WithClock(clock spider.Clock) *MemoryStats {
	s.clock = clock
	return s
}

func (s *MemoryStats) counters(day string) *dayCounters {
	c, ok := s.days[day]
	if !ok {
		c = &dayCounters{
			requests: make(map[string]int64),
			items:    make(map[string]int64),
			sources:  make(map[string]map[string]int64),
		}
		s.days[day] = c
	}
	return c
}

// IncrRequest bumps the day's request counters, total and per source.
func (s *MemoryStats) IncrRequest(_ context.Context, source string, result spider.RequestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(s.clock.Now().Format(dayFormat))
	c.requests["total"]++
	c.requests[string(result)]++
	src, ok := c.sources[source]
	if !ok {
		src = make(map[string]int64)
		c.sources[source] = src
	}
	src["total"]++
	src[string(result)]++
	return nil
}

// IncrItems bumps the day's committed-item counter for a kind.
func (s *MemoryStats) IncrItems(_ context.Context, kind spider.RecordKind, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(s.clock.Now().Format(dayFormat)).items[string(kind)] += int64(n)
	return nil
}

// IncrRejected bumps the day's rejected-record counter for a kind.
func (s *MemoryStats) IncrRejected(_ context.Context, kind spider.RecordKind, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(s.clock.Now().Format(dayFormat)).items["rejected:"+string(kind)] += int64(n)
	return nil
}

// Snapshot reads back all counters for a day. Empty day means today.
func (s *MemoryStats) Snapshot(_ context.Context, day string) (spider.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day == "" {
		day = s.clock.Now().Format(dayFormat)
	}
	c := s.counters(day)

	out := spider.DailyStats{
		Day:      day,
		Requests: make(map[string]int64, len(c.requests)),
		Items:    make(map[string]int64, len(c.items)),
		Sources:  make(map[string]map[string]int64, len(c.sources)),
	}
	for k, v := range c.requests {
		out.Requests[k] = v
	}
	for k, v := range c.items {
		out.Items[k] = v
	}
	for source, counters := range c.sources {
		copied := make(map[string]int64, len(counters))
		for k, v := range counters {
			copied[k] = v
		}
		out.Sources[source] = copied
	}
	return out, nil
}
