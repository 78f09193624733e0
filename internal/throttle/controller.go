// Package throttle implements the adaptive per-source rate and concurrency
// controller. Workers gate every fetch through Wait and feed every outcome
// back through Report; the controller widens or narrows the source's
// concurrency and inter-request delay from the rolling error rate.
package throttle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhoudan/ecomspider/internal/config"
	"github.com/zhoudan/ecomspider/internal/spider"
)

// Blocked outcomes push the error rate harder than plain failures.
const blockedWeight = 2.0

type stateKey struct {
	source string
	role   spider.Role
}

type state struct {
	mu   sync.Mutex
	cfg  config.SourceConfig
	gate *gate

	limiter *rate.Limiter
	delay   time.Duration

	window  []float64
	widx    int
	wcount  int
	reports int
	calm    int

	logger *zap.Logger
}

// Controller holds independent adaptive state per (source, role).
type Controller struct {
	mu      sync.Mutex
	states  map[stateKey]*state
	sources map[string]config.SourceConfig
	logger  *zap.Logger
}

// New builds a Controller over the per-source config table.
func New(sources map[string]config.SourceConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		states:  make(map[stateKey]*state),
		sources: sources,
		logger:  logger,
	}
}

func (c *Controller) state(source string, role spider.Role) *state {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey{source: source, role: role}
	if s, ok := c.states[key]; ok {
		return s
	}

	cfg, ok := c.sources[source]
	if !ok {
		cfg = config.SourceConfig{
			ConcurrencyCeiling: 8,
			ConcurrencyFloor:   1,
			BaseDelayMs:        1000,
			MinDelayMs:         250,
			MaxDelayMs:         30000,
			ErrorRateHigh:      0.5,
			ErrorRateLow:       0.1,
			WindowSize:         50,
			RecomputeEvery:     10,
			CalmStreak:         3,
		}
	}

	delay := cfg.BaseDelay()
	s := &state{
		cfg:     cfg,
		gate:    newGate(cfg.ConcurrencyCeiling),
		limiter: rate.NewLimiter(limitFor(delay), 1),
		delay:   delay,
		window:  make([]float64, cfg.WindowSize),
		logger: c.logger.With(
			zap.String("source", source),
			zap.String("role", string(role))),
	}
	c.states[key] = s
	return s
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until the caller holds a concurrency slot and the pacing
// limiter admits a request. The slot is released by Done. A canceled context
// returns its error with no slot held.
func (c *Controller) Wait(ctx context.Context, source string, role spider.Role) error {
	s := c.state(source, role)
	if err := s.gate.acquire(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		s.gate.release()
		return err
	}
	return nil
}

// Done releases the concurrency slot taken by Wait.
func (c *Controller) Done(source string, role spider.Role) {
	c.state(source, role).gate.release()
}

// Report records one request outcome. It never blocks the reporting worker
// beyond a short mutex hold.
func (c *Controller) Report(source string, role spider.Role, result spider.RequestResult) {
	s := c.state(source, role)

	var weight float64
	switch result {
	case spider.ResultFailure:
		weight = 1
	case spider.ResultBlocked:
		weight = blockedWeight
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window[s.widx] = weight
	s.widx = (s.widx + 1) % len(s.window)
	if s.wcount < len(s.window) {
		s.wcount++
	}

	s.reports++
	if s.reports%s.cfg.RecomputeEvery == 0 {
		s.recompute()
	}
}

// recompute applies the backoff/recovery rules. Caller holds s.mu.
func (s *state) recompute() {
	var sum float64
	for i := 0; i < s.wcount; i++ {
		sum += s.window[i]
	}
	errRate := sum / float64(s.wcount)
	if errRate > 1 {
		errRate = 1
	}

	switch {
	case errRate >= s.cfg.ErrorRateHigh:
		s.calm = 0
		newLimit := s.gate.limit() / 2
		if newLimit < s.cfg.ConcurrencyFloor {
			newLimit = s.cfg.ConcurrencyFloor
		}
		s.gate.resize(newLimit)
		s.delay *= 2
		if s.delay > s.cfg.MaxDelay() {
			s.delay = s.cfg.MaxDelay()
		}
		s.limiter.SetLimit(limitFor(s.delay))
		s.logger.Warn("backing off",
			zap.Float64("error_rate", errRate),
			zap.Int("concurrency", newLimit),
			zap.Duration("delay", s.delay))

	case errRate <= s.cfg.ErrorRateLow:
		s.calm++
		if s.calm < s.cfg.CalmStreak {
			return
		}
		s.calm = 0
		newLimit := s.gate.limit() + 1
		if newLimit > s.cfg.ConcurrencyCeiling {
			newLimit = s.cfg.ConcurrencyCeiling
		}
		s.gate.resize(newLimit)
		s.delay /= 2
		if s.delay < s.cfg.MinDelay() {
			s.delay = s.cfg.MinDelay()
		}
		s.limiter.SetLimit(limitFor(s.delay))
		s.logger.Info("recovering",
			zap.Float64("error_rate", errRate),
			zap.Int("concurrency", newLimit),
			zap.Duration("delay", s.delay))

	default:
		s.calm = 0
	}
}

// Snapshot reports the current concurrency limit and delay for a source.
func (c *Controller) Snapshot(source string, role spider.Role) (int, time.Duration) {
	s := c.state(source, role)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.limit(), s.delay
}
