// Package pool implements health-scored rotation pools for the shared crawl
// resources: egress points, client identities, and session tokens.
package pool

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/spider"
)

// ErrPoolExhausted is returned by Acquire when every resource is evicted, in
// cooldown, expired, or at its checkout cap.
var ErrPoolExhausted = errors.New("pool: no eligible resource")

// Options tune a pool's health and rotation behavior.
type Options struct {
	// CheckoutCap bounds concurrent leases per resource. Zero means no cap.
	CheckoutCap int
	// FailStreak is how many consecutive failures send a resource into
	// cooldown.
	FailStreak int
	// Cooldown is how long a fail-streaked resource sits out.
	Cooldown time.Duration
	// HealthFloor permanently evicts a resource whose health drops below it.
	HealthFloor float64
	// SuccessGain is the fraction of remaining headroom recovered per
	// success: h += gain * (1 - h).
	SuccessGain float64
	// FailureDecay is the fraction of health lost per failure: h *= 1 - decay.
	FailureDecay float64
}

type resource[T any] struct {
	key           string
	value         T
	health        float64
	checkouts     int
	failStreak    int
	cooldownUntil time.Time
	expiresAt     time.Time
	evicted       bool
}

// Pool holds rotating resources selected by weighted random over health.
// All methods are safe for concurrent use.
type Pool[T any] struct {
	mu        sync.Mutex
	name      string
	opts      Options
	clock     spider.Clock
	logger    *zap.Logger
	resources map[string]*resource[T]
	order     []string
	// factory mints a replacement resource when the pool runs dry. Nil for
	// pools with a fixed roster.
	factory func() (string, T, time.Duration)
}

// New builds an empty pool. factory may be nil.
func New[T any](name string, opts Options, logger *zap.Logger, clock spider.Clock, factory func() (string, T, time.Duration)) *Pool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = spider.SystemClock{}
	}
	return &Pool[T]{
		name:      name,
		opts:      opts,
		clock:     clock,
		logger:    logger.With(zap.String("pool", name)),
		resources: make(map[string]*resource[T]),
		factory:   factory,
	}
}

// Add registers a resource at full health. Re-adding an evicted key revives
// it fresh.
func (p *Pool[T]) Add(key string, value T) {
	p.AddWithTTL(key, value, 0)
}

// AddWithTTL registers a resource that silently expires after ttl. Zero ttl
// means no expiry.
func (p *Pool[T]) AddWithTTL(key string, value T, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resources[key]; !ok {
		p.order = append(p.order, key)
	}
	r := &resource[T]{key: key, value: value, health: 1.0}
	if ttl > 0 {
		r.expiresAt = p.clock.Now().Add(ttl)
	}
	p.resources[key] = r
}

// Lease is one checked-out resource. Exactly one of Succeed, Fail, or
// Blocked must be called when the borrowing request finishes.
type Lease[T any] struct {
	Key   string
	Value T
	pool  *Pool[T]
}

func (p *Pool[T]) eligible(r *resource[T], now time.Time) bool {
	if r.evicted {
		return false
	}
	if !r.cooldownUntil.IsZero() && now.Before(r.cooldownUntil) {
		return false
	}
	if !r.expiresAt.IsZero() && now.After(r.expiresAt) {
		return false
	}
	if p.opts.CheckoutCap > 0 && r.checkouts >= p.opts.CheckoutCap {
		return false
	}
	return true
}

// Acquire checks out one resource, weighted random by health among the
// eligible ones. When none is eligible and a factory is configured, a fresh
// resource is minted instead of failing.
func (p *Pool[T]) Acquire() (Lease[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var total float64
	for _, key := range p.order {
		if r := p.resources[key]; p.eligible(r, now) {
			total += r.health
		}
	}

	if total <= 0 {
		if p.factory == nil {
			return Lease[T]{}, ErrPoolExhausted
		}
		// Minting replaces dead resources; drop them so a long-running
		// factory pool does not grow without bound.
		p.prune(now)
		key, value, ttl := p.factory()
		r := &resource[T]{key: key, value: value, health: 1.0, checkouts: 1}
		if ttl > 0 {
			r.expiresAt = now.Add(ttl)
		}
		if _, ok := p.resources[key]; !ok {
			p.order = append(p.order, key)
		}
		p.resources[key] = r
		p.logger.Debug("minted replacement resource", zap.String("key", key))
		return Lease[T]{Key: key, Value: value, pool: p}, nil
	}

	pick := rand.Float64() * total
	for _, key := range p.order {
		r := p.resources[key]
		if !p.eligible(r, now) {
			continue
		}
		pick -= r.health
		if pick <= 0 {
			r.checkouts++
			return Lease[T]{Key: r.key, Value: r.value, pool: p}, nil
		}
	}
	// Float rounding can leave pick barely positive; fall back to the last
	// eligible resource.
	for i := len(p.order) - 1; i >= 0; i-- {
		r := p.resources[p.order[i]]
		if p.eligible(r, now) {
			r.checkouts++
			return Lease[T]{Key: r.key, Value: r.value, pool: p}, nil
		}
	}
	return Lease[T]{}, ErrPoolExhausted
}

// prune removes evicted and expired resources that are not checked out.
// Caller holds p.mu.
func (p *Pool[T]) prune(now time.Time) {
	kept := p.order[:0]
	for _, key := range p.order {
		r := p.resources[key]
		expired := !r.expiresAt.IsZero() && now.After(r.expiresAt)
		if r.checkouts == 0 && (r.evicted || expired) {
			delete(p.resources, key)
			continue
		}
		kept = append(kept, key)
	}
	p.order = kept
}

// Succeed returns the lease and rewards the resource.
func (l Lease[T]) Succeed() { l.pool.release(l.Key, true, false) }

// Fail returns the lease and decays the resource's health.
func (l Lease[T]) Fail() { l.pool.release(l.Key, false, false) }

// Blocked returns the lease, decays health, and puts the resource straight
// into cooldown regardless of its fail streak.
func (l Lease[T]) Blocked() { l.pool.release(l.Key, false, true) }

func (p *Pool[T]) release(key string, success, blocked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.resources[key]
	if !ok {
		return
	}
	if r.checkouts > 0 {
		r.checkouts--
	}

	if success {
		r.health += p.opts.SuccessGain * (1 - r.health)
		r.failStreak = 0
		return
	}

	r.health *= 1 - p.opts.FailureDecay
	r.failStreak++

	if r.health < p.opts.HealthFloor {
		r.evicted = true
		p.logger.Warn("resource evicted", zap.String("key", key), zap.Float64("health", r.health))
		return
	}
	if blocked || (p.opts.FailStreak > 0 && r.failStreak >= p.opts.FailStreak) {
		r.cooldownUntil = p.clock.Now().Add(p.opts.Cooldown)
		r.failStreak = 0
		p.logger.Info("resource cooling down",
			zap.String("key", key),
			zap.Float64("health", r.health),
			zap.Duration("cooldown", p.opts.Cooldown))
	}
}

// Cooldown sidelines a resource for d without touching its health. Used when
// an external signal implicates a resource outside its own lease.
func (p *Pool[T]) Cooldown(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[key]; ok {
		r.cooldownUntil = p.clock.Now().Add(d)
	}
}

// Health reports the current health of a resource, or -1 if unknown.
func (p *Pool[T]) Health(key string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[key]; ok {
		return r.health
	}
	return -1
}

// Available counts resources currently eligible for checkout.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := 0
	for _, key := range p.order {
		if p.eligible(p.resources[key], now) {
			n++
		}
	}
	return n
}
