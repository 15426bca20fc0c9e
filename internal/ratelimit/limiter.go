// Package ratelimit provides per-key token-bucket rate limiting over a
// bounded LRU, so an adversary registering many unique keys cannot grow
// memory without bound.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config configures per-key limiting.
type Config struct {
	// RequestsPerMinute is the sustained allowance per key.
	RequestsPerMinute int
	// Burst is the bucket capacity. Zero defaults to RequestsPerMinute.
	Burst int
	// MaxKeys caps the number of tracked keys (LRU eviction beyond it).
	MaxKeys int
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, MaxKeys: 4096}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter tracks one token bucket per key in a bounded LRU.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

// NewLimiter creates a limiter. It panics only on a non-positive MaxKeys
// after defaulting, which cannot happen through DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 4096
	}
	cache, err := lru.New[string, *bucket](cfg.MaxKeys)
	if err != nil {
		panic(err)
	}
	return &Limiter{cfg: cfg, buckets: cache}
}

// Allow reports whether one request for key is within the limit, consuming
// a token when it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{
			tokens:     float64(l.cfg.Burst),
			maxTokens:  float64(l.cfg.Burst),
			refillRate: float64(l.cfg.RequestsPerMinute) / 60.0,
			lastRefill: time.Now(),
		}
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()

	return b.allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}

// Reset drops the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets.Remove(key)
}
