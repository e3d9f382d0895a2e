package ratelimit

import (
	"sync"
	"time"
)

// RequestConfig configures per-owner request throttling at the API edge.
type RequestConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether throttling is active.
	Enabled bool `yaml:"enabled"`
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

func newBucket(config RequestConfig, now func() time.Time) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: now(),
		now:        now,
	}
}

// take consumes one token or reports how long until one is available.
func (b *Bucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / b.refillRate
	return false, time.Duration(wait * float64(time.Second))
}

func (b *Bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

// RequestLimiter throttles requests per key (owner id or remote address).
type RequestLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  RequestConfig
	maxKeys int
	now     func() time.Time
}

// NewRequestLimiter creates a keyed limiter.
func NewRequestLimiter(config RequestConfig) *RequestLimiter {
	return &RequestLimiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed, and otherwise how long to wait.
func (l *RequestLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.config.Enabled {
		return true, 0
	}
	return l.getBucket(key).take()
}

// getBucket returns or creates a bucket for the given key.
func (l *RequestLimiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	bucket = newBucket(l.config, l.now)
	l.buckets[key] = bucket
	return bucket
}

// prune drops buckets idle long enough to have refilled completely.
func (l *RequestLimiter) prune() {
	rate := l.config.RequestsPerSecond
	if rate <= 0 {
		rate = 10
	}
	full := time.Duration(float64(l.config.BurstSize) / rate * float64(time.Second))
	cutoff := l.now().Add(-full)
	for key, bucket := range l.buckets {
		if bucket.idleSince().Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
