package ratelimit

import (
	"context"
	"sync"
	"time"
)

// staleAfter is how long an untouched bucket survives before eviction. An
// evicted key starts over with a full bucket.
const staleAfter = 10 * time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// refill credits the tokens earned since the bucket was last seen.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
}

// MemoryLimiter is a token bucket per key, held in process memory.
// Buckets refill at rate tokens per second up to burst. The status API
// keys it by client IP; the vendor client uses a single fixed key.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter returns a limiter allowing rate calls per second per key
// with bursts of up to burst calls. It runs an eviction goroutine until
// Close is called.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow takes a token for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	ok, _ := m.take(key)
	return ok, nil
}

// Wait blocks until it can take a token for key or ctx ends.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, delay := m.take(key)
		if ok {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay reports how long key has to wait for its next token. It consumes
// nothing.
func (m *MemoryLimiter) Delay(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0
	}
	b.refill(time.Now(), m.rate, m.burst)
	return m.shortfall(b)
}

// take consumes one token for key. When the bucket is empty it returns
// false and the time until a whole token is available.
func (m *MemoryLimiter) take(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	} else {
		b.refill(now, m.rate, m.burst)
	}

	if b.tokens < 1 {
		return false, m.shortfall(b)
	}
	b.tokens--
	return true, 0
}

func (m *MemoryLimiter) shortfall(b *bucket) time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / m.rate * float64(time.Second))
}

// Close stops the eviction goroutine. It may be called more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.evictBefore(now.Add(-staleAfter))
		}
	}
}

func (m *MemoryLimiter) evictBefore(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
