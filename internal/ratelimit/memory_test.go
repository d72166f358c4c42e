package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

// backdate pretends key was last touched d ago.
func backdate(m *MemoryLimiter, key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[key].seen = time.Now().Add(-d)
}

func TestTake_BurstThenDelay(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		burst     int
		minDelay  time.Duration
		maxDelay  time.Duration
		allowed   int
		clientKey string
	}{
		{name: "api client", rate: 20, burst: 40, allowed: 40, minDelay: 40 * time.Millisecond, maxDelay: 50 * time.Millisecond, clientKey: "ip:10.0.0.7"},
		{name: "vendor pacer", rate: 2, burst: 1, allowed: 1, minDelay: 450 * time.Millisecond, maxDelay: 500 * time.Millisecond, clientKey: "steamiq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestLimiter(t, tt.rate, tt.burst)
			for i := 0; i < tt.allowed; i++ {
				ok, delay := m.take(tt.clientKey)
				require.True(t, ok, "request %d within burst", i)
				assert.Zero(t, delay)
			}
			ok, delay := m.take(tt.clientKey)
			require.False(t, ok)
			assert.GreaterOrEqual(t, delay, tt.minDelay)
			assert.LessOrEqual(t, delay, tt.maxDelay)
		})
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	m := newTestLimiter(t, 1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "ip:10.0.0.7")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "ip:10.0.0.7")
	require.False(t, ok)

	backdate(m, "ip:10.0.0.7", 1100*time.Millisecond)
	ok, _ = m.Allow(ctx, "ip:10.0.0.7")
	assert.True(t, ok, "one token after a second at 1 rps")
	ok, _ = m.Allow(ctx, "ip:10.0.0.7")
	assert.False(t, ok)
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	m := newTestLimiter(t, 100, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "ip:10.0.0.7")
	backdate(m, "ip:10.0.0.7", time.Hour)

	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "ip:10.0.0.7")
		require.True(t, ok, "request %d after idle", i)
	}
	ok, _ := m.Allow(ctx, "ip:10.0.0.7")
	assert.False(t, ok)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	m := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "ip:10.0.0.7")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "ip:10.0.0.7")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "ip:10.0.0.8")
	assert.True(t, ok)
}

func TestAllow_ConcurrentCallersShareBurst(t *testing.T) {
	m := newTestLimiter(t, 0.001, 25)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := m.Allow(ctx, "ip:10.0.0.7"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(25), allowed.Load())
}

func TestEvictStale(t *testing.T) {
	m := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "ip:10.0.0.7")
	_, _ = m.Allow(ctx, "steamiq")
	backdate(m, "ip:10.0.0.7", staleAfter+time.Minute)

	m.evictBefore(time.Now().Add(-staleAfter))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "ip:10.0.0.7")
	assert.Contains(t, m.buckets, "steamiq")
}

func TestDelay(t *testing.T) {
	m := newTestLimiter(t, 0.5, 1)
	ctx := context.Background()

	assert.Zero(t, m.Delay("ip:10.0.0.7"), "unknown key")
	ok, _ := m.Allow(ctx, "ip:10.0.0.7")
	require.True(t, ok)

	d := m.Delay("ip:10.0.0.7")
	assert.Greater(t, d, 1900*time.Millisecond)
	assert.LessOrEqual(t, d, 2*time.Second)

	// Delay does not consume.
	backdate(m, "ip:10.0.0.7", 3*time.Second)
	assert.Zero(t, m.Delay("ip:10.0.0.7"))
	ok, _ = m.Allow(ctx, "ip:10.0.0.7")
	assert.True(t, ok)
}

func TestClose_Idempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "ip:10.0.0.7")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
