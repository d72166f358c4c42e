// Package ratelimit provides a pluggable rate limiting interface.
//
// MemoryLimiter is an in-memory token bucket. The status API uses it to
// reject excess requests per client IP; the vendor API client and the hub
// publishers use it to pace their own outbound calls.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "ip:10.0.0.7").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Waiter blocks until a call identified by key may proceed.
type Waiter interface {
	// Wait returns nil once a token was taken, or ctx.Err() if the
	// context ends first.
	Wait(ctx context.Context, key string) error
}

// Wait never blocks.
func (NoopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }
