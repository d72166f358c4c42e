// Package publish delivers evaluation payloads to the hub that feeds the
// plant dashboards. Drivers exist for MQTT brokers (including Azure IoT Hub
// device connections), Kafka, the application log, and a no-op sink.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/trapwatch/internal/ratelimit"
)

// Publisher sends one payload on behalf of a trap.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, trapID string, payload []byte) error
	Close() error
}

// NoopPublisher discards every payload.
type NoopPublisher struct{}

// Publish discards payload.
func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }

// LogPublisher writes a line per payload to the logger instead of sending it.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs the payload.
func (p LogPublisher) Publish(ctx context.Context, trapID string, payload []byte) error {
	p.Logger.InfoContext(ctx, "publish: payload", "trap_id", trapID, "bytes", len(payload), "payload", string(payload))
	return nil
}

// Close is a no-op.
func (LogPublisher) Close() error { return nil }

// paced waits on a shared pacer before each publish. Hubs throttle devices
// that send faster than their tier allows.
type paced struct {
	Publisher
	pacer ratelimit.Waiter
	key   string
}

func (p paced) Publish(ctx context.Context, trapID string, payload []byte) error {
	if err := p.pacer.Wait(ctx, p.key); err != nil {
		return fmt.Errorf("publish: wait for slot: %w", err)
	}
	return p.Publisher.Publish(ctx, trapID, payload)
}

// Driver names.
const (
	DriverMQTT  = "mqtt"
	DriverKafka = "kafka"
	DriverLog   = "log"
	DriverNone  = "none"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Driver string

	// Interval is the minimum pause between two messages on one connection.
	// Zero disables pacing.
	Interval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	Logger *slog.Logger
}

// Pool opens publishers lazily and caches them by connection string, so
// traps sharing a hub device share one connection and one pacing budget.
type Pool struct {
	cfg    PoolConfig
	pacer  *ratelimit.MemoryLimiter
	logger *slog.Logger

	// dial opens an MQTT publisher; replaced in tests.
	dial func(ctx context.Context, conn string) (Publisher, error)

	mu   sync.Mutex
	pubs map[string]Publisher
}

// NewPool validates cfg and returns an empty pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	switch cfg.Driver {
	case DriverMQTT, DriverLog, DriverNone:
	case DriverKafka:
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, fmt.Errorf("publish: kafka driver needs brokers and a topic")
		}
	default:
		return nil, fmt.Errorf("publish: unknown driver %q", cfg.Driver)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		pubs:   make(map[string]Publisher),
	}
	p.dial = func(ctx context.Context, conn string) (Publisher, error) {
		pub, err := DialMQTT(ctx, conn, logger)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	if cfg.Interval > 0 {
		p.pacer = ratelimit.NewMemoryLimiter(1/cfg.Interval.Seconds(), 1)
	}
	return p, nil
}

// Get returns the publisher for a hub connection string, opening it on
// first use. An empty connection string yields a NoopPublisher for the
// mqtt driver, which has nowhere to send to.
func (p *Pool) Get(ctx context.Context, conn string) (Publisher, error) {
	key := conn
	if p.cfg.Driver == DriverKafka {
		// One writer serves every trap; messages are keyed by trap id.
		key = DriverKafka
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pub, ok := p.pubs[key]; ok {
		return pub, nil
	}

	var pub Publisher
	switch p.cfg.Driver {
	case DriverNone:
		pub = NoopPublisher{}
	case DriverLog:
		pub = LogPublisher{Logger: p.logger}
	case DriverKafka:
		pub = NewKafkaPublisher(p.cfg.KafkaBrokers, p.cfg.KafkaTopic)
	case DriverMQTT:
		if conn == "" {
			pub = NoopPublisher{}
			break
		}
		var err error
		pub, err = p.dial(ctx, conn)
		if err != nil {
			return nil, err
		}
	}

	if p.pacer != nil {
		pub = paced{Publisher: pub, pacer: p.pacer, key: key}
	}
	p.pubs[key] = pub
	return pub, nil
}

// Close closes every cached publisher and stops pacing.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, pub := range p.pubs {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.pubs, key)
	}
	if p.pacer != nil {
		_ = p.pacer.Close()
	}
	return errors.Join(errs...)
}
