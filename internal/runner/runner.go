// Package runner drives periodic evaluation of every registered trap: it
// fetches new telemetry, runs it through the engine, exports and publishes
// the results and persists the trap's state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/trapwatch/internal/config"
	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/publish"
	"github.com/ashita-ai/trapwatch/internal/storage"
	"github.com/ashita-ai/trapwatch/internal/telemetry"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still going.
var ErrRunInProgress = errors.New("runner: a run is already in progress")

// SampleSource fetches hourly telemetry for a sensor device. Bounds are
// inclusive.
type SampleSource interface {
	FetchSamples(ctx context.Context, deviceID string, from, to time.Time) ([]model.RawSample, error)
}

// PublisherPool hands out publishers per hub connection string.
type PublisherPool interface {
	Get(ctx context.Context, conn string) (publish.Publisher, error)
	Close() error
}

// Config wires a Runner.
type Config struct {
	// TrapsFile is the registry, re-read at the start of every run.
	TrapsFile string

	Source SampleSource
	Store  storage.StateStore

	// NewPublishers opens a pool for one run; the pool is closed when the
	// run ends.
	NewPublishers func() (PublisherPool, error)

	// ChunkSize is the number of samples evaluated, published and persisted
	// together. Defaults to 100.
	ChunkSize int

	// FetchWindow bounds the time range of one telemetry request so that
	// the vendor's point limit is never hit. Defaults to 20000 hours.
	FetchWindow time.Duration

	// Concurrency is the number of traps processed in parallel. Defaults to 1.
	Concurrency int

	Instruments *telemetry.Instruments
	Logger      *slog.Logger

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Runner evaluates all registered traps. At most one run is active at a time.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	bg      sync.WaitGroup

	mu   sync.Mutex
	last *model.RunSummary
}

const (
	defaultChunkSize   = 100
	defaultFetchWindow = 20000 * time.Hour
)

// New validates cfg and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Source == nil || cfg.Store == nil || cfg.NewPublishers == nil {
		return nil, fmt.Errorf("runner: source, store and publishers are required")
	}
	if cfg.TrapsFile == "" {
		return nil, fmt.Errorf("runner: traps file is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.FetchWindow <= 0 {
		cfg.FetchWindow = defaultFetchWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Instruments == nil {
		inst, err := telemetry.NewInstruments(telemetry.Meter())
		if err != nil {
			return nil, err
		}
		cfg.Instruments = inst
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}, nil
}

// LastRun returns the summary of the most recent run, if any.
func (r *Runner) LastRun() (model.RunSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return model.RunSummary{}, false
	}
	return *r.last, true
}

func (r *Runner) setLast(s model.RunSummary) {
	r.mu.Lock()
	r.last = &s
	r.mu.Unlock()
}

// Start launches a run in the background and returns its id. ctx bounds
// the run, so pass a long-lived context rather than a request's.
func (r *Runner) Start(ctx context.Context) (uuid.UUID, error) {
	if !r.running.CompareAndSwap(false, true) {
		return uuid.Nil, ErrRunInProgress
	}
	id := uuid.New()
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.running.Store(false)
		if _, err := r.run(ctx, id); err != nil {
			r.logger.Error("runner: background run failed", "run_id", id, "error", err)
		}
	}()
	return id, nil
}

// Wait blocks until every run launched by Start has returned.
func (r *Runner) Wait() {
	r.bg.Wait()
}

// RunOnce processes every registered trap and returns when all are done.
// Per-trap failures are logged and counted in the summary; an error is
// returned only when the run could not start at all.
func (r *Runner) RunOnce(ctx context.Context) (model.RunSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return model.RunSummary{}, ErrRunInProgress
	}
	defer r.running.Store(false)
	return r.run(ctx, uuid.New())
}

// Loop runs immediately and then every interval until ctx is cancelled.
// Runs that overlap a manual one are skipped.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	tick := func() {
		sum, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrRunInProgress):
			r.logger.Info("runner: scheduled run skipped, previous run still active")
		case err != nil:
			r.logger.Error("runner: scheduled run failed", "error", err)
		default:
			r.logger.Info("runner: scheduled run complete",
				"run_id", sum.RunID, "traps", sum.Traps, "failed", sum.Failed, "samples", sum.Samples)
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (r *Runner) run(ctx context.Context, id uuid.UUID) (model.RunSummary, error) {
	started := r.cfg.Now()
	sum := model.RunSummary{RunID: id, Status: model.RunStatusRunning, StartedAt: started.UTC()}
	r.setLast(sum)

	finish := func(status model.RunStatus) {
		done := r.cfg.Now().UTC()
		sum.Status = status
		sum.CompletedAt = &done
		r.setLast(sum)
		r.cfg.Instruments.RunDuration.Record(ctx, done.Sub(started).Seconds(),
			metric.WithAttributes(attribute.String("status", string(status))))
	}

	reg, err := config.LoadRegistry(r.cfg.TrapsFile)
	if err != nil {
		finish(model.RunStatusFailed)
		return sum, err
	}
	pubs, err := r.cfg.NewPublishers()
	if err != nil {
		finish(model.RunStatusFailed)
		return sum, fmt.Errorf("runner: open publishers: %w", err)
	}
	defer func() {
		if err := pubs.Close(); err != nil {
			r.logger.Warn("runner: close publishers", "error", err)
		}
	}()

	r.logger.Info("runner: run started", "run_id", id, "traps", len(reg.Traps))

	var (
		failed  atomic.Int64
		samples atomic.Int64
	)
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, trap := range reg.Traps {
		g.Go(func() error {
			n, err := r.processTrap(ctx, trap, pubs)
			samples.Add(int64(n))
			if err != nil {
				failed.Add(1)
				r.cfg.Instruments.TrapFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("trap_id", trap.ID)))
				r.logger.Error("runner: trap failed", "run_id", id, "trap_id", trap.ID, "samples", n, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Traps = len(reg.Traps)
	sum.Failed = int(failed.Load())
	sum.Samples = int(samples.Load())
	finish(model.RunStatusCompleted)

	r.logger.Info("runner: run finished", "run_id", id, "traps", sum.Traps, "failed", sum.Failed,
		"samples", sum.Samples, "duration", sum.CompletedAt.Sub(started))
	return sum, nil
}

// processTrap brings one trap up to date and returns the number of samples
// it evaluated.
func (r *Runner) processTrap(ctx context.Context, trap config.Trap, pubs PublisherPool) (n int, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.trap")
	defer func() {
		span.SetAttributes(attribute.Int("samples", n))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("trap_id", trap.ID))

	history, err := config.LoadConfigHistory(trap.InfoFile)
	if err != nil {
		return 0, err
	}

	state, err := r.loadState(ctx, trap.ID)
	if err != nil {
		return 0, err
	}

	start := history[0].ValidFrom
	if last, ok := state.LastSample(); ok {
		start = last.Timestamp.Add(time.Millisecond)
	}
	now := r.cfg.Now().UTC()

	conn := trap.HubConnection()
	if conn == "" && trap.HubConnectionRef != "" {
		return 0, fmt.Errorf("runner: hub connection %s is not set", trap.HubConnectionRef)
	}
	pub, err := pubs.Get(ctx, conn)
	if err != nil {
		return 0, err
	}

	p := &trapPipeline{
		runner:  r,
		trap:    trap,
		history: history,
		state:   state,
		pub:     pub,
	}

	for _, ds := range history.DeviceSpans() {
		from := ds.From
		if start.After(from) {
			from = start
		}
		to := now
		if !ds.Until.IsZero() {
			to = ds.Until.Add(-time.Millisecond)
		}
		if from.After(to) {
			continue
		}
		if err := p.device(ctx, ds.DeviceID, from, to); err != nil {
			return p.evaluated, err
		}
	}
	return p.evaluated, nil
}

func (r *Runner) loadState(ctx context.Context, trapID string) (model.RetainedState, error) {
	snap, err := r.cfg.Store.Load(ctx, trapID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Info("runner: no stored state, starting fresh", "trap_id", trapID)
		return model.NewRetainedState(), nil
	}
	if err != nil {
		return model.RetainedState{}, err
	}
	return snap.State, nil
}
