// Package trapwatch is the public API for embedding the trapwatch steam trap
// monitor.
//
// Operators and integrators import this package to construct and extend the
// service without forking it:
//
//	app, err := trapwatch.New(ctx,
//	    trapwatch.WithVersion(version),
//	    trapwatch.WithLogger(logger),
//	    trapwatch.WithSampleSource(mySensorGateway),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph keeps one direction: trapwatch (root) imports internal/*,
// but internal/* never imports trapwatch (root). Public types (Sample,
// RunSummary) are standalone structs; the conversion helpers live here
// because this is the only file that sees both sides of the boundary.
package trapwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/trapwatch/api"
	"github.com/ashita-ai/trapwatch/internal/config"
	"github.com/ashita-ai/trapwatch/internal/mcp"
	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/publish"
	"github.com/ashita-ai/trapwatch/internal/ratelimit"
	"github.com/ashita-ai/trapwatch/internal/runner"
	"github.com/ashita-ai/trapwatch/internal/server"
	"github.com/ashita-ai/trapwatch/internal/service/traps"
	"github.com/ashita-ai/trapwatch/internal/steamiq"
	"github.com/ashita-ai/trapwatch/internal/storage"
	"github.com/ashita-ai/trapwatch/internal/telemetry"
)

// ErrRunsDisabled is returned by RunOnce when no telemetry source is
// configured.
var ErrRunsDisabled = errors.New("trapwatch: runs are disabled, no telemetry source configured")

const shutdownTimeout = 15 * time.Second

// App is the trapwatch lifecycle. Construct with New(), run with Run() or
// RunOnce(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.StateStore
	runner       *runner.Runner // nil when runs are disabled
	srv          *server.Server
	pacer        *ratelimit.MemoryLimiter // nil with an external sample source
	limiter      *ratelimit.MemoryLimiter // nil when rate limiting is disabled
	cancelRuns   context.CancelFunc
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	closeOnce    sync.Once
}

// New loads configuration, opens the state store and wires every subsystem.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.StateDriver = config.StateDriverPostgres
	}
	if o.trapsFile != "" {
		cfg.TrapsFile = o.trapsFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("trapwatch starting", "version", version, "state_driver", cfg.StateDriver, "publish_driver", cfg.PublishDriver)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	instruments, err := telemetry.NewInstruments(telemetry.Meter())
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.StateDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Dir:         cfg.StateDir,
		Logger:      logger,
	})
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{
		cfg:          cfg,
		store:        store,
		otelShutdown: otelShutdown,
		logger:       logger,
	}

	// Telemetry source: an embedded gateway wins over the vendor API.
	var source runner.SampleSource
	switch {
	case o.sampleSource != nil:
		source = &sampleSourceAdapter{src: o.sampleSource}
	case cfg.ValidateForRuns() == nil:
		a.pacer = ratelimit.NewMemoryLimiter(cfg.SteamIQRPS, 1)
		client, err := steamiq.NewClient(steamiq.Config{
			BaseURL:   cfg.SteamIQBaseURL,
			Username:  cfg.SteamIQUsername,
			Password:  cfg.SteamIQPassword,
			Timeout:   cfg.SteamIQTimeout,
			MaxPoints: cfg.SteamIQMaxPoints,
			Pacer:     a.pacer,
			Logger:    logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		source = client
	default:
		logger.Warn("runs disabled: no vendor credentials", "reason", cfg.ValidateForRuns())
	}

	if source != nil {
		a.runner, err = runner.New(runner.Config{
			TrapsFile:     cfg.TrapsFile,
			Source:        source,
			Store:         store,
			NewPublishers: newPublishers(cfg, logger),
			ChunkSize:     cfg.SteamIQChunkSize,
			FetchWindow:   time.Duration(cfg.SteamIQMaxPoints) * time.Hour,
			Concurrency:   cfg.Concurrency,
			Instruments:   instruments,
			Logger:        logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	trapSvc := traps.New(store, cfg.TrapsFile, logger)
	mcpSrv := mcp.New(trapSvc, version, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter = a.limiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	a.cancelRuns = cancelRuns

	srvCfg := server.ServerConfig{
		Store:               store,
		Traps:               trapSvc,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		RunContext:          runCtx,
		Middlewares:         middlewares,
		APIKey:              cfg.APIKey,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if a.runner != nil {
		srvCfg.Runs = a.runner
	}
	a.srv = server.New(srvCfg)

	return a, nil
}

func newPublishers(cfg config.Config, logger *slog.Logger) func() (runner.PublisherPool, error) {
	var brokers []string
	for _, b := range strings.Split(cfg.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return func() (runner.PublisherPool, error) {
		pool, err := publish.NewPool(publish.PoolConfig{
			Driver:       cfg.PublishDriver,
			Interval:     cfg.PublishInterval,
			KafkaBrokers: brokers,
			KafkaTopic:   cfg.KafkaTopic,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

// Handler returns the root HTTP handler, for tests and for mounting the
// status API in another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the scheduler and the HTTP server, then blocks until ctx is
// cancelled or the server fails. On return all resources are released.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	loopDone := make(chan struct{})
	if a.runner != nil && a.cfg.RunInterval > 0 {
		go func() {
			defer close(loopDone)
			a.runner.Loop(ctx, a.cfg.RunInterval)
		}()
		a.logger.Info("scheduler started", "interval", a.cfg.RunInterval)
	} else {
		close(loopDone)
		a.logger.Info("scheduler disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx, loopDone)
	return runErr
}

// RunOnce evaluates every registered trap once without serving HTTP, then
// releases all resources. The App cannot be used afterwards.
func (a *App) RunOnce(ctx context.Context) (RunSummary, error) {
	defer a.Close()
	if a.runner == nil {
		return RunSummary{}, ErrRunsDisabled
	}
	sum, err := a.runner.RunOnce(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	return toPublicRunSummary(sum), nil
}

// shutdown drains HTTP, stops background runs and closes resources.
func (a *App) shutdown(ctx context.Context, loopDone <-chan struct{}) {
	a.logger.Info("trapwatch shutting down")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.cancelRuns()
	select {
	case <-loopDone:
	case <-ctx.Done():
		a.logger.Warn("scheduler did not stop before the shutdown deadline")
	}
	if a.runner != nil {
		a.runner.Wait()
	}

	a.Close()
	a.logger.Info("trapwatch stopped")
}

// Close releases every resource held by the App. Run and RunOnce call it
// themselves; use it directly only for an App that is never run.
func (a *App) Close() {
	a.closeOnce.Do(a.release)
}

func (a *App) release() {
	if a.cancelRuns != nil {
		a.cancelRuns()
	}
	if a.pacer != nil {
		_ = a.pacer.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("state store close", "error", err)
	}
	_ = a.otelShutdown(context.Background())
}

// sampleSourceAdapter feeds samples from a public SampleSource to the runner.
type sampleSourceAdapter struct {
	src SampleSource
}

func (s *sampleSourceAdapter) FetchSamples(ctx context.Context, deviceID string, from, to time.Time) ([]model.RawSample, error) {
	in, err := s.src.FetchSamples(ctx, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]model.RawSample, len(in))
	for i, smp := range in {
		out[i] = toModelSample(smp)
	}
	return out, nil
}

func toModelSample(s Sample) model.RawSample {
	return model.RawSample{
		Timestamp:   s.Timestamp.UTC(),
		Activity:    s.Activity,
		CycleCount:  s.CycleCount,
		Temperature: s.Temperature,
		Battery:     s.Battery,
	}
}

func toPublicRunSummary(s model.RunSummary) RunSummary {
	out := RunSummary{
		RunID:     s.RunID,
		Status:    string(s.Status),
		Traps:     s.Traps,
		Failed:    s.Failed,
		Samples:   s.Samples,
		StartedAt: s.StartedAt,
	}
	if s.CompletedAt != nil {
		out.CompletedAt = *s.CompletedAt
	}
	return out
}
