package trapwatch

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	trapsFile    string
	logger       *slog.Logger
	version      string
	sampleSource SampleSource
	middlewares  []Middleware
}

// WithPort overrides the TCP port from config (TRAPWATCH_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects the Postgres state store with the given DSN,
// overriding TRAPWATCH_STATE_DRIVER and DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithTrapsFile overrides the trap registry path (TRAPWATCH_TRAPS_FILE env var).
func WithTrapsFile(path string) Option {
	return func(o *resolvedOptions) { o.trapsFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSampleSource replaces the SteamIQ client as the source of sensor
// telemetry. Runs are enabled even without vendor credentials.
func WithSampleSource(src SampleSource) Option {
	return func(o *resolvedOptions) { o.sampleSource = src }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
