package trapwatch

import (
	"context"
	"net/http"
	"time"
)

// SampleSource fetches hourly sensor telemetry for one device.
// When provided via WithSampleSource, replaces the SteamIQ vendor client.
// Both bounds are inclusive; samples must be returned in ascending time
// order. A device without data in the range yields an empty slice.
type SampleSource interface {
	FetchSamples(ctx context.Context, deviceID string, from, to time.Time) ([]Sample, error)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Use for custom logging, access control or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
