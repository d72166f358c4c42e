// Package steamiq is a client for the SteamIQ telemetry platform that hosts
// the acoustic sensors mounted on steam traps.
package steamiq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/ratelimit"
)

const (
	// DefaultMaxPoints is the platform's per-request point limit.
	DefaultMaxPoints = 20000

	telemetryKeys  = "leak,cycleCounts,temperature,battery"
	hourlyInterval = "3600000"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the platform (e.g. "https://app.steamiq.com").
	BaseURL string

	Username string
	Password string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout and an OpenTelemetry transport is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// MaxPoints bounds the points requested per call. Defaults to DefaultMaxPoints.
	MaxPoints int

	// Pacer, if set, is waited on before every telemetry request.
	Pacer ratelimit.Waiter

	Logger *slog.Logger
}

// Client fetches hourly trap telemetry. All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	client    *http.Client
	tokenMgr  *tokenManager
	maxPoints int
	pacer     ratelimit.Waiter
	logger    *slog.Logger
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Username, or Password is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("steamiq: BaseURL is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("steamiq: Username and Password are required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	maxPoints := cfg.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = ratelimit.NoopLimiter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   baseURL,
		client:    httpClient,
		tokenMgr:  newTokenManager(baseURL, cfg.Username, cfg.Password, httpClient),
		maxPoints: maxPoints,
		pacer:     pacer,
		logger:    logger,
	}, nil
}

// point is one value of a telemetry series. With strict data types the
// platform sends numbers; older firmware reports strings.
type point struct {
	TS    int64           `json:"ts"`
	Value json.RawMessage `json:"value"`
}

func (p point) float() (float64, error) {
	raw := bytes.TrimSpace(p.Value)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		raw = []byte(s)
	}
	return strconv.ParseFloat(string(raw), 64)
}

type timeseries map[string][]point

// FetchSamples returns the hourly samples a device reported between from
// and to, both inclusive, in ascending time order. A device without data in
// the range yields an empty slice.
func (c *Client) FetchSamples(ctx context.Context, deviceID string, from, to time.Time) ([]model.RawSample, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("steamiq: device id is required")
	}
	if from.After(to) {
		return nil, fmt.Errorf("steamiq: start %s is after end %s",
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}

	ctx, span := otel.Tracer("trapwatch/steamiq").Start(ctx, "steamiq.FetchSamples")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", deviceID))

	if err := c.pacer.Wait(ctx, "steamiq"); err != nil {
		return nil, fmt.Errorf("steamiq: wait for request slot: %w", err)
	}

	params := url.Values{}
	params.Set("keys", telemetryKeys)
	params.Set("startTs", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTs", strconv.FormatInt(to.UnixMilli(), 10))
	params.Set("interval", hourlyInterval)
	params.Set("limit", strconv.Itoa(c.maxPoints))
	params.Set("agg", "NONE")
	params.Set("orderBy", "ASC")
	params.Set("useStrictDataTypes", "true")
	path := "/api/plugins/telemetry/DEVICE/" + url.PathEscape(deviceID) + "/values/timeseries?" + params.Encode()

	var ts timeseries
	if err := c.get(ctx, path, &ts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	samples, err := decodeSamples(ts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("steamiq: device %s: %w", deviceID, err)
	}
	if len(samples) == 0 {
		c.logger.Info("steamiq: no data", "device_id", deviceID,
			"from", from.UTC().Format(time.RFC3339), "to", to.UTC().Format(time.RFC3339))
	}
	span.SetAttributes(attribute.Int("samples", len(samples)))
	return samples, nil
}

// decodeSamples pairs the activity and cycle count series and back-fills
// temperature and battery, which the sensor reports less often.
func decodeSamples(ts timeseries) ([]model.RawSample, error) {
	leak, cycles := ts["leak"], ts["cycleCounts"]
	if len(leak) == 0 && len(cycles) == 0 {
		return []model.RawSample{}, nil
	}
	if len(leak) != len(cycles) {
		return nil, fmt.Errorf("%w: %d leak values but %d cycle counts", ErrCorruptData, len(leak), len(cycles))
	}

	samples := make([]model.RawSample, len(leak))
	for i := range leak {
		if leak[i].TS != cycles[i].TS {
			return nil, fmt.Errorf("%w: series misaligned at index %d", ErrCorruptData, i)
		}
		act, err := leak[i].float()
		if err != nil {
			return nil, fmt.Errorf("%w: leak value at %d: %v", ErrCorruptData, leak[i].TS, err)
		}
		cc, err := cycles[i].float()
		if err != nil {
			return nil, fmt.Errorf("%w: cycle count at %d: %v", ErrCorruptData, cycles[i].TS, err)
		}
		samples[i] = model.RawSample{
			Timestamp:  time.UnixMilli(leak[i].TS).UTC(),
			Activity:   act,
			CycleCount: int(math.Round(cc)),
		}
	}

	backfill(samples, ts["temperature"], func(s *model.RawSample, v float64) { s.Temperature = &v }, nil)
	backfill(samples, ts["battery"], func(s *model.RawSample, v float64) { s.Battery = &v }, batteryPercent)
	return samples, nil
}

// backfill assigns each sample the series value with the same timestamp,
// or failing that the value of the next newer sample. Samples newer than
// every matched value get the series' newest value.
func backfill(samples []model.RawSample, series []point, set func(*model.RawSample, float64), scale func(float64) float64) {
	if len(series) == 0 {
		return
	}
	byTS := make(map[int64]float64, len(series))
	for _, p := range series {
		if v, err := p.float(); err == nil {
			byTS[p.TS] = v
		}
	}
	last, err := series[len(series)-1].float()
	if err != nil {
		return
	}
	for i := len(samples) - 1; i >= 0; i-- {
		if v, ok := byTS[samples[i].Timestamp.UnixMilli()]; ok {
			last = v
		}
		v := last
		if scale != nil {
			v = scale(v)
		}
		set(&samples[i], v)
	}
}

// batteryPercent converts the raw 8-bit battery reading to percent.
func batteryPercent(raw float64) float64 {
	return math.Ceil(raw / 255 * 100)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	err := c.doGet(ctx, path, dest)
	if !IsUnauthorized(err) {
		return err
	}
	// The platform revokes tokens before their exp claim; log in once more.
	c.logger.Debug("steamiq: token rejected, logging in again")
	return c.doGet(ctx, path, dest)
}

func (c *Client) doGet(ctx context.Context, path string, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("steamiq: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("steamiq: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokenMgr.invalidate(token)
	}
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("steamiq: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("steamiq: decode response: %w", err)
	}
	return nil
}

type apiErrorBody struct {
	Message string `json:"message"`
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Message != "" {
		apiErr.Message = eb.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
