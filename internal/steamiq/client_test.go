package steamiq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signedToken issues a JWT with the given expiry, as the platform does.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": exp.Unix(),
	}).SignedString([]byte("platform-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// mockServer creates an httptest server that mimics the SteamIQ API.
// logins counts calls to the login endpoint.
func mockServer(t *testing.T, token string, logins *atomic.Int32, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Authentication failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "refreshToken": "r"})
	})

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL, password string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:  serverURL,
		Username: "ops@example.com",
		Password: password,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

const telemetryPattern = "GET /api/plugins/telemetry/DEVICE/{device}/values/timeseries"

var (
	from = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to   = from.Add(5 * time.Hour)
)

func ms(h int) int64 { return from.Add(time.Duration(h) * time.Hour).UnixMilli() }

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Username: "u", Password: "p"}); err == nil {
		t.Fatal("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestFetchSamplesDecodesSeries(t *testing.T) {
	var logins atomic.Int32
	token := signedToken(t, time.Now().Add(time.Hour))

	srv := mockServer(t, token, &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "bad token"})
				return
			}
			if r.PathValue("device") != "dev-7" {
				t.Errorf("unexpected device %q", r.PathValue("device"))
			}
			q := r.URL.Query()
			for key, want := range map[string]string{
				"keys":               "leak,cycleCounts,temperature,battery",
				"interval":           "3600000",
				"agg":                "NONE",
				"orderBy":            "ASC",
				"useStrictDataTypes": "true",
				"limit":              "20000",
			} {
				if got := q.Get(key); got != want {
					t.Errorf("query %s = %q, want %q", key, got, want)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"leak":        []map[string]any{{"ts": ms(0), "value": 5.5}, {"ts": ms(1), "value": 60}, {"ts": ms(2), "value": "12"}},
				"cycleCounts": []map[string]any{{"ts": ms(0), "value": 1}, {"ts": ms(1), "value": 0}, {"ts": ms(2), "value": 3}},
				"temperature": []map[string]any{{"ts": ms(1), "value": 140}},
				"battery":     []map[string]any{{"ts": ms(1), "value": 200}},
			})
		},
	})

	c := newTestClient(t, srv.URL, "secret")
	samples, err := c.FetchSamples(context.Background(), "dev-7", from, to)
	if err != nil {
		t.Fatalf("FetchSamples failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if samples[0].Activity != 5.5 || samples[0].CycleCount != 1 {
		t.Errorf("unexpected first sample %+v", samples[0])
	}
	if samples[2].Activity != 12 || samples[2].CycleCount != 3 {
		t.Errorf("string values not parsed: %+v", samples[2])
	}
	if !samples[1].Timestamp.Equal(from.Add(time.Hour)) {
		t.Errorf("unexpected timestamp %s", samples[1].Timestamp)
	}
	for i, s := range samples {
		if s.Temperature == nil || *s.Temperature != 140 {
			t.Errorf("sample %d: temperature not back-filled: %v", i, s.Temperature)
		}
		// ceil(200/255*100) = 79
		if s.Battery == nil || *s.Battery != 79 {
			t.Errorf("sample %d: battery not scaled: %v", i, s.Battery)
		}
	}
	if logins.Load() != 1 {
		t.Errorf("expected 1 login, got %d", logins.Load())
	}
}

func TestFetchSamplesEmptyResponse(t *testing.T) {
	var logins atomic.Int32
	srv := mockServer(t, signedToken(t, time.Now().Add(time.Hour)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})

	samples, err := newTestClient(t, srv.URL, "secret").FetchSamples(context.Background(), "dev-7", from, to)
	if err != nil {
		t.Fatalf("expected no error for empty data, got %v", err)
	}
	if samples == nil || len(samples) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", samples)
	}
}

func TestFetchSamplesCorruptData(t *testing.T) {
	var logins atomic.Int32
	srv := mockServer(t, signedToken(t, time.Now().Add(time.Hour)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"leak":        []map[string]any{{"ts": ms(0), "value": 5}, {"ts": ms(1), "value": 6}},
				"cycleCounts": []map[string]any{{"ts": ms(0), "value": 1}},
			})
		},
	})

	_, err := newTestClient(t, srv.URL, "secret").FetchSamples(context.Background(), "dev-7", from, to)
	if !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
}

func TestFetchSamplesRejectsInvertedRange(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", "secret")
	if _, err := c.FetchSamples(context.Background(), "dev-7", to, from); err == nil {
		t.Fatal("expected error for start after end")
	}
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	var logins atomic.Int32
	srv := mockServer(t, signedToken(t, time.Now().Add(time.Hour)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})

	c := newTestClient(t, srv.URL, "secret")
	for i := 0; i < 3; i++ {
		if _, err := c.FetchSamples(context.Background(), "dev-7", from, to); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if logins.Load() != 1 {
		t.Fatalf("expected token to be reused, got %d logins", logins.Load())
	}
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	var logins atomic.Int32
	// Expires inside the 30s refresh margin.
	srv := mockServer(t, signedToken(t, time.Now().Add(10*time.Second)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})

	c := newTestClient(t, srv.URL, "secret")
	for i := 0; i < 2; i++ {
		if _, err := c.FetchSamples(context.Background(), "dev-7", from, to); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if logins.Load() != 2 {
		t.Fatalf("expected a fresh login per call, got %d", logins.Load())
	}
}

func TestRetriesOnceAfterUnauthorized(t *testing.T) {
	var logins, calls atomic.Int32
	srv := mockServer(t, signedToken(t, time.Now().Add(time.Hour)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Token has expired"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})

	c := newTestClient(t, srv.URL, "secret")
	if _, err := c.FetchSamples(context.Background(), "dev-7", from, to); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 || logins.Load() != 2 {
		t.Fatalf("expected 2 calls and 2 logins, got %d and %d", calls.Load(), logins.Load())
	}
}

func TestLoginFailure(t *testing.T) {
	var logins atomic.Int32
	srv := mockServer(t, "unused", &logins, nil)

	_, err := newTestClient(t, srv.URL, "wrong").FetchSamples(context.Background(), "dev-7", from, to)
	if err == nil {
		t.Fatal("expected login error")
	}
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestServerErrorIsTyped(t *testing.T) {
	var logins atomic.Int32
	srv := mockServer(t, signedToken(t, time.Now().Add(time.Hour)), &logins, map[string]http.HandlerFunc{
		telemetryPattern: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "slow down"})
		},
	})

	_, err := newTestClient(t, srv.URL, "secret").FetchSamples(context.Background(), "dev-7", from, to)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if apiErr.Message != "slow down" || !IsRateLimited(err) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestTokenExpiryWithoutExpClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !tokenExpiry(tok).IsZero() {
		t.Fatal("expected zero expiry without exp claim")
	}
	if !tokenExpiry("not-a-jwt").IsZero() {
		t.Fatal("expected zero expiry for opaque token")
	}
}

func TestBackfillUsesNewerValueForOlderSamples(t *testing.T) {
	ts := timeseries{
		"leak":        {{TS: ms(0), Value: json.RawMessage("1")}, {TS: ms(1), Value: json.RawMessage("2")}, {TS: ms(2), Value: json.RawMessage("3")}},
		"cycleCounts": {{TS: ms(0), Value: json.RawMessage("0")}, {TS: ms(1), Value: json.RawMessage("0")}, {TS: ms(2), Value: json.RawMessage("0")}},
		"temperature": {{TS: ms(0), Value: json.RawMessage("20")}, {TS: ms(2), Value: json.RawMessage("90")}},
	}
	samples, err := decodeSamples(ts)
	if err != nil {
		t.Fatal(err)
	}
	got := []float64{*samples[0].Temperature, *samples[1].Temperature, *samples[2].Temperature}
	want := []float64{20, 90, 90}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("temperatures = %v, want %v", got, want)
		}
	}
	if samples[0].Battery != nil {
		t.Fatal("battery must stay nil without a battery series")
	}
}
