package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// KeyFunc picks the bucket a request is charged to. An empty key exempts
// the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc returns the request id to echo in a 429 body.
type RequestIDFunc func(r *http.Request) string

// delayer is implemented by limiters that can say when a rejected key may
// retry.
type delayer interface {
	Delay(key string) time.Duration
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Limiter errors fail open. reqIDFunc may be nil.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if ok, err := limiter.Allow(r.Context(), key); err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter, key)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(model.APIError{
				Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
				Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
			})
		})
	}
}

func retryAfterSeconds(limiter Limiter, key string) int {
	d, ok := limiter.(delayer)
	if !ok {
		return 1
	}
	return max(1, int(math.Ceil(d.Delay(key).Seconds())))
}

// IPKeyFunc keys requests by the connection's remote IP. X-Forwarded-For is
// ignored since any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
