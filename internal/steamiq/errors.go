package steamiq

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCorruptData reports a telemetry response whose activity and cycle
// count series cannot be paired.
var ErrCorruptData = errors.New("steamiq: telemetry data is corrupted")

// Error represents a non-2xx response from the SteamIQ API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("steamiq: %s (%d): %s", http.StatusText(e.StatusCode), e.StatusCode, e.Message)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
