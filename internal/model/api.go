package model

import (
	"fmt"
	"time"
)

// MaxEvaluateSamples bounds the batch accepted by POST /v1/evaluate.
const MaxEvaluateSamples = 50_000

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit,omitempty"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeUnsupported   = "UNSUPPORTED"
)

// EvaluateRequest is the request body for POST /v1/evaluate. A nil State
// evaluates from a fresh trap.
type EvaluateRequest struct {
	Samples []RawSample    `json:"samples"`
	Configs []TrapConfig   `json:"configs"`
	State   *RetainedState `json:"state,omitempty"`
}

// Validate checks the request shape. Sample and config contents are
// validated by the evaluation itself.
func (r EvaluateRequest) Validate() error {
	if len(r.Configs) == 0 {
		return fmt.Errorf("configs must not be empty")
	}
	if len(r.Samples) > MaxEvaluateSamples {
		return fmt.Errorf("samples exceeds maximum of %d entries", MaxEvaluateSamples)
	}
	return nil
}

// TrapSummary is the API view of one trap's latest evaluation.
type TrapSummary struct {
	TrapID         string     `json:"trap_id"`
	Status         string     `json:"status"`
	TotalLossKg    float64    `json:"total_loss_kg"`
	TotalLossKwh   float64    `json:"total_loss_kwh"`
	TotalLossCo2   float64    `json:"total_loss_co2"`
	HoursOfLeaking int        `json:"hours_of_leaking"`
	MeanIntLeak    float64    `json:"mean_int_leak"`
	LastSampleAt   *time.Time `json:"last_sample_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Summarize reduces a snapshot to its API view.
func Summarize(s TrapSnapshot) TrapSummary {
	sum := TrapSummary{
		TrapID:         s.TrapID,
		Status:         s.State.Status.String(),
		TotalLossKg:    s.State.TotalLossKg,
		TotalLossKwh:   s.State.TotalLossKwh,
		TotalLossCo2:   s.State.TotalLossCo2,
		HoursOfLeaking: s.State.HoursOfLeaking,
		MeanIntLeak:    s.State.MeanIntLeak(),
		UpdatedAt:      s.UpdatedAt,
	}
	if last, ok := s.State.LastSample(); ok {
		ts := last.Timestamp
		sum.LastSampleAt = &ts
	}
	return sum
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Store   string      `json:"store"`
	Uptime  int64       `json:"uptime_seconds"`
	LastRun *RunSummary `json:"last_run,omitempty"`
}
