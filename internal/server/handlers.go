package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/trapwatch/internal/engine"
	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/runner"
	"github.com/ashita-ai/trapwatch/internal/service/traps"
	"github.com/ashita-ai/trapwatch/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store        storage.StateStore
	traps        *traps.Service
	runs         RunController
	runCtx       context.Context
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	openapiSpec  []byte
	startedAt    time.Time
}

// TrapDetail is the body of GET /v1/traps/{trap_id}.
type TrapDetail struct {
	model.TrapSummary
	State model.RetainedState `json:"state"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.runs != nil {
		if last, ok := h.runs.LastRun(); ok {
			resp.LastRun = &last
			if last.Failed > 0 && resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleListTraps handles GET /v1/traps.
func (h *Handlers) HandleListTraps(w http.ResponseWriter, r *http.Request) {
	list, err := h.traps.List(r.Context())
	if err != nil {
		h.internalError(w, r, "list traps", err)
		return
	}
	writeList(w, r, list, len(list), 0)
}

// HandleGetTrap handles GET /v1/traps/{trap_id}.
func (h *Handlers) HandleGetTrap(w http.ResponseWriter, r *http.Request) {
	snap, err := h.traps.Get(r.Context(), r.PathValue("trap_id"))
	if err != nil {
		h.trapError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, TrapDetail{TrapSummary: model.Summarize(snap), State: snap.State})
}

// HandleTrapRecords handles GET /v1/traps/{trap_id}/records?limit=N.
func (h *Handlers) HandleTrapRecords(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, storage.DefaultRecordLimit)
	records, err := h.traps.Records(r.Context(), r.PathValue("trap_id"), limit)
	if err != nil {
		h.trapError(w, r, err)
		return
	}
	if records == nil {
		records = []model.OutputRecord{}
	}
	writeList(w, r, records, len(records), limit)
}

// HandleEvaluate handles POST /v1/evaluate: a stateless evaluation of the
// posted samples from the posted (or a fresh) state.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	var req model.EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	state := model.NewRetainedState()
	if req.State != nil {
		state = *req.State
	}
	res, err := engine.Evaluate(req.Samples, req.Configs, state)
	if err != nil {
		if errors.Is(err, engine.ErrConfiguration) || errors.Is(err, engine.ErrMalformedInput) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.internalError(w, r, "evaluate", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "runs are not enabled on this server")
		return
	}
	id, err := h.runs.Start(h.runCtx)
	if errors.Is(err, runner.ErrRunInProgress) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run is already in progress")
		return
	}
	if err != nil {
		h.internalError(w, r, "start run", err)
		return
	}
	h.logger.Info("run requested", "run_id", id, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusAccepted, model.RunAccepted{RunID: id})
}

// HandleLatestRun handles GET /v1/runs/latest.
func (h *Handlers) HandleLatestRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "runs are not enabled on this server")
		return
	}
	last, ok := h.runs.LastRun()
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no run yet")
		return
	}
	writeJSON(w, r, http.StatusOK, last)
}

func (h *Handlers) trapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, traps.ErrUnknownTrap):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trap not found")
	case errors.Is(err, storage.ErrRecordsUnsupported):
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeUnsupported, "the configured state store keeps no record history")
	default:
		h.internalError(w, r, "load trap", err)
	}
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 5000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
