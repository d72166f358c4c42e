// Package traps provides the read-side logic for trap status shared by the
// HTTP API and the MCP server.
package traps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashita-ai/trapwatch/internal/config"
	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/storage"
)

// ErrUnknownTrap is returned for a trap that is neither registered nor stored.
var ErrUnknownTrap = errors.New("traps: unknown trap")

// Service answers status queries from the state store and the registry.
type Service struct {
	store     storage.StateStore
	trapsFile string
	logger    *slog.Logger
}

// New creates a Service. trapsFile may be empty, in which case only stored
// traps are known.
func New(store storage.StateStore, trapsFile string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, trapsFile: trapsFile, logger: logger}
}

// registered returns the ids in the registry, or nil without one. A
// registry that fails to load is logged and treated as absent so the status
// API keeps serving stored state.
func (s *Service) registered() []string {
	if s.trapsFile == "" {
		return nil
	}
	reg, err := config.LoadRegistry(s.trapsFile)
	if err != nil {
		s.logger.Warn("traps: registry unavailable", "error", err)
		return nil
	}
	ids := make([]string, len(reg.Traps))
	for i, t := range reg.Traps {
		ids[i] = t.ID
	}
	return ids
}

// List summarizes every registered trap plus any stored trap that is no
// longer registered, ordered by trap id. Registered traps without stored
// state are reported as undefined.
func (s *Service) List(ctx context.Context) ([]model.TrapSummary, error) {
	snaps, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.TrapSnapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.TrapID] = snap
	}
	for _, id := range s.registered() {
		if _, ok := byID[id]; !ok {
			byID[id] = model.TrapSnapshot{TrapID: id, State: model.NewRetainedState()}
		}
	}

	out := make([]model.TrapSummary, 0, len(byID))
	for _, snap := range byID {
		out = append(out, model.Summarize(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrapID < out[j].TrapID })
	return out, nil
}

// Get returns the snapshot of one trap. A registered trap that was never
// evaluated yields a fresh state.
func (s *Service) Get(ctx context.Context, trapID string) (model.TrapSnapshot, error) {
	snap, err := s.store.Load(ctx, trapID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.TrapSnapshot{}, err
	}
	for _, id := range s.registered() {
		if id == trapID {
			return model.TrapSnapshot{TrapID: trapID, State: model.NewRetainedState()}, nil
		}
	}
	return model.TrapSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownTrap, trapID)
}

// Records returns up to limit of the trap's newest records.
func (s *Service) Records(ctx context.Context, trapID string, limit int) ([]model.OutputRecord, error) {
	if _, err := s.Get(ctx, trapID); err != nil {
		return nil, err
	}
	return s.store.Records(ctx, trapID, limit)
}
