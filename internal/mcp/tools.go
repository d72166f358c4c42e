package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/service/traps"
	"github.com/ashita-ai/trapwatch/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("trapwatch_list_traps",
			mcplib.WithDescription(`List every known steam trap with its current status.

Each entry carries the status (undefined, good, warning, leaking, cold,
flooded), the accumulated steam loss in kg, kWh and kg CO2, the hours the
trap has spent leaking and the time of the last evaluated sample. Use it to
find traps that need attention before drilling in with trapwatch_trap_status.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional: only return traps in this status, e.g. leaking"),
			),
		),
		s.handleListTraps,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("trapwatch_trap_status",
			mcplib.WithDescription(`Show the detailed evaluation state of one steam trap.

Returns the summary plus the retained state: the rolling activity window,
the recent sample tail and, when the store keeps history, the newest
evaluated records.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trap_id",
				mcplib.Description("Identifier of the trap as listed in the registry, e.g. VT1"),
				mcplib.Required(),
			),
			mcplib.WithNumber("records",
				mcplib.Description("Number of newest evaluated records to include (0 to omit)"),
				mcplib.Min(0),
				mcplib.Max(500),
				mcplib.DefaultNumber(24),
			),
		),
		s.handleTrapStatus,
	)
}

func (s *Server) handleListTraps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := request.GetString("status", "")

	summaries, err := s.traps.List(ctx)
	if err != nil {
		s.logger.Error("mcp: list traps", "error", err)
		return errorResult(fmt.Sprintf("list traps failed: %v", err)), nil
	}
	if status != "" {
		filtered := make([]model.TrapSummary, 0, len(summaries))
		for _, sum := range summaries {
			if sum.Status == status {
				filtered = append(filtered, sum)
			}
		}
		summaries = filtered
	}
	return jsonResult(map[string]any{
		"traps": summaries,
		"total": len(summaries),
	})
}

type trapStatus struct {
	model.TrapSummary
	State   model.RetainedState  `json:"state"`
	Records []model.OutputRecord `json:"records,omitempty"`
}

func (s *Server) handleTrapStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	trapID := request.GetString("trap_id", "")
	if trapID == "" {
		return errorResult("trap_id is required"), nil
	}
	limit := request.GetInt("records", 24)

	snap, err := s.traps.Get(ctx, trapID)
	if errors.Is(err, traps.ErrUnknownTrap) {
		return errorResult(fmt.Sprintf("unknown trap %q", trapID)), nil
	}
	if err != nil {
		s.logger.Error("mcp: get trap", "trap_id", trapID, "error", err)
		return errorResult(fmt.Sprintf("trap status failed: %v", err)), nil
	}

	out := trapStatus{TrapSummary: model.Summarize(snap), State: snap.State}
	if limit > 0 {
		records, err := s.traps.Records(ctx, trapID, limit)
		switch {
		case errors.Is(err, storage.ErrRecordsUnsupported):
		case err != nil:
			s.logger.Error("mcp: trap records", "trap_id", trapID, "error", err)
			return errorResult(fmt.Sprintf("trap records failed: %v", err)), nil
		default:
			out.Records = records
		}
	}
	return jsonResult(out)
}
