package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// dashboardTime formats an hour the way the dashboard importer expects:
// UTC, no zero padding.
func dashboardTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-%d-%d %d:00:00", t.Year(), int(t.Month()), t.Day(), t.Hour())
}

// WriteHistory writes rows as semicolon-separated lines, each terminated
// by a trailing separator.
func WriteHistory(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	for _, row := range rows {
		r := row.Record
		if err := cw.Write([]string{
			dashboardTime(row.Hour),
			formatFloat(r.Activity),
			strconv.Itoa(r.CycleCount),
			formatOptional(r.Temperature),
			formatOptional(r.Battery),
			strconv.Itoa(int(r.Status)),
			formatFloat(r.TotalLossKg),
			formatFloat(r.TotalLossKwh),
			formatFloat(r.TotalLossCo2),
			formatFloat(r.MeanIntLeak),
			formatFloat(row.LossKg),
			formatFloat(r.NoiseFactor),
			strconv.Itoa(r.ConfigIndex),
			strconv.Itoa(int(r.SampleType)),
			"",
		}); err != nil {
			return fmt.Errorf("export: write history: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: write history: %w", err)
	}
	return nil
}

// AppendHistoryFile appends rows to the history file at path, creating the
// file and its directory if needed.
func AppendHistoryFile(path string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("export: open history: %w", err)
	}
	if err := WriteHistory(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close history: %w", err)
	}
	return nil
}
