// Package export renders evaluation records for downstream consumers: the
// semicolon-separated history file read by the site dashboard, the JSON
// payload sent to the IoT hub, and tab-separated files for offline analysis.
package export

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// Row is one record selected for export together with the loss it adds
// since the previously exported row.
type Row struct {
	Hour   time.Time
	Record model.OutputRecord
	LossKg float64
}

// Rows selects the records to export. Timestamps are truncated to the hour
// and a record that falls into the same hour as the previously selected one
// is dropped; its loss rolls into the next selected row. prev is the last
// sample exported before records, typically the tail of the state the
// records were evaluated from.
func Rows(records []model.OutputRecord, prev model.TailEntry) []Row {
	lastHour := prev.Timestamp.UTC().Truncate(time.Hour)
	lastKg := prev.TotalLossKg

	rows := make([]Row, 0, len(records))
	for _, r := range records {
		hour := r.Timestamp.UTC().Truncate(time.Hour)
		if hour.Equal(lastHour) {
			continue
		}
		loss := r.TotalLossKg - lastKg
		if r.TotalLossKg < lastKg {
			// Totals only shrink on a config reset.
			loss = r.TotalLossKg
		}
		rows = append(rows, Row{Hour: hour, Record: r, LossKg: loss})
		lastHour, lastKg = hour, r.TotalLossKg
	}
	return rows
}

// HubPayload renders rows as the JSON array the IoT hub ingests. Keys are
// prefixed with the trap id so several traps can share one hub device.
func HubPayload(trapID string, rows []Row) ([]byte, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		r := row.Record
		out[i] = map[string]any{
			"time":            row.Hour.Unix(),
			trapID + "act":    r.Activity,
			trapID + "cc":     r.CycleCount,
			trapID + "temp":   r.Temperature,
			trapID + "bat":    r.Battery,
			trapID + "st":     int(r.Status),
			trapID + "losskg": row.LossKg,
			trapID + "enf":    r.NoiseFactor,
		}
	}
	return json.Marshal(out)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "null"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "null"
	}
	return formatFloat(*v)
}
