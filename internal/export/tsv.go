package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

var tsvHeader = []string{
	"dateTimeUtc", "act", "cyCts", "temp", "bat", "status",
	"totKg", "totKwh", "totCo2", "meLeak", "extNF", "trapIdx", "stype",
}

var tsvTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseTSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range tsvTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ReadSamplesTSV reads a raw telemetry export: a header line followed by
// tab-separated timestamp, cycle count and activity columns. Extra columns
// are ignored.
func ReadSamplesTSV(r io.Reader) ([]model.RawSample, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []model.RawSample{}, nil
		}
		return nil, fmt.Errorf("export: read tsv header: %w", err)
	}

	var samples []model.RawSample
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("export: read tsv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 3 {
			return nil, fmt.Errorf("export: tsv line %d: expected 3 columns, got %d", line, len(rec))
		}
		ts, err := parseTSVTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("export: tsv line %d: %w", line, err)
		}
		cycles, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("export: tsv line %d: cycle count: %w", line, err)
		}
		act, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("export: tsv line %d: activity: %w", line, err)
		}
		samples = append(samples, model.RawSample{
			Timestamp:  ts,
			Activity:   act,
			CycleCount: int(math.Round(cycles)),
		})
	}
	if samples == nil {
		samples = []model.RawSample{}
	}
	return samples, nil
}

// WriteRecordsTSV writes evaluation records with a header line, one record
// per line.
func WriteRecordsTSV(w io.Writer, records []model.OutputRecord) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(tsvHeader); err != nil {
		return fmt.Errorf("export: write tsv header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write([]string{
			r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			formatFloat(r.Activity),
			strconv.Itoa(r.CycleCount),
			formatOptional(r.Temperature),
			formatOptional(r.Battery),
			strconv.Itoa(int(r.Status)),
			formatFloat(r.TotalLossKg),
			formatFloat(r.TotalLossKwh),
			formatFloat(r.TotalLossCo2),
			formatFloat(r.MeanIntLeak),
			formatFloat(r.NoiseFactor),
			strconv.Itoa(r.ConfigIndex),
			strconv.Itoa(int(r.SampleType)),
		}); err != nil {
			return fmt.Errorf("export: write tsv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: write tsv: %w", err)
	}
	return nil
}
