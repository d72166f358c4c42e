package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/trapwatch/internal/config"
	"github.com/ashita-ai/trapwatch/internal/engine"
	"github.com/ashita-ai/trapwatch/internal/export"
	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/publish"
)

// trapPipeline carries one trap's state through the chunks of a run.
type trapPipeline struct {
	runner    *Runner
	trap      config.Trap
	history   model.ConfigHistory
	state     model.RetainedState
	pub       publish.Publisher
	evaluated int
}

// device fetches a device's telemetry for [from, to] in windows of at most
// FetchWindow and processes it chunk by chunk.
func (p *trapPipeline) device(ctx context.Context, deviceID string, from, to time.Time) error {
	r := p.runner
	for winStart := from; !winStart.After(to); {
		winEnd := winStart.Add(r.cfg.FetchWindow - time.Millisecond)
		if winEnd.After(to) {
			winEnd = to
		}

		samples, err := r.cfg.Source.FetchSamples(ctx, deviceID, winStart, winEnd)
		if err != nil {
			return fmt.Errorf("runner: fetch %s: %w", deviceID, err)
		}
		samples = after(samples, p.lastTimestamp())
		r.logger.Debug("runner: fetched telemetry", "trap_id", p.trap.ID, "device_id", deviceID,
			"from", winStart, "to", winEnd, "samples", len(samples))

		for i := 0; i < len(samples); i += r.cfg.ChunkSize {
			end := min(i+r.cfg.ChunkSize, len(samples))
			if err := p.chunk(ctx, samples[i:end], i/r.cfg.ChunkSize); err != nil {
				return err
			}
		}
		winStart = winEnd.Add(time.Millisecond)
	}
	return nil
}

// chunk evaluates samples, publishes and exports the result and persists
// the new state. Nothing is persisted unless the payload was delivered, so
// a failed chunk is evaluated again on the next run.
func (p *trapPipeline) chunk(ctx context.Context, samples []model.RawSample, idx int) error {
	r := p.runner
	res, err := engine.Evaluate(samples, p.history, p.state)
	if err != nil {
		return fmt.Errorf("runner: evaluate chunk %d: %w", idx, err)
	}

	prev, _ := p.state.LastSample()
	rows := export.Rows(res.Records, prev)

	if len(rows) > 0 {
		payload, err := export.HubPayload(p.trap.ID, rows)
		if err != nil {
			return fmt.Errorf("runner: encode payload: %w", err)
		}
		if err := p.pub.Publish(ctx, p.trap.ID, payload); err != nil {
			return err
		}
		r.cfg.Instruments.PublishMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("trap_id", p.trap.ID)))

		if p.trap.OutputFile != "" {
			if err := export.AppendHistoryFile(p.trap.OutputFile, rows); err != nil {
				return err
			}
		}
	}

	snap := model.TrapSnapshot{TrapID: p.trap.ID, State: res.State, UpdatedAt: r.cfg.Now().UTC()}
	if err := r.cfg.Store.Save(ctx, snap, res.Records); err != nil {
		return err
	}

	p.state = res.State
	p.evaluated += len(samples)
	r.cfg.Instruments.SamplesEvaluated.Add(ctx, int64(len(samples)), metric.WithAttributes(attribute.String("trap_id", p.trap.ID)))
	r.logger.Info("runner: chunk done", "trap_id", p.trap.ID, "chunk", idx, "samples", len(samples),
		"rows", len(rows), "status", res.State.Status.String())
	return nil
}

func (p *trapPipeline) lastTimestamp() time.Time {
	if last, ok := p.state.LastSample(); ok {
		return last.Timestamp
	}
	return time.Time{}
}

// after drops samples at or before ts, which an earlier chunk already
// processed.
func after(samples []model.RawSample, ts time.Time) []model.RawSample {
	if ts.IsZero() {
		return samples
	}
	i := 0
	for i < len(samples) && !samples[i].Timestamp.After(ts) {
		i++
	}
	return samples[i:]
}
