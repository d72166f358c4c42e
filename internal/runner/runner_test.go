package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/publish"
	"github.com/ashita-ai/trapwatch/internal/runner"
	"github.com/ashita-ai/trapwatch/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// ---- fakes ------------------------------------------------------------------

type fetchCall struct {
	device   string
	from, to time.Time
}

type fakeSource struct {
	mu      sync.Mutex
	devices map[string][]model.RawSample
	calls   []fetchCall
	block   chan struct{}
	err     error
}

func (s *fakeSource) FetchSamples(ctx context.Context, deviceID string, from, to time.Time) ([]model.RawSample, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fetchCall{deviceID, from, to})
	if s.err != nil {
		return nil, s.err
	}
	var out []model.RawSample
	for _, smp := range s.devices[deviceID] {
		if !smp.Timestamp.Before(from) && !smp.Timestamp.After(to) {
			out = append(out, smp)
		}
	}
	return out, nil
}

func hourly(from time.Time, n int, activity float64, cycles int) []model.RawSample {
	out := make([]model.RawSample, n)
	for i := range out {
		out[i] = model.RawSample{Timestamp: from.Add(time.Duration(i) * time.Hour), Activity: activity, CycleCount: cycles}
	}
	return out
}

type message struct {
	trapID  string
	payload []byte
}

type fakePool struct {
	mu     sync.Mutex
	conns  []string
	sent   []message
	err    error
	closed bool
}

func (p *fakePool) Get(_ context.Context, conn string) (publish.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
	return p, nil
}

func (p *fakePool) Publish(_ context.Context, trapID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, message{trapID, payload})
	return nil
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ---- fixtures ---------------------------------------------------------------

type fixture struct {
	dir    string
	source *fakeSource
	pool   *fakePool
	store  *storage.FileStore
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	return &fixture{
		dir:    dir,
		source: &fakeSource{devices: map[string][]model.RawSample{}},
		pool:   &fakePool{},
		store:  store,
		now:    t0.Add(47 * time.Hour),
	}
}

type trapFixture struct {
	id      string
	configs []map[string]any
	hubRef  string
}

func config(from time.Time, device string) map[string]any {
	return map[string]any{
		"validFrom": from.Format(time.RFC3339), "orifDiam": 10, "pressure": 5,
		"steamEnthalpy": 2750, "efficiency": 85, "co2factor": 202, "siqDevId": device,
	}
}

func (f *fixture) writeRegistry(t *testing.T, traps ...trapFixture) string {
	t.Helper()
	var entries []map[string]string
	for _, tr := range traps {
		info := filepath.Join(f.dir, tr.id+".json")
		if tr.configs != nil {
			data, err := json.Marshal(tr.configs)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(info, data, 0o644))
		}
		entries = append(entries, map[string]string{
			"id":               tr.id,
			"infoFile":         info,
			"outputFile":       filepath.Join(f.dir, "out", tr.id+".csv"),
			"hubConnectionRef": tr.hubRef,
		})
	}
	data, err := json.Marshal(map[string]any{"traps": entries})
	require.NoError(t, err)
	path := filepath.Join(f.dir, "traps.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) runner(t *testing.T, trapsFile string, mutate ...func(*runner.Config)) *runner.Runner {
	t.Helper()
	cfg := runner.Config{
		TrapsFile:     trapsFile,
		Source:        f.source,
		Store:         f.store,
		NewPublishers: func() (runner.PublisherPool, error) { return f.pool, nil },
		ChunkSize:     20,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return f.now },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := runner.New(cfg)
	require.NoError(t, err)
	return r
}

// ---- tests ------------------------------------------------------------------

func TestRunOnce_FreshTrap(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 48, 5, 1)
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}})

	sum, err := f.runner(t, traps).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, sum.Status)
	assert.Equal(t, 1, sum.Traps)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 48, sum.Samples)
	require.NotNil(t, sum.CompletedAt)

	snap, err := f.store.Load(context.Background(), "VT1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusGood, snap.State.Status)
	last, ok := snap.State.LastSample()
	require.True(t, ok)
	assert.True(t, last.Timestamp.Equal(t0.Add(47*time.Hour)))

	// 48 samples in chunks of 20.
	assert.Len(t, f.pool.sent, 3)
	assert.True(t, f.pool.closed)
	assert.Equal(t, []string{""}, f.pool.conns)

	var payload []map[string]any
	require.NoError(t, json.Unmarshal(f.pool.sent[0].payload, &payload))
	assert.Len(t, payload, 20)
	assert.Contains(t, payload[0], "VT1act")

	csv, err := os.ReadFile(filepath.Join(f.dir, "out", "VT1.csv"))
	require.NoError(t, err)
	assert.Equal(t, 48, strings.Count(string(csv), "\n"))
}

func TestRunOnce_ResumesAfterLastSample(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 60, 5, 1)
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}})
	r := f.runner(t, traps)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	f.now = t0.Add(59 * time.Hour)
	f.source.calls = nil
	sum, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Samples)

	require.Len(t, f.source.calls, 1)
	assert.True(t, f.source.calls[0].from.Equal(t0.Add(47*time.Hour+time.Millisecond)))

	last, ok := r.LastRun()
	require.True(t, ok)
	assert.Equal(t, sum.RunID, last.RunID)
}

func TestRunOnce_SplitsFetchesByDevice(t *testing.T) {
	f := newFixture(t)
	switchAt := t0.Add(24 * time.Hour)
	f.source.devices["dev-a"] = hourly(t0, 30, 5, 1) // reports past the switch; ignored
	f.source.devices["dev-b"] = hourly(switchAt, 24, 5, 1)
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{
		config(t0, "dev-a"),
		config(t0.Add(12*time.Hour), "dev-a"),
		config(switchAt, "dev-b"),
	}})

	sum, err := f.runner(t, traps).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 48, sum.Samples)

	require.Len(t, f.source.calls, 2)
	assert.Equal(t, "dev-a", f.source.calls[0].device)
	assert.True(t, f.source.calls[0].to.Equal(switchAt.Add(-time.Millisecond)))
	assert.Equal(t, "dev-b", f.source.calls[1].device)
	assert.True(t, f.source.calls[1].from.Equal(switchAt))
	assert.True(t, f.source.calls[1].to.Equal(f.now))
}

func TestRunOnce_PagesLongRanges(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 48, 5, 1)
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}})

	sum, err := f.runner(t, traps, func(c *runner.Config) { c.FetchWindow = 10 * time.Hour }).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 48, sum.Samples)
	assert.Len(t, f.source.calls, 5)
}

func TestRunOnce_IsolatesTrapFailures(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 48, 5, 1)
	traps := f.writeRegistry(t,
		trapFixture{id: "BROKEN"}, // info file missing
		trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}},
	)

	sum, err := f.runner(t, traps, func(c *runner.Config) { c.Concurrency = 2 }).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Traps)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 48, sum.Samples)

	_, err = f.store.Load(context.Background(), "VT1")
	assert.NoError(t, err)
}

func TestRunOnce_PublishFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 48, 5, 1)
	f.pool.err = errors.New("hub unavailable")
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}})

	sum, err := f.runner(t, traps).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	_, err = f.store.Load(context.Background(), "VT1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.dir, "out", "VT1.csv"))
	assert.True(t, os.IsNotExist(err), "nothing exported for an undelivered chunk")
}

func TestRunOnce_MissingHubConnection(t *testing.T) {
	f := newFixture(t)
	traps := f.writeRegistry(t, trapFixture{
		id: "VT1", configs: []map[string]any{config(t0, "dev-a")}, hubRef: "TRAPWATCH_TEST_UNSET_HUB",
	})

	sum, err := f.runner(t, traps).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, f.source.calls)
}

func TestRunOnce_UsesHubConnection(t *testing.T) {
	f := newFixture(t)
	t.Setenv("TRAPWATCH_TEST_HUB", "tcp://broker:1883")
	traps := f.writeRegistry(t, trapFixture{
		id: "VT1", configs: []map[string]any{config(t0, "dev-a")}, hubRef: "TRAPWATCH_TEST_HUB",
	})

	_, err := f.runner(t, traps).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://broker:1883"}, f.pool.conns)
}

func TestRunOnce_BadRegistry(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, filepath.Join(f.dir, "missing.json"))

	sum, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, sum.Status)
}

func TestStart_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.source.devices["dev-a"] = hourly(t0, 48, 5, 1)
	f.source.block = make(chan struct{})
	traps := f.writeRegistry(t, trapFixture{id: "VT1", configs: []map[string]any{config(t0, "dev-a")}})
	r := f.runner(t, traps)

	id, err := r.Start(context.Background())
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	assert.ErrorIs(t, err, runner.ErrRunInProgress)
	_, err = r.Start(context.Background())
	assert.ErrorIs(t, err, runner.ErrRunInProgress)

	close(f.source.block)
	r.Wait()
	last, ok := r.LastRun()
	require.True(t, ok)
	assert.Equal(t, id, last.RunID)
	assert.Equal(t, model.RunStatusCompleted, last.Status)

	// The guard is released once the background run is done.
	require.Eventually(t, func() bool {
		_, err := r.RunOnce(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := runner.New(runner.Config{})
	assert.Error(t, err)
}
