package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/storage"
	"github.com/ashita-ai/trapwatch/internal/testutil"
)

// pgStore is shared by the Postgres tests; nil with -short.
var pgStore *storage.PostgresStore

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	store, err := tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	pgStore = store

	code := m.Run()
	_ = store.Close()
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func snapshot(trapID string, status model.Status, totalKg float64) model.TrapSnapshot {
	st := model.NewRetainedState()
	st.Status = status
	st.TotalLossKg = totalKg
	st.HoursOfLeaking = 4
	idx := 1
	st.LastConfigIdx = &idx
	st.Window = append(st.Window, model.WindowEntry{Timestamp: t0, Activity: 40, CycleCount: 1, SampleType: model.SampleHiActive, LowCycleScore: 0.25})
	st.Tail = append(st.Tail, model.TailEntry{Timestamp: t0, Activity: 40, CycleCount: 1, Temperature: ptr(141.5), TotalLossKg: totalKg})
	return model.TrapSnapshot{TrapID: trapID, State: st, UpdatedAt: t0.Add(time.Minute)}
}

func records(n int, from time.Time) []model.OutputRecord {
	out := make([]model.OutputRecord, n)
	for i := range out {
		out[i] = model.OutputRecord{
			Timestamp:    from.Add(time.Duration(i) * time.Hour),
			Activity:     40,
			CycleCount:   1,
			SampleType:   model.SampleHiActive,
			Status:       model.StatusWarning,
			ConfigIndex:  1,
			TotalLossKg:  float64(i) * 1.5,
			TotalLossKwh: float64(i),
			TotalLossCo2: float64(i) / 10,
			MeanIntLeak:  1.5,
			NoiseFactor:  12.5,
			Battery:      ptr(80.0),
		}
	}
	out[0].Temperature = ptr(141.0)
	return out
}

// testStateRoundTrip exercises the behaviour every backend shares.
func testStateRoundTrip(t *testing.T, store storage.StateStore, prefix string) {
	t.Helper()
	ctx := context.Background()
	id := prefix + "VT1"

	_, err := store.Load(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	want := snapshot(id, model.StatusWarning, 42.5)
	require.NoError(t, store.Save(ctx, want, nil))

	got, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.TrapID)
	assert.Equal(t, model.StatusWarning, got.State.Status)
	assert.Equal(t, 42.5, got.State.TotalLossKg)
	require.NotNil(t, got.State.LastConfigIdx)
	assert.Equal(t, 1, *got.State.LastConfigIdx)
	require.Len(t, got.State.Window, 1)
	assert.Equal(t, 0.25, got.State.Window[0].LowCycleScore)
	require.Len(t, got.State.Tail, 2)
	assert.True(t, got.State.Tail[1].Timestamp.Equal(t0))
	assert.Equal(t, 141.5, *got.State.Tail[1].Temperature)
	assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt))

	// Overwrite.
	want = snapshot(id, model.StatusLeaking, 60)
	require.NoError(t, store.Save(ctx, want, nil))
	got, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLeaking, got.State.Status)

	require.NoError(t, store.Save(ctx, snapshot(prefix+"VT0", model.StatusGood, 0), nil))
	list, err := store.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.TrapID)
	}
	assert.Subset(t, ids, []string{prefix + "VT0", prefix + "VT1"})
	assert.IsNonDecreasing(t, ids)

	require.NoError(t, store.Ping(ctx))
}

// testRecordHistory covers record persistence for the SQL backends.
func testRecordHistory(t *testing.T, store storage.StateStore, prefix string) {
	t.Helper()
	ctx := context.Background()
	id := prefix + "VT2"

	recs := records(5, t0)
	require.NoError(t, store.Save(ctx, snapshot(id, model.StatusWarning, 6), recs[:3]))
	// Overlapping save: the first record is already stored and is kept.
	dup := recs[2:]
	dup[0].Status = model.StatusLeaking
	require.NoError(t, store.Save(ctx, snapshot(id, model.StatusWarning, 6), dup))

	got, err := store.Records(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range got {
		assert.True(t, got[i].Timestamp.Equal(recs[i].Timestamp), "record %d out of order", i)
	}
	assert.Equal(t, model.StatusWarning, got[2].Status)
	assert.Equal(t, model.SampleHiActive, got[0].SampleType)
	require.NotNil(t, got[0].Temperature)
	assert.Equal(t, 141.0, *got[0].Temperature)
	assert.Nil(t, got[1].Temperature)
	assert.Equal(t, 80.0, *got[4].Battery)
	assert.Equal(t, 6.0, got[4].TotalLossKg)

	newest, err := store.Records(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.True(t, newest[1].Timestamp.Equal(recs[4].Timestamp))

	none, err := store.Records(ctx, prefix+"missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ---- File -------------------------------------------------------------------

func TestFileStore(t *testing.T) {
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	testStateRoundTrip(t, store, "")

	_, err = store.Records(context.Background(), "VT1", 10)
	assert.ErrorIs(t, err, storage.ErrRecordsUnsupported)
}

func TestFileStore_RejectsPathLikeIDs(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, store.Save(context.Background(), model.TrapSnapshot{TrapID: id}, nil), id)
	}
}

func TestFileStore_CorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VT1.json"), []byte("{not json"), 0o644))

	_, err = store.Load(context.Background(), "VT1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), snapshot("VT1", model.StatusGood, 0), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "VT1.json", entries[0].Name())
}

// ---- SQLite -----------------------------------------------------------------

func openSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "trapwatch.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	store := openSQLite(t)
	testStateRoundTrip(t, store, "")
	testRecordHistory(t, store, "")
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trapwatch.db")
	ctx := context.Background()

	store, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, snapshot("VT1", model.StatusLeaking, 9), records(2, t0)))
	require.NoError(t, store.Close())

	// Migrations are not re-applied.
	store, err = storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got, err := store.Load(ctx, "VT1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLeaking, got.State.Status)
	recs, err := store.Records(ctx, "VT1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := storage.Open(ctx, storage.Options{Driver: "file", Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStore{}, s)

	s, err = storage.Open(ctx, storage.Options{Driver: "sqlite", SQLitePath: filepath.Join(dir, "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = storage.Open(ctx, storage.Options{Driver: "mongo"})
	assert.Error(t, err)

	_, err = storage.Open(ctx, storage.Options{Driver: "postgres"})
	assert.Error(t, err, "postgres needs a DSN")
}

// ---- Postgres ---------------------------------------------------------------

func TestPostgresStore(t *testing.T) {
	if pgStore == nil {
		t.Skip("postgres container not started (-short)")
	}
	prefix := fmt.Sprintf("pg-%d-", time.Now().UnixNano())
	testStateRoundTrip(t, pgStore, prefix)
	testRecordHistory(t, pgStore, prefix)
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	if pgStore == nil {
		t.Skip("postgres container not started (-short)")
	}
	require.NoError(t, pgStore.Migrate(context.Background()))
}
