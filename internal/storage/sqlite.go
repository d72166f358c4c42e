package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/migrations"
)

// SQLiteStore keeps snapshots and record history in a single SQLite file.
// Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection serializes writers and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := runMigrations(ctx, s, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) applyMigration(ctx context.Context, name, content string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, content); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UnixMilli())
		return err
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Load returns the stored snapshot for trapID.
func (s *SQLiteStore) Load(ctx context.Context, trapID string) (model.TrapSnapshot, error) {
	var (
		raw       string
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM trap_states WHERE trap_id = ?`, trapID,
	).Scan(&raw, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TrapSnapshot{}, fmt.Errorf("storage: state for %s: %w", trapID, ErrNotFound)
		}
		return model.TrapSnapshot{}, fmt.Errorf("storage: load state: %w", err)
	}
	return decodeSnapshot(trapID, raw, updatedMs)
}

func decodeSnapshot(trapID, raw string, updatedMs int64) (model.TrapSnapshot, error) {
	snap := model.TrapSnapshot{TrapID: trapID, UpdatedAt: time.UnixMilli(updatedMs).UTC()}
	if err := json.Unmarshal([]byte(raw), &snap.State); err != nil {
		return model.TrapSnapshot{}, fmt.Errorf("storage: decode state for %s: %w", trapID, err)
	}
	return snap, nil
}

// Save upserts the snapshot and appends records in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap model.TrapSnapshot, records []model.OutputRecord) error {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("storage: encode state for %s: %w", snap.TrapID, err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trap_states (trap_id, state, status, total_loss_kg, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (trap_id) DO UPDATE
			 SET state = excluded.state, status = excluded.status,
			     total_loss_kg = excluded.total_loss_kg, updated_at = excluded.updated_at`,
			snap.TrapID, string(raw), int(snap.State.Status), snap.State.TotalLossKg, snap.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO trap_records (`+recordColumnList+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare records: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx,
				snap.TrapID, r.Timestamp.UnixMilli(), r.Activity, r.CycleCount, int(r.SampleType), int(r.Status),
				r.ConfigIndex, r.TotalLossKg, r.TotalLossKwh, r.TotalLossCo2, r.MeanIntLeak, r.NoiseFactor,
				r.Temperature, r.Battery,
			); err != nil {
				return fmt.Errorf("insert record %s: %w", r.Timestamp.UTC().Format(time.RFC3339), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	return nil
}

const recordColumnList = `trap_id, ts, activity, cycle_count, sample_type, status, config_index,
	total_loss_kg, total_loss_kwh, total_loss_co2, mean_int_leak, noise_factor, temperature, battery`

// List returns every stored snapshot ordered by trap id.
func (s *SQLiteStore) List(ctx context.Context) ([]model.TrapSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trap_id, state, updated_at FROM trap_states ORDER BY trap_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []model.TrapSnapshot
	for rows.Next() {
		var (
			trapID, raw string
			updatedMs   int64
		)
		if err := rows.Scan(&trapID, &raw, &updatedMs); err != nil {
			return nil, fmt.Errorf("storage: scan state: %w", err)
		}
		snap, err := decodeSnapshot(trapID, raw, updatedMs)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Records returns the newest records for trapID in ascending time order.
func (s *SQLiteStore) Records(ctx context.Context, trapID string, limit int) ([]model.OutputRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, activity, cycle_count, sample_type, status, config_index,
		        total_loss_kg, total_loss_kwh, total_loss_co2, mean_int_leak, noise_factor,
		        temperature, battery
		 FROM trap_records WHERE trap_id = ?
		 ORDER BY ts DESC
		 LIMIT ?`,
		trapID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.OutputRecord
	for rows.Next() {
		var (
			r                  model.OutputRecord
			tsMs               int64
			sampleType, status int
			temp, battery      sql.NullFloat64
		)
		if err := rows.Scan(
			&tsMs, &r.Activity, &r.CycleCount, &sampleType, &status, &r.ConfigIndex,
			&r.TotalLossKg, &r.TotalLossKwh, &r.TotalLossCo2, &r.MeanIntLeak, &r.NoiseFactor,
			&temp, &battery,
		); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		r.Timestamp = time.UnixMilli(tsMs).UTC()
		r.SampleType = model.SampleType(sampleType)
		r.Status = model.Status(status)
		if temp.Valid {
			r.Temperature = &temp.Float64
		}
		if battery.Valid {
			r.Battery = &battery.Float64
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	reverse(records)
	return records, nil
}
