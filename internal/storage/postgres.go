package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/migrations"
)

// PostgresStore keeps snapshots and record history in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a PostgresStore with a connection pool and checks
// connectivity. It does not migrate; call Migrate.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *PostgresStore) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *PostgresStore) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *PostgresStore) Close() error {
	db.pool.Close()
	return nil
}

// Migrate applies the embedded PostgreSQL migrations.
func (db *PostgresStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, db, migrations.Postgres, db.logger)
}

func (db *PostgresStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (db *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (db *PostgresStore) applyMigration(ctx context.Context, name, content string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, content); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
		return err
	})
}

// Load returns the stored snapshot for trapID.
func (db *PostgresStore) Load(ctx context.Context, trapID string) (model.TrapSnapshot, error) {
	var (
		raw  []byte
		snap = model.TrapSnapshot{TrapID: trapID}
	)
	err := db.pool.QueryRow(ctx,
		`SELECT state, updated_at FROM trap_states WHERE trap_id = $1`, trapID,
	).Scan(&raw, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrapSnapshot{}, fmt.Errorf("storage: state for %s: %w", trapID, ErrNotFound)
		}
		return model.TrapSnapshot{}, fmt.Errorf("storage: load state: %w", err)
	}
	if err := json.Unmarshal(raw, &snap.State); err != nil {
		return model.TrapSnapshot{}, fmt.Errorf("storage: decode state for %s: %w", trapID, err)
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

// Save upserts the snapshot and appends records in one transaction.
// Records are bulk-loaded with COPY into a temporary table and moved into
// trap_records skipping timestamps that are already stored.
func (db *PostgresStore) Save(ctx context.Context, snap model.TrapSnapshot, records []model.OutputRecord) error {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("storage: encode state for %s: %w", snap.TrapID, err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	return WithRetry(ctx, saveRetries, saveBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trap_states (trap_id, state, status, total_loss_kg, updated_at)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (trap_id) DO UPDATE
				 SET state = EXCLUDED.state, status = EXCLUDED.status,
				     total_loss_kg = EXCLUDED.total_loss_kg, updated_at = EXCLUDED.updated_at`,
				snap.TrapID, raw, int16(snap.State.Status), snap.State.TotalLossKg, snap.UpdatedAt,
			); err != nil {
				return fmt.Errorf("storage: upsert state: %w", err)
			}
			if len(records) == 0 {
				return nil
			}
			return copyRecords(ctx, tx, snap.TrapID, records)
		})
	})
}

var recordColumns = []string{
	"trap_id", "ts", "activity", "cycle_count", "sample_type", "status", "config_index",
	"total_loss_kg", "total_loss_kwh", "total_loss_co2", "mean_int_leak", "noise_factor",
	"temperature", "battery",
}

func copyRecords(ctx context.Context, tx pgx.Tx, trapID string, records []model.OutputRecord) error {
	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_records (LIKE trap_records INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return fmt.Errorf("storage: create incoming records table: %w", err)
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			trapID, r.Timestamp.UTC(), r.Activity, int32(r.CycleCount), int16(r.SampleType), int16(r.Status),
			int32(r.ConfigIndex), r.TotalLossKg, r.TotalLossKwh, r.TotalLossCo2, r.MeanIntLeak, r.NoiseFactor,
			r.Temperature, r.Battery,
		}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"_incoming_records"}, recordColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy records: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO trap_records SELECT * FROM _incoming_records ON CONFLICT (trap_id, ts) DO NOTHING`,
	); err != nil {
		return fmt.Errorf("storage: insert records: %w", err)
	}
	return nil
}

// List returns every stored snapshot ordered by trap id.
func (db *PostgresStore) List(ctx context.Context) ([]model.TrapSnapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT trap_id, state, updated_at FROM trap_states ORDER BY trap_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list states: %w", err)
	}
	defer rows.Close()

	var snaps []model.TrapSnapshot
	for rows.Next() {
		var (
			snap model.TrapSnapshot
			raw  []byte
		)
		if err := rows.Scan(&snap.TrapID, &raw, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan state: %w", err)
		}
		if err := json.Unmarshal(raw, &snap.State); err != nil {
			return nil, fmt.Errorf("storage: decode state for %s: %w", snap.TrapID, err)
		}
		snap.UpdatedAt = snap.UpdatedAt.UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Records returns the newest records for trapID in ascending time order.
func (db *PostgresStore) Records(ctx context.Context, trapID string, limit int) ([]model.OutputRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ts, activity, cycle_count, sample_type, status, config_index,
		        total_loss_kg, total_loss_kwh, total_loss_co2, mean_int_leak, noise_factor,
		        temperature, battery
		 FROM trap_records WHERE trap_id = $1
		 ORDER BY ts DESC
		 LIMIT $2`,
		trapID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	defer rows.Close()

	var records []model.OutputRecord
	for rows.Next() {
		var (
			r                  model.OutputRecord
			cycles, configIdx  int32
			sampleType, status int16
		)
		if err := rows.Scan(
			&r.Timestamp, &r.Activity, &cycles, &sampleType, &status, &configIdx,
			&r.TotalLossKg, &r.TotalLossKwh, &r.TotalLossCo2, &r.MeanIntLeak, &r.NoiseFactor,
			&r.Temperature, &r.Battery,
		); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.CycleCount = int(cycles)
		r.ConfigIndex = int(configIdx)
		r.SampleType = model.SampleType(sampleType)
		r.Status = model.Status(status)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	reverse(records)
	return records, nil
}
