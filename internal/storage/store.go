// Package storage persists per-trap evaluation state and output records.
//
// Three backends implement StateStore: PostgresStore (pgxpool, for the
// server deployment), SQLiteStore (a single embedded file) and FileStore
// (one JSON document per trap, no record history).
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// StateStore loads and saves trap snapshots. Save is atomic: the snapshot
// and its records are written together or not at all.
type StateStore interface {
	// Load returns the snapshot for trapID, or ErrNotFound.
	Load(ctx context.Context, trapID string) (model.TrapSnapshot, error)
	// Save replaces the snapshot and appends records. Records already
	// stored for the same trap and timestamp are kept.
	Save(ctx context.Context, snap model.TrapSnapshot, records []model.OutputRecord) error
	// List returns every stored snapshot ordered by trap id.
	List(ctx context.Context) ([]model.TrapSnapshot, error)
	// Records returns up to limit of the newest records for trapID in
	// ascending time order, or ErrRecordsUnsupported.
	Records(ctx context.Context, trapID string, limit int) ([]model.OutputRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultRecordLimit applies when Records is called with limit <= 0.
const DefaultRecordLimit = 168

// Options selects and configures a backend for Open.
type Options struct {
	Driver      string // "postgres", "sqlite" or "file"
	DatabaseURL string
	SQLitePath  string
	Dir         string
	Logger      *slog.Logger
}

// Open connects to the configured backend and brings its schema up to date.
func Open(ctx context.Context, opts Options) (StateStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Driver {
	case "postgres":
		db, err := NewPostgres(ctx, opts.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath, logger)
	case "file":
		return NewFileStore(opts.Dir)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecordLimit
	}
	return limit
}

// reverse flips records fetched newest-first into ascending order.
func reverse(records []model.OutputRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
