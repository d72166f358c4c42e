package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// FileStore keeps one JSON snapshot per trap in a directory. Writes go to a
// temporary file that is renamed over the previous snapshot. Records are
// not kept; the CSV history written by the exporter serves that role.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

const snapshotExt = ".json"

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(trapID string) (string, error) {
	if trapID == "" || strings.ContainsAny(trapID, `/\`) || trapID == "." || trapID == ".." {
		return "", fmt.Errorf("storage: invalid trap id %q", trapID)
	}
	return filepath.Join(s.dir, trapID+snapshotExt), nil
}

// Load reads the snapshot for trapID.
func (s *FileStore) Load(_ context.Context, trapID string) (model.TrapSnapshot, error) {
	p, err := s.path(trapID)
	if err != nil {
		return model.TrapSnapshot{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.TrapSnapshot{}, fmt.Errorf("storage: state for %s: %w", trapID, ErrNotFound)
		}
		return model.TrapSnapshot{}, fmt.Errorf("storage: load state: %w", err)
	}
	var snap model.TrapSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.TrapSnapshot{}, fmt.Errorf("storage: decode state for %s: %w", trapID, err)
	}
	snap.TrapID = trapID
	return snap, nil
}

// Save atomically replaces the snapshot. records are ignored.
func (s *FileStore) Save(_ context.Context, snap model.TrapSnapshot, _ []model.OutputRecord) error {
	p, err := s.path(snap.TrapID)
	if err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode state for %s: %w", snap.TrapID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+snap.TrapID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("storage: save %s: %w", snap.TrapID, err)
	}
	return nil
}

// List reads every snapshot in the directory ordered by trap id.
func (s *FileStore) List(ctx context.Context) ([]model.TrapSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list states: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(ids)

	snaps := make([]model.TrapSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Records always fails with ErrRecordsUnsupported.
func (s *FileStore) Records(context.Context, string, int) ([]model.OutputRecord, error) {
	return nil, ErrRecordsUnsupported
}

// Ping checks that the directory is still accessible.
func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("storage: state dir: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
