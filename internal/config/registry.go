package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ashita-ai/trapwatch/internal/model"
)

// Trap is one registry entry: where a trap's configuration history lives,
// where its CSV export goes and which hub connection receives its payloads.
type Trap struct {
	ID               string `json:"id"`
	InfoFile         string `json:"infoFile"`
	OutputFile       string `json:"outputFile"`
	HubConnectionRef string `json:"hubConnectionRef"`
}

// HubConnection resolves the connection string named by HubConnectionRef.
// An empty result means the trap is not published.
func (t Trap) HubConnection() string {
	if t.HubConnectionRef == "" {
		return ""
	}
	return os.Getenv(t.HubConnectionRef)
}

// Registry lists the monitored traps.
type Registry struct {
	Traps []Trap `json:"traps"`
}

// Find returns the trap with the given id.
func (r Registry) Find(id string) (Trap, bool) {
	for _, t := range r.Traps {
		if t.ID == id {
			return t, true
		}
	}
	return Trap{}, false
}

// LoadRegistry reads and validates the trap registry file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("config: read registry: %w", err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("config: parse registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(reg.Traps))
	var errs []error
	for i, t := range reg.Traps {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("traps[%d]: id is required", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("traps[%d]: duplicate id %q", i, t.ID))
		case t.InfoFile == "":
			errs = append(errs, fmt.Errorf("traps[%d] (%s): infoFile is required", i, t.ID))
		}
		seen[t.ID] = true
	}
	if len(errs) > 0 {
		return Registry{}, fmt.Errorf("config: invalid registry %s: %w", path, errors.Join(errs...))
	}
	return reg, nil
}

// LoadConfigHistory reads a trap info file: a JSON array of configuration
// entries. The history is returned sorted by validFrom and validated.
func LoadConfigHistory(path string) (model.ConfigHistory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read trap info: %w", err)
	}
	var history model.ConfigHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("config: parse trap info %s: %w", path, err)
	}
	history.Sort()
	if err := history.Validate(); err != nil {
		return nil, fmt.Errorf("config: trap info %s: %w", path, err)
	}
	return history, nil
}
