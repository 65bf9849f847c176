// Package agent establishes and supervises the reverse tunnel for one
// router: derive the router identity, lease a port, install the on-router
// supervisor, and keep enough local state to restart idempotently.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted tunnel state, one per agent install. If Port is set
// a lease exists in the port manager for RouterID.
type State struct {
	RouterID   string    `json:"router_id"`
	Port       int       `json:"port"`
	VMHost     string    `json:"vm_host"`
	VMUser     string    `json:"vm_user"`
	RouterAddr string    `json:"router_addr"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DefaultStatePath is ~/.netpilot/state.json.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "netpilot-state.json")
	}
	return filepath.Join(home, ".netpilot", "state.json")
}

// LoadState reads the state file. A missing file returns (nil, nil).
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	return &s, nil
}

// SaveState writes atomically via temp file + rename.
func SaveState(path string, s *State) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

// ClearState removes the state file. Missing file is fine.
func ClearState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state: %w", err)
	}
	return nil
}
