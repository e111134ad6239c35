// Package edge implements the device-side runtime: a durable SQLite
// buffer, the cadence scheduler, policy caching and the apply-once
// control-command protocol.
package edge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// CommandState is the persisted apply-once bookkeeping. Both IDs are
// written in one atomic rename so a crash can never record an applied
// command without its pending ack.
type CommandState struct {
	LastAppliedCommandID string `json:"lastAppliedCommandId"`
	PendingAckCommandID  string `json:"pendingAckCommandId"`
}

// saveJSON writes v atomically: temp file, fsync, rename.
func saveJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// loadJSON reads a sidecar into v. A missing or corrupt file leaves v at
// its zero value and is not an error; the runtime restarts from defaults.
func loadJSON(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read state sidecar, using defaults")
		}
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt state sidecar, using defaults")
	}
}
