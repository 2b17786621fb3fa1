package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileAdapter snapshots state to a JSON file. Writes go through a temp
// file and rename so a crash mid-save never leaves a torn snapshot.
type FileAdapter struct {
	path   string
	logger zerolog.Logger
}

// NewFileAdapter creates a file adapter writing to path.
func NewFileAdapter(path string, logger zerolog.Logger) *FileAdapter {
	return &FileAdapter{path: path, logger: logger}
}

// Load reads the snapshot file. A missing file is a fresh start, not an
// error.
func (f *FileAdapter) Load() (*State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.logger.Info().Str("path", f.path).Msg("No snapshot file, starting with empty cache")
			return NewState(), nil
		}
		PersistErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		PersistErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if state.Pools == nil {
		state.Pools = NewState().Pools
	}

	f.logger.Info().
		Str("path", f.path).
		Int("pools", len(state.Pools)).
		Msg("Loaded cache snapshot")
	return state, nil
}

// Save writes the snapshot file atomically.
func (f *FileAdapter) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*")
	if err != nil {
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
