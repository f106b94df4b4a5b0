// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/metrics"
)

// Store is the persistence boundary for GlobalState. Load returns a default
// empty state when nothing has been persisted yet; Save rewrites the whole
// state atomically.
type Store interface {
	Load() (*GlobalState, error)
	Save(*GlobalState) error
}

// FileStore persists GlobalState as a JSON file.
//
// Saves go through a temp file in the same directory followed by a rename,
// so a crash mid-write never leaves a truncated state file behind. Every
// save is a full-state rewrite; there is no partial-corruption mode.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted state, or returns an empty GlobalState if the
// file does not exist yet.
func (s *FileStore) Load() (*GlobalState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug().Str("path", s.path).Msg("No state file yet, starting from empty state")
			return NewGlobalState(), nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	st := NewGlobalState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", s.path, err)
	}
	return st, nil
}

// Save atomically rewrites the persisted state.
func (s *FileStore) Save(st *GlobalState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		// 0750 per gosec G301
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".logpump-state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		closeQuietly(tmp)
		removeQuietly(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		closeQuietly(tmp)
		removeQuietly(tmpPath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		removeQuietly(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		removeQuietly(tmpPath)
		return fmt.Errorf("failed to replace state file %s: %w", s.path, err)
	}

	metrics.StateSaves.Inc()
	return nil
}

func closeQuietly(f *os.File) {
	if err := f.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close temp state file")
	}
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", path).Msg("Failed to remove temp state file")
	}
}
