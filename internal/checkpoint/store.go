package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertthunder/favsync/internal/shared"
)

// FileName is the checkpoint file kept in the sync data directory.
const FileName = "sync_checkpoint.json"

// Store reads and writes the single checkpoint file of an install.
type Store struct {
	path string
}

// NewStore returns a Store for the checkpoint file in dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, FileName)}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint file.
func (s *Store) Load() (*Checkpoint, error) {
	return Load(s.path)
}

// Load reads the checkpoint at path.
//
// A missing file wraps [shared.ErrCheckpointNotFound]; an unreadable or inconsistent one wraps
// [shared.ErrCheckpointCorrupt].
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if shared.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", shared.ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrCheckpointCorrupt, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrCheckpointCorrupt, path, err)
	}
	if cp.TaskID == "" {
		return nil, fmt.Errorf("%w: %s has no task id", shared.ErrCheckpointCorrupt, path)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCheckpointCorrupt, err)
	}
	if cp.Stats.Errors == nil {
		cp.Stats.Errors = []string{}
	}
	return &cp, nil
}

// Save validates the checkpoint, stamps UpdatedAt and replaces the file atomically.
//
// A failed write leaves the previous file untouched.
func (s *Store) Save(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := shared.WriteJSON(s.path, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	return shared.FileExists(s.path)
}

// Delete removes the checkpoint file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
