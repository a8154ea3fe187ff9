package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"solary/internal/models"
)

// Snapshot is the best-effort local state written between runs. It only seeds
// the display on cold start and is superseded by the first successful
// Directory reconciliation.
type Snapshot struct {
	Statuses      []models.LockerStatus `json:"statuses"`
	FallbackCodes []string              `json:"fallback_codes"`
	LastUpdate    time.Time             `json:"last_update"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore builds a store writing to the given path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Save writes the snapshot. Failures are logged and swallowed; losing the
// snapshot only costs the cold-start seed.
func (s *Store) Save(snap Snapshot) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Warn("snapshot encode failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("snapshot dir create failed", zap.String("dir", dir), zap.Error(err))
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("snapshot write failed", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("snapshot rename failed", zap.String("path", s.path), zap.Error(err))
	}
}

// Load reads the snapshot from disk.
func (s *Store) Load() (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(s.path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("snapshot decode: %w", err)
	}
	return snap, nil
}
