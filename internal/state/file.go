package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
)

// FileStore keeps one JSON document per charge point under dir. Writes go
// through a temp file and a rename so a crash never leaves a torn record.
type FileStore struct {
	dir    string
	logger *logrus.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(chargePoint int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chargepoint%d.json", chargePoint))
}

// Load reads the record for chargePoint. A corrupt file is logged and
// treated as absent so the next Save replaces it.
func (s *FileStore) Load(_ context.Context, chargePoint int) (Record, bool, error) {
	data, err := os.ReadFile(s.path(chargePoint))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WithError(err).WithField("path", s.path(chargePoint)).Warn("Discarding unreadable state record")
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save atomically replaces the record for chargePoint.
func (s *FileStore) Save(_ context.Context, chargePoint int, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := renameio.WriteFile(s.path(chargePoint), data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}
