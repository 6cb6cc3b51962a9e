package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore reads and writes the identity record as a single JSON file.
// Writes replace the whole file through a temp file and rename.
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store for the data file inside dataDir
func NewFileStore(dataDir string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   filepath.Join(dataDir, DataFileName),
		logger: logger.Named("identity"),
	}
}

// Path returns the data file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the record. A missing or unparsable file is replaced by a fresh
// record with a new persistence id, which is written back before returning.
func (s *FileStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("read identity file: %w", err)
		}
		s.logger.Info("Identity file not found, generating persistence id",
			zap.String("path", s.path))
		return s.regenerateLocked(Record{})
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Identity file was of invalid format, regenerating",
			zap.String("path", s.path),
			zap.Error(err))
		return s.regenerateLocked(Record{})
	}

	if rec.PersistenceID == "" {
		s.logger.Warn("Identity file had no persistence id, generating one",
			zap.String("path", s.path))
		return s.regenerateLocked(rec)
	}

	return rec, nil
}

func (s *FileStore) regenerateLocked(rec Record) (Record, error) {
	rec.PersistenceID = NewID()
	if err := s.writeLocked(rec); err != nil {
		return Record{}, err
	}
	s.logger.Info("Identity file updated (persistence id)")
	return rec, nil
}

// Save replaces the stored record
func (s *FileStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(rec); err != nil {
		return err
	}
	s.logger.Debug("Identity file updated", zap.Bool("has_token", rec.HasToken()))
	return nil
}

func (s *FileStore) writeLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp identity file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}
