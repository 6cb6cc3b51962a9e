// Package config loads, overlays and persists the connector's settings.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store manages the settings file. Reads see the file overlaid with the
// environment; writes only ever persist the file layer.
type Store struct {
	path   string
	lookup LookupFunc
	logger *zap.Logger

	mu   sync.RWMutex
	file Settings
}

// NewStore creates a store for path. A nil lookup reads the process
// environment.
func NewStore(path string, lookup LookupFunc, logger *zap.Logger) *Store {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Store{
		path:   path,
		lookup: lookup,
		logger: logger.Named("config"),
	}
}

// Path returns the settings file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing file is an empty configuration.
func (s *Store) Load() error {
	s.logger.Debug("Loading settings", zap.String("path", s.path))

	settings, err := readSettings(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.file = settings
	s.mu.Unlock()

	s.logger.Info("Settings loaded", zap.String("path", s.path))
	return nil
}

// Reload re-reads the file, keeping the last good settings on failure
func (s *Store) Reload() error {
	settings, err := readSettings(s.path)
	if err != nil {
		s.logger.Warn("Failed to reload settings, keeping previous values",
			zap.String("path", s.path), zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.file = settings
	s.mu.Unlock()
	return nil
}

// File returns the settings as persisted, without environment overrides
func (s *Store) File() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Clone()
}

// Current returns the effective settings. Unparseable overrides are logged
// and ignored.
func (s *Store) Current() Settings {
	s.mu.RLock()
	file := s.file.Clone()
	s.mu.RUnlock()

	out, err := ApplyEnv(file, s.lookup)
	if err != nil {
		s.logger.Warn("Ignoring invalid environment overrides", zap.Error(err))
	}
	return out
}

// Update applies fn to the file layer and saves the result
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.file.Clone()
	fn(&next)
	if err := writeSettings(s.path, next); err != nil {
		return err
	}
	s.file = next
	return nil
}

// Save writes the file layer back to disk
func (s *Store) Save() error {
	return s.Update(func(*Settings) {})
}

// EnsureDefaults writes hub_host and hub_port when the file leaves them unset
func (s *Store) EnsureDefaults() error {
	file := s.File()
	if file.HubHost != "" && file.HubPort != 0 {
		return nil
	}

	err := s.Update(func(st *Settings) {
		if st.HubHost == "" {
			st.HubHost = DefaultHubHost
		}
		if st.HubPort == 0 {
			st.HubPort = DefaultHubPort
		}
	})
	if err != nil {
		return fmt.Errorf("failed to save default hub address: %w", err)
	}
	s.logger.Info("Applied default hub address",
		zap.String("hub_host", DefaultHubHost),
		zap.Int("hub_port", DefaultHubPort))
	return nil
}

// DeviceID returns device_uuid, generating and saving one on first use
func (s *Store) DeviceID() (string, error) {
	if id := s.Current().DeviceUUID; id != "" {
		return id, nil
	}

	var id string
	err := s.Update(func(st *Settings) {
		if st.DeviceUUID == "" {
			st.DeviceUUID = uuid.NewString()
		}
		id = st.DeviceUUID
	})
	if err != nil {
		return "", fmt.Errorf("failed to save device_uuid: %w", err)
	}
	s.logger.Info("Generated device id", zap.String("device_uuid", id))
	return id, nil
}

func readSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return settings, nil
}

func writeSettings(path string, settings Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp settings: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to chmod settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
