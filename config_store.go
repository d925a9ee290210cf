// config_store.go: per-plugin configuration store contract and file implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PluginConfig is the persisted configuration of one plugin.
type PluginConfig struct {
	PluginID    string           `json:"plugin_id" yaml:"plugin_id"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	Preferences map[string]Value `json:"preferences,omitempty" yaml:"preferences,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"updated_at"`
}

// ConfigChange records one preference edit.
type ConfigChange struct {
	PluginID  string    `json:"plugin_id" yaml:"plugin_id"`
	Key       string    `json:"key" yaml:"key"`
	OldValue  Value     `json:"old_value,omitempty" yaml:"old_value,omitempty"`
	NewValue  Value     `json:"new_value,omitempty" yaml:"new_value,omitempty"`
	ChangedAt time.Time `json:"changed_at" yaml:"changed_at"`
}

// ConfigStore persists plugin configuration. The host never touches the
// storage format directly.
type ConfigStore interface {
	// LoadConfig returns the stored config, or an empty enabled config when
	// none exists.
	LoadConfig(pluginID string) (PluginConfig, error)
	SaveConfig(config PluginConfig) error
	TrackChange(change ConfigChange) error
	Backup(path string) error
	Restore(path string) error
}

// configBundle is the on-disk backup format.
type configBundle struct {
	CreatedAt time.Time      `yaml:"created_at"`
	Configs   []PluginConfig `yaml:"configs"`
	Changes   []ConfigChange `yaml:"changes,omitempty"`
}

const changeLogName = "changes.log"

// FileConfigStore keeps one YAML document per plugin in a directory, plus
// an append-only change log.
type FileConfigStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileConfigStore creates dir if needed.
func NewFileConfigStore(dir string) (*FileConfigStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, NewConfigStoreError("create", err)
	}
	return &FileConfigStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileConfigStore) Dir() string { return s.dir }

func (s *FileConfigStore) path(pluginID string) (string, error) {
	if pluginID == "" || strings.ContainsAny(pluginID, `/\`) || strings.Contains(pluginID, "..") {
		return "", NewConfigStoreError("resolve", NewManifestInvalidError("id", "unsafe plugin id "+pluginID))
	}
	return filepath.Join(s.dir, pluginID+".yaml"), nil
}

func (s *FileConfigStore) LoadConfig(pluginID string) (PluginConfig, error) {
	path, err := s.path(pluginID)
	if err != nil {
		return PluginConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the store directory
	if os.IsNotExist(err) {
		return PluginConfig{PluginID: pluginID, Enabled: true}, nil
	}
	if err != nil {
		return PluginConfig{}, NewConfigStoreError("load", err)
	}
	var cfg PluginConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PluginConfig{}, NewConfigStoreError("load", err)
	}
	cfg.PluginID = pluginID
	return cfg, nil
}

func (s *FileConfigStore) SaveConfig(config PluginConfig) error {
	path, err := s.path(config.PluginID)
	if err != nil {
		return err
	}
	if config.UpdatedAt.IsZero() {
		config.UpdatedAt = time.Now()
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return NewConfigStoreError("save", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(path, data)
}

// TrackChange appends to the change log as a YAML document stream.
func (s *FileConfigStore) TrackChange(change ConfigChange) error {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now()
	}
	data, err := yaml.Marshal(change)
	if err != nil {
		return NewConfigStoreError("track", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, changeLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return NewConfigStoreError("track", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append([]byte("---\n"), data...)); err != nil {
		return NewConfigStoreError("track", err)
	}
	return nil
}

// Changes returns the change log in append order.
func (s *FileConfigStore) Changes() ([]ConfigChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readChangesLocked()
}

func (s *FileConfigStore) readChangesLocked() ([]ConfigChange, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, changeLogName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewConfigStoreError("read changes", err)
	}
	var changes []ConfigChange
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var c ConfigChange
		err := dec.Decode(&c)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewConfigStoreError("read changes", err)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (s *FileConfigStore) readConfigsLocked() ([]PluginConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, NewConfigStoreError("list", err)
	}
	var configs []PluginConfig
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name())) // #nosec G304 -- listing of the store directory
		if err != nil {
			return nil, NewConfigStoreError("list", err)
		}
		var cfg PluginConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, NewConfigStoreError("list", err)
		}
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].PluginID < configs[j].PluginID })
	return configs, nil
}

// Backup writes every config and the change log into one YAML bundle.
func (s *FileConfigStore) Backup(path string) error {
	s.mu.Lock()
	configs, err := s.readConfigsLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changes, err := s.readChangesLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(configBundle{CreatedAt: time.Now(), Configs: configs, Changes: changes})
	if err != nil {
		return NewConfigStoreError("backup", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return NewConfigStoreError("backup", err)
	}
	return writeFileAtomic(path, data)
}

// Restore replaces the store contents with a bundle written by Backup.
func (s *FileConfigStore) Restore(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied backup path
	if err != nil {
		return NewConfigStoreError("restore", err)
	}
	var bundle configBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return NewConfigStoreError("restore", err)
	}
	for _, cfg := range bundle.Configs {
		if _, err := s.path(cfg.PluginID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return NewConfigStoreError("restore", err)
	}
	for _, e := range entries {
		if !e.IsDir() && (filepath.Ext(e.Name()) == ".yaml" || e.Name() == changeLogName) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return NewConfigStoreError("restore", err)
			}
		}
	}
	for _, cfg := range bundle.Configs {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return NewConfigStoreError("restore", err)
		}
		if err := writeFileAtomic(filepath.Join(s.dir, cfg.PluginID+".yaml"), out); err != nil {
			return err
		}
	}
	if len(bundle.Changes) > 0 {
		var log bytes.Buffer
		for _, c := range bundle.Changes {
			out, err := yaml.Marshal(c)
			if err != nil {
				return NewConfigStoreError("restore", err)
			}
			log.WriteString("---\n")
			log.Write(out)
		}
		if err := writeFileAtomic(filepath.Join(s.dir, changeLogName), log.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return NewConfigStoreError("write", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return NewConfigStoreError("write", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return NewConfigStoreError("write", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return NewConfigStoreError("write", err)
	}
	return nil
}

// MemoryConfigStore is an in-process ConfigStore.
type MemoryConfigStore struct {
	mu      sync.Mutex
	configs map[string]PluginConfig
	changes []ConfigChange
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]PluginConfig)}
}

func (m *MemoryConfigStore) LoadConfig(pluginID string) (PluginConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[pluginID]; ok {
		return cfg, nil
	}
	return PluginConfig{PluginID: pluginID, Enabled: true}, nil
}

func (m *MemoryConfigStore) SaveConfig(config PluginConfig) error {
	m.mu.Lock()
	m.configs[config.PluginID] = config
	m.mu.Unlock()
	return nil
}

func (m *MemoryConfigStore) TrackChange(change ConfigChange) error {
	m.mu.Lock()
	m.changes = append(m.changes, change)
	m.mu.Unlock()
	return nil
}

// Changes returns a copy of the tracked changes.
func (m *MemoryConfigStore) Changes() []ConfigChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConfigChange(nil), m.changes...)
}

// Backup writes the same bundle format as FileConfigStore.
func (m *MemoryConfigStore) Backup(path string) error {
	m.mu.Lock()
	bundle := configBundle{CreatedAt: time.Now(), Changes: append([]ConfigChange(nil), m.changes...)}
	for _, cfg := range m.configs {
		bundle.Configs = append(bundle.Configs, cfg)
	}
	m.mu.Unlock()
	sort.Slice(bundle.Configs, func(i, j int) bool { return bundle.Configs[i].PluginID < bundle.Configs[j].PluginID })
	data, err := yaml.Marshal(bundle)
	if err != nil {
		return NewConfigStoreError("backup", err)
	}
	return writeFileAtomic(path, data)
}

func (m *MemoryConfigStore) Restore(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied backup path
	if err != nil {
		return NewConfigStoreError("restore", err)
	}
	var bundle configBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return NewConfigStoreError("restore", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = make(map[string]PluginConfig, len(bundle.Configs))
	for _, cfg := range bundle.Configs {
		m.configs[cfg.PluginID] = cfg
	}
	m.changes = bundle.Changes
	return nil
}
