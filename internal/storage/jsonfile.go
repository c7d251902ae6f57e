package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	bindingsFileName = "verified_users.json"
	configFileName   = "verification_config.json"
)

type guildBindings struct {
	Users map[string]*Binding `json:"users"`
}

// JSONStore keeps bindings and guild configs in two JSON files under one directory.
// Both files are held in memory and rewritten whole on every mutation.
type JSONStore struct {
	dir string

	mu       sync.Mutex
	bindings map[string]*guildBindings
	configs  map[string]*GuildVerificationConfig
}

// NewJSONStore loads the store from dir, treating missing files as empty state
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &JSONStore{
		dir:      dir,
		bindings: make(map[string]*guildBindings),
		configs:  make(map[string]*GuildVerificationConfig),
	}

	if err := loadOrDefault(filepath.Join(dir, bindingsFileName), &s.bindings); err != nil {
		return nil, err
	}
	if err := loadOrDefault(filepath.Join(dir, configFileName), &s.configs); err != nil {
		return nil, err
	}

	// A file holding "null" decodes to a nil map.
	if s.bindings == nil {
		s.bindings = make(map[string]*guildBindings)
	}
	if s.configs == nil {
		s.configs = make(map[string]*GuildVerificationConfig)
	}

	for guildID, cfg := range s.configs {
		if cfg == nil {
			delete(s.configs, guildID)
			continue
		}
		cfg.GuildID = guildID
	}
	for guildID, gb := range s.bindings {
		if gb == nil || gb.Users == nil {
			s.bindings[guildID] = &guildBindings{Users: make(map[string]*Binding)}
			continue
		}
		for userID, b := range gb.Users {
			if b == nil {
				delete(gb.Users, userID)
				continue
			}
			b.UserID = userID
		}
	}

	return s, nil
}

// loadOrDefault decodes path into v, leaving v untouched when the file does not exist or is empty
func loadOrDefault(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFile replaces path atomically so a crash never leaves half a file behind
func writeFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return os.Rename(tmp.Name(), path)
}

// ListGuilds returns every guild with bindings or a saved config, sorted
func (s *JSONStore) ListGuilds() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.bindings)+len(s.configs))
	for guildID := range s.bindings {
		seen[guildID] = struct{}{}
	}
	for guildID := range s.configs {
		seen[guildID] = struct{}{}
	}

	guilds := make([]string, 0, len(seen))
	for guildID := range seen {
		guilds = append(guilds, guildID)
	}
	sort.Strings(guilds)
	return guilds, nil
}

// ListBindings returns copies of the guild's bindings
func (s *JSONStore) ListBindings(guildID string) ([]*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gb, ok := s.bindings[guildID]
	if !ok {
		return nil, nil
	}

	bindings := make([]*Binding, 0, len(gb.Users))
	for _, b := range gb.Users {
		c := *b
		bindings = append(bindings, &c)
	}
	sortBindings(bindings)
	return bindings, nil
}

// GetBinding returns a copy of one binding
func (s *JSONStore) GetBinding(guildID, userID string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gb, ok := s.bindings[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := gb.Users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

// SaveBinding stores a copy of b and rewrites the bindings file
func (s *JSONStore) SaveBinding(guildID string, b *Binding) error {
	if err := validateBinding(guildID, b); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gb, ok := s.bindings[guildID]
	if !ok {
		gb = &guildBindings{Users: make(map[string]*Binding)}
		s.bindings[guildID] = gb
	}
	prev, hadPrev := gb.Users[b.UserID]

	c := *b
	gb.Users[b.UserID] = &c

	if err := writeFile(filepath.Join(s.dir, bindingsFileName), s.bindings); err != nil {
		if hadPrev {
			gb.Users[b.UserID] = prev
		} else {
			delete(gb.Users, b.UserID)
		}
		return err
	}
	return nil
}

// DeleteBinding removes one binding and rewrites the bindings file
func (s *JSONStore) DeleteBinding(guildID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gb, ok := s.bindings[guildID]
	if !ok {
		return ErrNotFound
	}
	prev, ok := gb.Users[userID]
	if !ok {
		return ErrNotFound
	}

	delete(gb.Users, userID)
	if err := writeFile(filepath.Join(s.dir, bindingsFileName), s.bindings); err != nil {
		gb.Users[userID] = prev
		return err
	}
	return nil
}

// GetGuildConfig returns a copy of the guild's config or its defaults
func (s *JSONStore) GetGuildConfig(guildID string) (*GuildVerificationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[guildID]
	if !ok {
		return DefaultGuildConfig(guildID), nil
	}
	c := *cfg
	return &c, nil
}

// SaveGuildConfig stores a copy of cfg and rewrites the config file
func (s *JSONStore) SaveGuildConfig(cfg *GuildVerificationConfig) error {
	if cfg == nil || cfg.GuildID == "" {
		return fmt.Errorf("guild ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev := s.configs[cfg.GuildID]
	c := *cfg
	s.configs[cfg.GuildID] = &c

	if err := writeFile(filepath.Join(s.dir, configFileName), s.configs); err != nil {
		if hadPrev {
			s.configs[cfg.GuildID] = prev
		} else {
			delete(s.configs, cfg.GuildID)
		}
		return err
	}
	return nil
}

// Close is a no-op; every mutation is already on disk
func (s *JSONStore) Close() error {
	return nil
}
