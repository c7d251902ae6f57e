package storage

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when a requested binding does not exist
var ErrNotFound = errors.New("not found")

// VerificationStore persists verified-user bindings and per-guild verification config.
// Implementations serialize their own writes; callers may share one store across goroutines.
type VerificationStore interface {
	// ListGuilds returns every guild that has bindings or a saved config
	ListGuilds() ([]string, error)

	// ListBindings returns the guild's bindings ordered by user ID
	ListBindings(guildID string) ([]*Binding, error)

	// GetBinding returns ErrNotFound when the user has no binding in the guild
	GetBinding(guildID, userID string) (*Binding, error)

	// SaveBinding creates or replaces the binding for (guildID, b.UserID)
	SaveBinding(guildID string, b *Binding) error

	// DeleteBinding returns ErrNotFound when there was nothing to delete
	DeleteBinding(guildID, userID string) error

	// GetGuildConfig loads the guild's config, or its defaults if none was saved
	GetGuildConfig(guildID string) (*GuildVerificationConfig, error)

	SaveGuildConfig(cfg *GuildVerificationConfig) error

	Close() error
}

// Open returns the verification store selected by backend ("json" or "sqlite").
// The sqlite backend reuses repo instead of opening a second database handle.
func Open(backend, dataDir string, repo *Repository) (VerificationStore, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(dataDir)
	case "sqlite":
		if repo == nil {
			return nil, fmt.Errorf("sqlite backend requires a repository")
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

func validateBinding(guildID string, b *Binding) error {
	if guildID == "" {
		return fmt.Errorf("guild ID is required")
	}
	if b == nil || b.UserID == "" {
		return fmt.Errorf("binding user ID is required")
	}
	return nil
}

func sortBindings(bindings []*Binding) {
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].UserID < bindings[j].UserID
	})
}
