package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Repository handles all SQLite operations: helper points, and bindings/config
// when the sqlite verification backend is selected
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository with SQLite
func NewRepository(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps writes ordered
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &Repository{db: db}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate creates the database schema
func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS verified_users (
			guild_id VARCHAR(20) NOT NULL,
			user_id VARCHAR(20) NOT NULL,
			claimed_name VARCHAR(100) NOT NULL,
			claimed_guild_name VARCHAR(100) NOT NULL DEFAULT '',
			character_id VARCHAR(50) NOT NULL DEFAULT '',
			verified_by VARCHAR(20) NOT NULL DEFAULT '',
			verified_at INTEGER NOT NULL DEFAULT 0,
			last_checked_at INTEGER NOT NULL DEFAULT 0,
			failed_checks INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS verification_config (
			guild_id VARCHAR(20) PRIMARY KEY,
			daily_check_enabled INTEGER NOT NULL DEFAULT 1,
			verified_role_name VARCHAR(100) NOT NULL DEFAULT '',
			log_channel_id VARCHAR(20) NOT NULL DEFAULT '',
			last_check_time INTEGER NOT NULL DEFAULT 0,
			total_checks_run INTEGER NOT NULL DEFAULT 0,
			users_removed_total INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS helper_points (
			guild_id VARCHAR(20) NOT NULL,
			user_id VARCHAR(20) NOT NULL,
			points INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_helper_points_guild ON helper_points(guild_id, points)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Timestamps are stored as unix nanoseconds; 0 means unset
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Binding operations

const bindingColumns = `user_id, claimed_name, claimed_guild_name, character_id, verified_by, verified_at, last_checked_at, failed_checks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*Binding, error) {
	b := &Binding{}
	var verifiedAt, lastCheckedAt int64
	err := row.Scan(&b.UserID, &b.ClaimedName, &b.ClaimedGuildName, &b.CharacterID, &b.VerifiedBy,
		&verifiedAt, &lastCheckedAt, &b.FailedChecks)
	if err != nil {
		return nil, err
	}
	b.VerifiedAt = fromUnix(verifiedAt)
	b.LastCheckedAt = fromUnix(lastCheckedAt)
	return b, nil
}

// ListGuilds returns every guild with bindings or a saved config
func (r *Repository) ListGuilds() ([]string, error) {
	rows, err := r.db.Query(
		`SELECT guild_id FROM verified_users
		 UNION
		 SELECT guild_id FROM verification_config
		 ORDER BY guild_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []string
	for rows.Next() {
		var guildID string
		if err := rows.Scan(&guildID); err != nil {
			return nil, err
		}
		guilds = append(guilds, guildID)
	}

	return guilds, rows.Err()
}

// ListBindings returns all bindings in a guild ordered by user ID
func (r *Repository) ListBindings(guildID string) ([]*Binding, error) {
	rows, err := r.db.Query(
		`SELECT `+bindingColumns+` FROM verified_users WHERE guild_id = ? ORDER BY user_id`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}

// GetBinding finds one member's binding
func (r *Repository) GetBinding(guildID, userID string) (*Binding, error) {
	row := r.db.QueryRow(
		`SELECT `+bindingColumns+` FROM verified_users WHERE guild_id = ? AND user_id = ?`,
		guildID, userID,
	)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SaveBinding creates or replaces a binding
func (r *Repository) SaveBinding(guildID string, b *Binding) error {
	if err := validateBinding(guildID, b); err != nil {
		return err
	}

	_, err := r.db.Exec(
		`INSERT INTO verified_users (guild_id, `+bindingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET
			claimed_name = excluded.claimed_name,
			claimed_guild_name = excluded.claimed_guild_name,
			character_id = excluded.character_id,
			verified_by = excluded.verified_by,
			verified_at = excluded.verified_at,
			last_checked_at = excluded.last_checked_at,
			failed_checks = excluded.failed_checks`,
		guildID, b.UserID, b.ClaimedName, b.ClaimedGuildName, b.CharacterID, b.VerifiedBy,
		toUnix(b.VerifiedAt), toUnix(b.LastCheckedAt), b.FailedChecks,
	)
	return err
}

// DeleteBinding removes a binding
func (r *Repository) DeleteBinding(guildID, userID string) error {
	result, err := r.db.Exec(
		`DELETE FROM verified_users WHERE guild_id = ? AND user_id = ?`,
		guildID, userID,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Verification config operations

// GetGuildConfig retrieves guild verification config, falling back to defaults
func (r *Repository) GetGuildConfig(guildID string) (*GuildVerificationConfig, error) {
	cfg := &GuildVerificationConfig{GuildID: guildID}
	var enabled int
	var lastCheck int64
	err := r.db.QueryRow(
		`SELECT daily_check_enabled, verified_role_name, log_channel_id, last_check_time, total_checks_run, users_removed_total
		 FROM verification_config WHERE guild_id = ?`,
		guildID,
	).Scan(&enabled, &cfg.VerifiedRoleName, &cfg.LogChannelID, &lastCheck, &cfg.TotalChecksRun, &cfg.UsersRemovedTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultGuildConfig(guildID), nil
	}
	if err != nil {
		return nil, err
	}

	cfg.DailyCheckEnabled = enabled != 0
	cfg.LastCheckTime = fromUnix(lastCheck)
	return cfg, nil
}

// SaveGuildConfig creates or updates guild verification config
func (r *Repository) SaveGuildConfig(cfg *GuildVerificationConfig) error {
	if cfg == nil || cfg.GuildID == "" {
		return fmt.Errorf("guild ID is required")
	}

	enabled := 0
	if cfg.DailyCheckEnabled {
		enabled = 1
	}

	_, err := r.db.Exec(
		`INSERT INTO verification_config (guild_id, daily_check_enabled, verified_role_name, log_channel_id, last_check_time, total_checks_run, users_removed_total)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET
			daily_check_enabled = excluded.daily_check_enabled,
			verified_role_name = excluded.verified_role_name,
			log_channel_id = excluded.log_channel_id,
			last_check_time = excluded.last_check_time,
			total_checks_run = excluded.total_checks_run,
			users_removed_total = excluded.users_removed_total`,
		cfg.GuildID, enabled, cfg.VerifiedRoleName, cfg.LogChannelID, toUnix(cfg.LastCheckTime),
		cfg.TotalChecksRun, cfg.UsersRemovedTotal,
	)
	return err
}

// Helper points operations

// AddPoints adjusts a member's helper points by delta (never below zero) and returns the new total
func (r *Repository) AddPoints(guildID, userID string, delta int) (int, error) {
	_, err := r.db.Exec(
		`INSERT INTO helper_points (guild_id, user_id, points, updated_at) VALUES (?, ?, MAX(?, 0), ?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET
			points = MAX(helper_points.points + ?, 0),
			updated_at = excluded.updated_at`,
		guildID, userID, delta, time.Now().UnixNano(), delta,
	)
	if err != nil {
		return 0, err
	}

	return r.GetPoints(guildID, userID)
}

// GetPoints returns a member's helper points, 0 if they have none
func (r *Repository) GetPoints(guildID, userID string) (int, error) {
	var points int
	err := r.db.QueryRow(
		`SELECT points FROM helper_points WHERE guild_id = ? AND user_id = ?`,
		guildID, userID,
	).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return points, err
}

// TopPoints returns the guild's highest point holders, ties broken by user ID
func (r *Repository) TopPoints(guildID string, limit int) ([]*HelperPoints, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(
		`SELECT guild_id, user_id, points, updated_at FROM helper_points
		 WHERE guild_id = ? AND points > 0
		 ORDER BY points DESC, user_id ASC
		 LIMIT ?`,
		guildID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var top []*HelperPoints
	for rows.Next() {
		hp := &HelperPoints{}
		var updatedAt int64
		if err := rows.Scan(&hp.GuildID, &hp.UserID, &hp.Points, &updatedAt); err != nil {
			return nil, err
		}
		hp.UpdatedAt = fromUnix(updatedAt)
		top = append(top, hp)
	}

	return top, rows.Err()
}
