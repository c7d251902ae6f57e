package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key Load reads so a developer's .env or shell does not leak in
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"DISCORD_BOT_TOKEN", "DISCORD_APPLICATION_ID", "GUILD_ID", "DATA_DIR", "DATABASE_PATH",
		"STORAGE_BACKEND", "VERIFIED_ROLE_NAME", "CHAR_PAGE_URL", "WIKI_URL", "LOG_LEVEL", "LOG_FILE",
		"DAILY_CHECK_TIME", "FETCH_TIMEOUT_SECONDS", "GUILD_CONCURRENCY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_BOT_TOKEN", "token")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.DiscordToken)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./data/bot.db", cfg.DatabasePath)
	assert.Equal(t, "json", cfg.StorageBackend)
	assert.Equal(t, "Verified", cfg.VerifiedRoleName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 1, cfg.GuildConcurrency)
	assert.Equal(t, "0 3 * * *", cfg.DailyCheckSchedule())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_BOT_TOKEN", "token")
	t.Setenv("DAILY_CHECK_TIME", "23:45")
	t.Setenv("STORAGE_BACKEND", "SQLite")
	t.Setenv("GUILD_CONCURRENCY", "4")
	t.Setenv("FETCH_TIMEOUT_SECONDS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "45 23 * * *", cfg.DailyCheckSchedule())
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, 4, cfg.GuildConcurrency)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing token", "DISCORD_BOT_TOKEN", ""},
		{"bad clock", "DAILY_CHECK_TIME", "25:00"},
		{"clock without minutes", "DAILY_CHECK_TIME", "3"},
		{"bad backend", "STORAGE_BACKEND", "postgres"},
		{"zero concurrency", "GUILD_CONCURRENCY", "0"},
		{"non-numeric timeout", "FETCH_TIMEOUT_SECONDS", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DISCORD_BOT_TOKEN", "token")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
