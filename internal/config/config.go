package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the bot
type Config struct {
	// Discord
	DiscordToken         string
	DiscordApplicationID string
	GuildID              string

	// Storage
	DataDir        string
	DatabasePath   string
	StorageBackend string

	// Daily verification check, UTC
	DailyCheckHour   int
	DailyCheckMinute int
	FetchTimeout     time.Duration
	GuildConcurrency int
	VerifiedRoleName string

	// Scrapers
	CharPageURL string
	WikiURL     string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:         os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordApplicationID: os.Getenv("DISCORD_APPLICATION_ID"),
		GuildID:              os.Getenv("GUILD_ID"),
		DataDir:              getEnvOrDefault("DATA_DIR", "./data"),
		DatabasePath:         getEnvOrDefault("DATABASE_PATH", "./data/bot.db"),
		StorageBackend:       strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", "json")),
		VerifiedRoleName:     getEnvOrDefault("VERIFIED_ROLE_NAME", "Verified"),
		CharPageURL:          os.Getenv("CHAR_PAGE_URL"),
		WikiURL:              os.Getenv("WIKI_URL"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
	}

	// Parse daily check time
	hour, minute, err := parseClock(getEnvOrDefault("DAILY_CHECK_TIME", "03:00"))
	if err != nil {
		return nil, fmt.Errorf("invalid DAILY_CHECK_TIME: %w", err)
	}
	cfg.DailyCheckHour, cfg.DailyCheckMinute = hour, minute

	timeout, err := positiveInt("FETCH_TIMEOUT_SECONDS", "15")
	if err != nil {
		return nil, err
	}
	cfg.FetchTimeout = time.Duration(timeout) * time.Second

	cfg.GuildConcurrency, err = positiveInt("GUILD_CONCURRENCY", "1")
	if err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case "json", "sqlite":
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: must be json or sqlite", cfg.StorageBackend)
	}

	// Validate required fields
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	return cfg, nil
}

// DailyCheckSchedule returns the daily check time as a five-field cron spec
func (c *Config) DailyCheckSchedule() string {
	return fmt.Sprintf("%d %d * * *", c.DailyCheckMinute, c.DailyCheckHour)
}

// parseClock parses "HH:MM" in 24-hour form
func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func positiveInt(key, defaultValue string) (int, error) {
	n, err := strconv.Atoi(getEnvOrDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
