package storage

import "time"

// Binding links a Discord member to the AQW character they proved they own
type Binding struct {
	UserID           string    `json:"userId"`
	ClaimedName      string    `json:"claimedName"`
	ClaimedGuildName string    `json:"claimedGuildName"`
	CharacterID      string    `json:"characterId,omitempty"`
	VerifiedBy       string    `json:"verifiedBy,omitempty"` // Discord user ID of the approving admin
	VerifiedAt       time.Time `json:"verifiedAt"`
	LastCheckedAt    time.Time `json:"lastCheckedAt,omitempty"`
	FailedChecks     int       `json:"failedChecks"`
}

// GuildVerificationConfig stores per-server verification settings and run counters
type GuildVerificationConfig struct {
	GuildID           string    `json:"-"`
	DailyCheckEnabled bool      `json:"dailyCheckEnabled"`
	VerifiedRoleName  string    `json:"verifiedRoleName,omitempty"`
	LogChannelID      string    `json:"logChannelId,omitempty"`
	LastCheckTime     time.Time `json:"lastCheckTime,omitempty"`
	TotalChecksRun    int       `json:"totalChecksRun"`
	UsersRemovedTotal int       `json:"usersRemovedTotal"`
}

// DefaultGuildConfig returns the config a guild gets before anyone changes it
func DefaultGuildConfig(guildID string) *GuildVerificationConfig {
	return &GuildVerificationConfig{
		GuildID:           guildID,
		DailyCheckEnabled: true,
	}
}

// HelperPoints tracks points awarded to a member for helping others
type HelperPoints struct {
	GuildID   string
	UserID    string
	Points    int
	UpdatedAt time.Time
}
