package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/notify"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/reconcile"
)

// runNowTimeout stays under the 15 minute interaction token lifetime
const runNowTimeout = 14 * time.Minute

// handleVerification handles the /verification admin command
func (b *Bot) handleVerification(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name, options := subcommand(i)
	opts := optionMap(options)

	switch name {
	case "enable", "disable":
		enabled := name == "enable"
		if err := b.scheduler.SetDailyCheck(i.GuildID, enabled); err != nil {
			slog.Error("Failed to update daily check", "guildID", i.GuildID, "error", err)
			respondEphemeral(s, i, "Failed to update the setting. Please try again.")
			return
		}
		slog.Info("Daily check toggled", "guildID", i.GuildID, "enabled", enabled, "by", userID(i))
		if enabled {
			respondWithMessage(s, i, "✅ Daily verification checks are **enabled**.")
		} else {
			respondWithMessage(s, i, "⏸️ Daily verification checks are **disabled**. `/verification run` still works.")
		}

	case "status":
		status, err := b.scheduler.Status(i.GuildID)
		if err != nil {
			slog.Error("Failed to load verification status", "guildID", i.GuildID, "error", err)
			respondEphemeral(s, i, "Failed to load the status. Please try again.")
			return
		}
		respondWithEmbed(s, i, statusEmbed(status))

	case "run":
		deferResponse(s, i, false)

		ctx, cancel := context.WithTimeout(context.Background(), runNowTimeout)
		defer cancel()

		slog.Info("Manual verification run requested", "guildID", i.GuildID, "by", userID(i))
		res, err := b.scheduler.RunNow(ctx, i.GuildID)
		if err != nil {
			slog.Error("Manual verification run failed", "guildID", i.GuildID, "error", err)
			b.editResponse(s, i, fmt.Sprintf("❌ The verification run failed: %v", err))
			return
		}
		b.editResponseEmbed(s, i, notify.SummaryEmbed(res))

	case "role":
		roleName := opts["name"].StringValue()
		if err := b.scheduler.SetVerifiedRole(i.GuildID, roleName); err != nil {
			slog.Error("Failed to set verified role", "guildID", i.GuildID, "error", err)
			respondEphemeral(s, i, "Failed to update the role. Please try again.")
			return
		}
		respondWithMessage(s, i, fmt.Sprintf("Verified role set to **%s**.", roleName))

	case "logchannel":
		channel := opts["channel"].ChannelValue(nil)
		if err := b.scheduler.SetLogChannel(i.GuildID, channel.ID); err != nil {
			slog.Error("Failed to set log channel", "guildID", i.GuildID, "error", err)
			respondEphemeral(s, i, "Failed to update the audit channel. Please try again.")
			return
		}
		respondWithMessage(s, i, fmt.Sprintf("Verification audit messages will be sent to <#%s>", channel.ID))

	default:
		slog.Warn("Unknown verification subcommand", "subcommand", name)
	}
}

// statusEmbed renders a guild's verification settings and counters
func statusEmbed(status *reconcile.GuildStatus) *discordgo.MessageEmbed {
	cfg := status.Config

	enabled := "❌ Disabled"
	if cfg.DailyCheckEnabled {
		enabled = "✅ Enabled"
	}

	lastRun := "Never"
	if !cfg.LastCheckTime.IsZero() {
		lastRun = fmt.Sprintf("<t:%d:R>", cfg.LastCheckTime.Unix())
	}

	nextRun := "Not scheduled"
	if !status.NextRun.IsZero() {
		nextRun = fmt.Sprintf("<t:%d:f>", status.NextRun.Unix())
	}

	logChannel := "Not set"
	if cfg.LogChannelID != "" {
		logChannel = fmt.Sprintf("<#%s>", cfg.LogChannelID)
	}

	return &discordgo.MessageEmbed{
		Title: "🔐 Verification Status",
		Color: 0x3498DB,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Daily Check", Value: enabled, Inline: true},
			{Name: "Verified Role", Value: cfg.VerifiedRoleName, Inline: true},
			{Name: "Audit Channel", Value: logChannel, Inline: true},
			{Name: "Verified Members", Value: fmt.Sprintf("%d", status.BoundUsers), Inline: true},
			{Name: "Checks Run", Value: fmt.Sprintf("%d", cfg.TotalChecksRun), Inline: true},
			{Name: "Members Removed", Value: fmt.Sprintf("%d", cfg.UsersRemovedTotal), Inline: true},
			{Name: "Last Run", Value: lastRun, Inline: true},
			{Name: "Next Run", Value: nextRun, Inline: true},
		},
	}
}
