package bot

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
)

const leaderboardSize = 10

// handlePoints handles the /points command
func (b *Bot) handlePoints(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name, options := subcommand(i)
	opts := optionMap(options)

	switch name {
	case "add", "remove":
		if !hasPermission(i, discordgo.PermissionManageMessages) {
			respondEphemeral(s, i, "You need the **Manage Messages** permission to change helper points.")
			return
		}

		target := opts["user"].UserValue(nil)
		amount := int(opts["amount"].IntValue())
		if name == "remove" {
			amount = -amount
		}

		total, err := b.repo.AddPoints(i.GuildID, target.ID, amount)
		if err != nil {
			slog.Error("Failed to update points", "guildID", i.GuildID, "userID", target.ID, "error", err)
			respondEphemeral(s, i, "Failed to update points. Please try again.")
			return
		}

		slog.Info("Points updated", "guildID", i.GuildID, "userID", target.ID, "delta", amount, "total", total, "by", userID(i))
		respondWithMessage(s, i, fmt.Sprintf("<@%s> now has **%d** helper points.", target.ID, total))

	case "show":
		target := userID(i)
		if opt, ok := opts["user"]; ok {
			target = opt.UserValue(nil).ID
		}

		points, err := b.repo.GetPoints(i.GuildID, target)
		if err != nil {
			slog.Error("Failed to get points", "guildID", i.GuildID, "userID", target, "error", err)
			respondEphemeral(s, i, "Failed to load points. Please try again.")
			return
		}
		respondWithMessage(s, i, fmt.Sprintf("<@%s> has **%d** helper points.", target, points))

	case "leaderboard":
		top, err := b.repo.TopPoints(i.GuildID, leaderboardSize)
		if err != nil {
			slog.Error("Failed to get leaderboard", "guildID", i.GuildID, "error", err)
			respondEphemeral(s, i, "Failed to load the leaderboard. Please try again.")
			return
		}
		respondWithMessage(s, i, leaderboardText(top))

	default:
		slog.Warn("Unknown points subcommand", "subcommand", name)
	}
}

// leaderboardText formats the top helpers as a numbered list
func leaderboardText(top []*storage.HelperPoints) string {
	if len(top) == 0 {
		return "No helper points have been given in this server yet."
	}

	var sb strings.Builder
	sb.WriteString("**Top Helpers:**\n\n")
	for idx, hp := range top {
		sb.WriteString(fmt.Sprintf("%d. <@%s> - %d\n", idx+1, hp.UserID, hp.Points))
	}
	return sb.String()
}
