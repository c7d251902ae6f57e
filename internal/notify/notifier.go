// Package notify turns reconciliation events into Discord embeds.
// Every send is attempted once; failures are logged and never returned.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/reconcile"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/verify"
)

const (
	colorWarning = 0xF1C40F
	colorRevoked = 0xFF0000
	colorSummary = 0x3498DB
	colorStrike  = 0xE67E22
)

// Messenger sends embeds to channels and users
type Messenger interface {
	SendMessage(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
	SendDirectMessage(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error
}

// Notifier implements reconcile.Notifier on top of a Messenger
type Notifier struct {
	messenger Messenger
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Notifier
func New(messenger Messenger, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		messenger: messenger,
		logger:    logger.With("component", "notify"),
		now:       time.Now,
	}
}

var _ reconcile.Notifier = (*Notifier)(nil)

// StrikeWarning DMs the member that one more failed check will remove their verification
func (n *Notifier) StrikeWarning(ctx context.Context, t reconcile.Target, d verify.Decision) {
	embed := &discordgo.MessageEmbed{
		Title: "⚠️ Verification check failed",
		Color: colorWarning,
		Description: fmt.Sprintf(
			"We could not load the character page for **%s** during the daily verification check (%d/%d).\n\n"+
				"If the next check also fails, your verified role will be removed. Make sure your character page is public.",
			d.Binding.ClaimedName, d.Binding.FailedChecks, verify.MaxFailedChecks),
		Timestamp: n.now().Format(time.RFC3339),
	}
	n.dm(ctx, d.Binding.UserID, embed)
}

// AuditStrike logs a failed check to the guild's audit channel
func (n *Notifier) AuditStrike(ctx context.Context, t reconcile.Target, d verify.Decision) {
	reason := "unknown error"
	if d.FetchErr != nil {
		reason = d.FetchErr.Error()
	}
	embed := &discordgo.MessageEmbed{
		Title: "Verification check failed",
		Color: colorStrike,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: mention(d.Binding.UserID), Inline: true},
			{Name: "Character", Value: d.Binding.ClaimedName, Inline: true},
			{Name: "Strike", Value: fmt.Sprintf("%d/%d", d.Binding.FailedChecks, verify.MaxFailedChecks), Inline: true},
			{Name: "Reason", Value: truncate(reason, 1024)},
		},
		Timestamp: n.now().Format(time.RFC3339),
	}
	n.audit(ctx, t, embed)
}

// Revoked DMs the member and logs the removal to the audit channel
func (n *Notifier) Revoked(ctx context.Context, t reconcile.Target, d verify.Decision) {
	reason := RevokeReason(d)

	n.dm(ctx, d.Binding.UserID, &discordgo.MessageEmbed{
		Title:       "❌ Verification removed",
		Color:       colorRevoked,
		Description: fmt.Sprintf("Your verification as **%s** was removed: %s.\n\nUse `/verify` to verify again.", d.Binding.ClaimedName, reason),
		Timestamp:   n.now().Format(time.RFC3339),
	})

	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: mention(d.Binding.UserID), Inline: true},
		{Name: "Character", Value: d.Binding.ClaimedName, Inline: true},
		{Name: "Reason", Value: reason},
	}
	if d.Observed != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Character page shows",
			Value: fmt.Sprintf("Name: %s\nGuild: %s", orNone(d.Observed.Name), orNone(d.Observed.Guild)),
		})
	}
	n.audit(ctx, t, &discordgo.MessageEmbed{
		Title:     "Verification revoked",
		Color:     colorRevoked,
		Fields:    fields,
		Timestamp: n.now().Format(time.RFC3339),
	})
}

// RunSummary posts the run's counters to the audit channel
func (n *Notifier) RunSummary(ctx context.Context, t reconcile.Target, res reconcile.Result) {
	n.audit(ctx, t, SummaryEmbed(res))
}

// ConfigurationMissing tells admins the verified role could not be found
func (n *Notifier) ConfigurationMissing(ctx context.Context, t reconcile.Target, roleName string) {
	n.audit(ctx, t, &discordgo.MessageEmbed{
		Title: "⚠️ Daily verification skipped",
		Color: colorWarning,
		Description: fmt.Sprintf("No role named **%s** exists in this server. "+
			"Create it or change it with `/verification role`.", roleName),
		Timestamp: n.now().Format(time.RFC3339),
	})
}

// SummaryEmbed renders a run result; the command layer reuses it for run-now replies
func SummaryEmbed(res reconcile.Result) *discordgo.MessageEmbed {
	if res.Status == reconcile.StatusSkipped {
		reason := "skipped"
		if res.SkipReason != nil {
			reason = res.SkipReason.Error()
		}
		return &discordgo.MessageEmbed{
			Title:       "Verification check skipped",
			Color:       colorWarning,
			Description: reason,
		}
	}

	return &discordgo.MessageEmbed{
		Title: "✅ Verification check completed",
		Color: colorSummary,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Checked", Value: fmt.Sprintf("%d", res.Checked), Inline: true},
			{Name: "Mismatches", Value: fmt.Sprintf("%d", res.Mismatches), Inline: true},
			{Name: "Errors", Value: fmt.Sprintf("%d", res.Errors), Inline: true},
			{Name: "Removed", Value: fmt.Sprintf("%d", res.Removed), Inline: true},
			{Name: "Skipped", Value: fmt.Sprintf("%d", res.Skipped), Inline: true},
			{Name: "Duration", Value: res.Duration.Round(time.Second).String(), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Run ID: %s", res.RunID),
		},
	}
}

// RevokeReason describes why a binding was revoked
func RevokeReason(d verify.Decision) string {
	if d.Outcome == verify.RevokedForErrors {
		return fmt.Sprintf("the character page could not be loaded %d times in a row", d.Binding.FailedChecks)
	}
	if len(d.Mismatches) == 0 {
		return "the character no longer matches"
	}
	names := make([]string, len(d.Mismatches))
	for i, f := range d.Mismatches {
		names[i] = string(f)
	}
	return "the character's " + strings.Join(names, ", ") + " changed"
}

func (n *Notifier) dm(ctx context.Context, userID string, embed *discordgo.MessageEmbed) {
	if err := n.messenger.SendDirectMessage(ctx, userID, embed); err != nil {
		n.logger.Warn("Failed to send DM", "userID", userID, "error", err)
	}
}

func (n *Notifier) audit(ctx context.Context, t reconcile.Target, embed *discordgo.MessageEmbed) {
	if t.LogChannelID == "" {
		n.logger.Debug("No audit channel set", "guildID", t.GuildID)
		return
	}
	if err := n.messenger.SendMessage(ctx, t.LogChannelID, embed); err != nil {
		n.logger.Warn("Failed to send audit message", "guildID", t.GuildID, "channelID", t.LogChannelID, "error", err)
	}
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
