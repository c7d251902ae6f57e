package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/charpage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/platform"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/verify"
)

const channelDeleteDelay = 5 * time.Second

// pendingVerification is a matched claim waiting for admin approval in its private channel
type pendingVerification struct {
	GuildID     string
	UserID      string
	IGN         string
	Guild       string
	CharacterID string
}

func (b *Bot) putPending(channelID string, pv *pendingVerification) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.pending[channelID] = pv
}

// takePending removes and returns the pending verification for a channel
func (b *Bot) takePending(channelID string) *pendingVerification {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	pv := b.pending[channelID]
	delete(b.pending, channelID)
	return pv
}

// handleVerify handles the /verify command
func (b *Bot) handleVerify(s *discordgo.Session, i *discordgo.InteractionCreate) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "🔐 Account Verification",
					Description: "Verify your AQW account",
					Color:       0x3498DB,
					Fields: []*discordgo.MessageEmbedField{
						{
							Name:  "How to verify",
							Value: "1. Click the **Start Verification** button below\n2. Enter your IGN (In-Game Name)\n3. Enter your Guild (or leave blank if you have none)",
						},
					},
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Start Verification",
							Style:    discordgo.PrimaryButton,
							CustomID: actionStartVerification,
						},
					},
				},
			},
		},
	})
}

// handleStartVerification opens the verification form
func (b *Bot) handleStartVerification(s *discordgo.Session, i *discordgo.InteractionCreate) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: actionVerificationModal,
			Title:    "Character Verification",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputIGN,
							Label:       "Character IGN (In-Game Name)",
							Style:       discordgo.TextInputShort,
							Placeholder: "Enter your character name",
							Required:    true,
							MaxLength:   100,
						},
					},
				},
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputGuild,
							Label:       "Guild (leave blank if none)",
							Style:       discordgo.TextInputShort,
							Placeholder: "Enter your guild or leave empty",
							Required:    false,
							MaxLength:   100,
						},
					},
				},
			},
		},
	})
	if err != nil {
		slog.Error("Failed to open verification form", "error", err)
	}
}

// modalValues reads text input values by custom ID from a submitted modal
func modalValues(components []discordgo.MessageComponent) map[string]string {
	values := make(map[string]string)
	for _, c := range components {
		var row []discordgo.MessageComponent
		switch r := c.(type) {
		case *discordgo.ActionsRow:
			row = r.Components
		case discordgo.ActionsRow:
			row = r.Components
		default:
			continue
		}
		for _, inner := range row {
			switch input := inner.(type) {
			case *discordgo.TextInput:
				values[input.CustomID] = strings.TrimSpace(input.Value)
			case discordgo.TextInput:
				values[input.CustomID] = strings.TrimSpace(input.Value)
			}
		}
	}
	return values
}

// handleVerificationSubmit checks the submitted IGN and guild against the live character page
func (b *Bot) handleVerificationSubmit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	values := modalValues(i.ModalSubmitData().Components)
	ign, guild := values[inputIGN], values[inputGuild]
	user := userID(i)

	deferResponse(s, i, true)

	if ign == "" {
		b.editResponse(s, i, "Please enter your character name.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.FetchTimeout)
	defer cancel()

	record, err := b.chars.Fetch(ctx, ign)
	if err != nil {
		slog.Warn("Verification fetch failed", "userID", user, "ign", ign, "error", err)
		b.editResponse(s, i, fetchErrorMessage(ign, err))
		return
	}

	mismatches := verify.CheckClaim(ign, guild, verify.Observed{Name: record.Name, Guild: record.Guild})
	result := verificationResultEmbed(ign, guild, record, mismatches)

	if len(mismatches) > 0 {
		slog.Info("Verification mismatch", "userID", user, "ign", ign, "mismatches", mismatches)
		b.editResponseEmbed(s, i, result)
		return
	}

	username := user
	if i.Member != nil && i.Member.User != nil {
		username = i.Member.User.Username
	}

	adminRoles, err := b.discord.AdminRoleIDs(ctx, i.GuildID)
	if err != nil {
		slog.Warn("Failed to list admin roles", "guildID", i.GuildID, "error", err)
	}

	channelID, err := b.discord.CreateChannel(ctx, i.GuildID, platform.ChannelSpec{
		Name:         channelName(username),
		Topic:        fmt.Sprintf("Verification record for %s (IGN: %s)", username, ign),
		AllowUserIDs: []string{user, s.State.User.ID},
		AllowRoleIDs: adminRoles,
	})
	if err != nil {
		slog.Error("Failed to create verification channel", "guildID", i.GuildID, "userID", user, "error", err)
		b.editResponseEmbed(s, i, &discordgo.MessageEmbed{
			Title:       "⚠️ Verification Result",
			Description: "Verification matched but the admin channel could not be created. Please contact an admin.",
			Color:       0xE67E22,
		})
		return
	}

	b.putPending(channelID, &pendingVerification{
		GuildID:     i.GuildID,
		UserID:      user,
		IGN:         ign,
		Guild:       guild,
		CharacterID: record.CharacterID,
	})

	finish := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Finish Verification",
					Style:    discordgo.SuccessButton,
					CustomID: customID(actionFinishVerification, user),
				},
			},
		},
	}
	if err := b.discord.SendMessageWithComponents(ctx, channelID, result, finish); err != nil {
		slog.Error("Failed to post verification result", "channelID", channelID, "error", err)
	}

	slog.Info("Verification matched", "guildID", i.GuildID, "userID", user, "ign", ign, "channelID", channelID)
	b.editResponseEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "✅ Verification Processed",
		Description: fmt.Sprintf("Your verification has been recorded in <#%s>. An admin will finish it shortly.", channelID),
		Color:       0x2ECC71,
	})
}

// handleFinishVerification approves a pending verification: nickname, binding, role, then the channel goes away
func (b *Bot) handleFinishVerification(s *discordgo.Session, i *discordgo.InteractionCreate, forUser string) {
	if !hasPermission(i, permManageRoles|permManageGuild) {
		respondEphemeral(s, i, "Only server admins can finish a verification.")
		return
	}

	pv := b.takePending(i.ChannelID)
	if pv == nil || pv.UserID != forUser {
		respondEphemeral(s, i, "This verification has expired. Ask the member to run `/verify` again, then delete this channel.")
		return
	}

	deferResponse(s, i, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	binding := &storage.Binding{
		UserID:           pv.UserID,
		ClaimedName:      pv.IGN,
		ClaimedGuildName: pv.Guild,
		CharacterID:      pv.CharacterID,
		VerifiedBy:       userID(i),
		VerifiedAt:       time.Now().UTC(),
	}
	if err := b.scheduler.SaveBinding(pv.GuildID, binding); err != nil {
		slog.Error("Failed to save binding", "guildID", pv.GuildID, "userID", pv.UserID, "error", err)
		b.putPending(i.ChannelID, pv)
		b.editResponse(s, i, "❌ Failed to save the verification. Please try again.")
		return
	}

	var notes []string

	if err := b.discord.SetNickname(ctx, pv.GuildID, pv.UserID, pv.IGN); err != nil {
		slog.Warn("Failed to change nickname", "guildID", pv.GuildID, "userID", pv.UserID, "error", err)
		notes = append(notes, fmt.Sprintf("⚠️ I could not change the nickname. Give my role **Manage Nicknames** and move it above the member's highest role, or set it to `%s` manually.", pv.IGN))
	} else {
		notes = append(notes, fmt.Sprintf("✅ Nickname changed to `%s`.", pv.IGN))
	}

	roleName, err := b.assignVerifiedRole(ctx, pv.GuildID, pv.UserID)
	if err != nil {
		slog.Warn("Failed to assign verified role", "guildID", pv.GuildID, "userID", pv.UserID, "error", err)
		notes = append(notes, fmt.Sprintf("⚠️ I could not assign the **%s** role: %v", roleName, err))
	} else {
		notes = append(notes, fmt.Sprintf("✅ Role **%s** assigned.", roleName))
	}

	slog.Info("Verification finished", "guildID", pv.GuildID, "userID", pv.UserID, "ign", pv.IGN, "by", binding.VerifiedBy)

	notes = append(notes, fmt.Sprintf("This channel will be deleted in %d seconds.", int(channelDeleteDelay.Seconds())))
	b.editResponse(s, i, strings.Join(notes, "\n"))

	channelID := i.ChannelID
	time.AfterFunc(channelDeleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.discord.DeleteChannel(ctx, channelID); err != nil {
			slog.Error("Failed to delete verification channel", "channelID", channelID, "error", err)
		}
	})
}

// assignVerifiedRole gives the member the guild's configured verified role and returns its name
func (b *Bot) assignVerifiedRole(ctx context.Context, guildID, memberID string) (string, error) {
	roleName := b.config.VerifiedRoleName
	cfg, err := b.store.GetGuildConfig(guildID)
	if err != nil {
		return roleName, err
	}
	if cfg.VerifiedRoleName != "" {
		roleName = cfg.VerifiedRoleName
	}

	roleID, err := b.discord.FindRoleByName(ctx, guildID, roleName)
	if err != nil {
		return roleName, err
	}
	return roleName, b.discord.AssignRole(ctx, guildID, memberID, roleID)
}

// handleUnbind handles the /unbind command
func (b *Bot) handleUnbind(s *discordgo.Session, i *discordgo.InteractionCreate) {
	target := i.ApplicationCommandData().Options[0].UserValue(nil)
	if target == nil {
		respondEphemeral(s, i, "Unknown user.")
		return
	}

	binding, err := b.store.GetBinding(i.GuildID, target.ID)
	if errors.Is(err, storage.ErrNotFound) {
		respondEphemeral(s, i, fmt.Sprintf("<@%s> is not verified.", target.ID))
		return
	}
	if err != nil {
		slog.Error("Failed to load binding", "guildID", i.GuildID, "userID", target.ID, "error", err)
		respondEphemeral(s, i, "Failed to load the verification. Please try again.")
		return
	}

	if err := b.scheduler.DeleteBinding(i.GuildID, target.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Error("Failed to delete binding", "guildID", i.GuildID, "userID", target.ID, "error", err)
		respondEphemeral(s, i, "Failed to remove the verification. Please try again.")
		return
	}

	msg := fmt.Sprintf("Removed the verification of <@%s> (`%s`).", target.ID, binding.ClaimedName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := b.store.GetGuildConfig(i.GuildID)
	if err == nil {
		roleName := cfg.VerifiedRoleName
		if roleName == "" {
			roleName = b.config.VerifiedRoleName
		}
		roleID, err := b.discord.FindRoleByName(ctx, i.GuildID, roleName)
		if err == nil {
			err = b.discord.RemoveRole(ctx, i.GuildID, target.ID, roleID)
		}
		if err != nil {
			slog.Warn("Failed to remove verified role", "guildID", i.GuildID, "userID", target.ID, "error", err)
			msg += fmt.Sprintf("\n⚠️ The **%s** role could not be removed: %v", roleName, err)
		}
	}

	slog.Info("Binding removed", "guildID", i.GuildID, "userID", target.ID, "by", userID(i))
	respondEphemeral(s, i, msg)
}

var channelNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// channelName builds a valid text channel name for a member's verification channel
func channelName(username string) string {
	name := strings.ToLower(strings.TrimSpace(username))
	name = strings.ReplaceAll(name, " ", "-")
	name = channelNameChars.ReplaceAllString(name, "")
	if name == "" {
		name = "member"
	}
	name = "verification-" + name
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

// fetchErrorMessage explains a failed character lookup to the member
func fetchErrorMessage(ign string, err error) string {
	var httpErr *charpage.HTTPError
	switch {
	case errors.Is(err, charpage.ErrCharacterNotFound):
		return fmt.Sprintf("❌ Character `%s` is inactive or does not exist.", ign)
	case errors.Is(err, charpage.ErrUnparseable):
		return fmt.Sprintf("❌ Could not read the character page for `%s`. Check the spelling and that the page is public.", ign)
	case errors.As(err, &httpErr):
		return fmt.Sprintf("❌ The character page is unavailable right now (status %d). Please try again later.", httpErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "❌ The character page took too long to respond. Please try again later."
	default:
		return "❌ Could not reach the character page. Please try again later."
	}
}

// verificationResultEmbed shows what the member entered next to what the page shows
func verificationResultEmbed(ign, guild string, record *charpage.Record, mismatches []verify.Field) *discordgo.MessageEmbed {
	nameOK, guildOK := true, true
	for _, f := range mismatches {
		switch f {
		case verify.FieldName:
			nameOK = false
		case verify.FieldGuild:
			guildOK = false
		}
	}

	check := func(ok bool) string {
		if ok {
			return "✅ MATCH"
		}
		return "❌ MISMATCH"
	}

	embed := &discordgo.MessageEmbed{
		Title: "Verification Result",
		Color: 0x2ECC71,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Character IGN", Value: ign},
			{Name: "IGN Check", Value: fmt.Sprintf("%s\nYou entered: `%s`\nPage shows: `%s`", check(nameOK), ign, record.Name)},
			{Name: "Guild Check", Value: fmt.Sprintf("%s\nYou entered: `%s`\nPage shows: `%s`", check(guildOK), orDefault(guild, "(empty)"), orDefault(record.Guild, "(none)"))},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if len(mismatches) == 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Status", Value: "✅ **Verification Successful!**"})
	} else {
		embed.Color = 0xFF0000
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Status", Value: "❌ **Verification Failed** - Details do not match the character page."})
	}
	return embed
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
