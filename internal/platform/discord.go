// Package platform wraps the discordgo session behind the small set of
// capabilities the rest of the bot needs: messages, DMs, channels, roles and member lookups.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrMemberNotFound is returned when the user is not (or no longer) in the guild
	ErrMemberNotFound = errors.New("member not found")

	// ErrRoleNotFound is returned when the guild has no role with the requested name
	ErrRoleNotFound = errors.New("role not found")
)

// Member is the subset of guild member data the bot reads
type Member struct {
	UserID   string
	Username string
	Nick     string
	Roles    []string
}

// HasRole reports whether the member holds roleID
func (m *Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// DisplayName returns the nickname if set, otherwise the username
func (m *Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.Username
}

// ChannelSpec describes a private text channel
type ChannelSpec struct {
	Name  string
	Topic string

	// Members and roles allowed to view and write; everyone else is denied
	AllowUserIDs []string
	AllowRoleIDs []string
}

// Discord implements the bot's platform capabilities on top of a discordgo session
type Discord struct {
	session *discordgo.Session
}

// NewDiscord wraps an existing session
func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{session: session}
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// SendMessage posts an embed to a channel
func (d *Discord) SendMessage(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	_, err := d.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	return err
}

// SendMessageWithComponents posts an embed with buttons to a channel
func (d *Discord) SendMessageWithComponents(ctx context.Context, channelID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	_, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, discordgo.WithContext(ctx))
	return err
}

// SendDirectMessage opens (or reuses) the DM channel with a user and posts an embed
func (d *Discord) SendDirectMessage(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error {
	ch, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}
	return d.SendMessage(ctx, ch.ID, embed)
}

// CreateChannel creates a private text channel and returns its ID
func (d *Discord) CreateChannel(ctx context.Context, guildID string, spec ChannelSpec) (string, error) {
	allow := int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionReadMessageHistory)

	overwrites := []*discordgo.PermissionOverwrite{
		// The @everyone role shares the guild's ID
		{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
	}
	for _, id := range spec.AllowRoleIDs {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{ID: id, Type: discordgo.PermissionOverwriteTypeRole, Allow: allow})
	}
	for _, id := range spec.AllowUserIDs {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{ID: id, Type: discordgo.PermissionOverwriteTypeMember, Allow: allow})
	}

	ch, err := d.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                spec.Topic,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// DeleteChannel deletes a channel; a channel that is already gone is not an error
func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil
	}
	return err
}

// AssignRole grants a role to a member
func (d *Discord) AssignRole(ctx context.Context, guildID, userID, roleID string) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// RemoveRole takes a role away from a member; a member who already left is not an error
func (d *Discord) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	err := d.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil
	}
	return err
}

// SetNickname changes a member's server nickname
func (d *Discord) SetNickname(ctx context.Context, guildID, userID, nick string) error {
	return d.session.GuildMemberNickname(guildID, userID, nick, discordgo.WithContext(ctx))
}

// FindRoleByName returns the ID of the guild role whose name matches, ignoring case
func (d *Discord) FindRoleByName(ctx context.Context, guildID, name string) (string, error) {
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to list roles: %w", err)
	}
	for _, r := range roles {
		if strings.EqualFold(r.Name, name) {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRoleNotFound, name)
}

// AdminRoleIDs returns roles that carry Administrator or Manage Server
func (d *Discord) AdminRoleIDs(ctx context.Context, guildID string) ([]string, error) {
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	var ids []string
	for _, r := range roles {
		if r.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0 {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// GetMember looks up a guild member
func (d *Discord) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	m, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return memberFrom(m), nil
}

func memberFrom(m *discordgo.Member) *Member {
	member := &Member{
		Nick:  m.Nick,
		Roles: m.Roles,
	}
	if m.User != nil {
		member.UserID = m.User.ID
		member.Username = m.User.Username
	}
	return member
}
