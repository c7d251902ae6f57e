package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/reconcile"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/verify"
)

type sent struct {
	to    string
	embed *discordgo.MessageEmbed
}

type recordingMessenger struct {
	channel []sent
	direct  []sent
	err     error
}

func (m *recordingMessenger) SendMessage(_ context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	m.channel = append(m.channel, sent{channelID, embed})
	return m.err
}

func (m *recordingMessenger) SendDirectMessage(_ context.Context, userID string, embed *discordgo.MessageEmbed) error {
	m.direct = append(m.direct, sent{userID, embed})
	return m.err
}

var target = reconcile.Target{GuildID: "g1", LogChannelID: "audit"}

func strikeDecision(strikes int, outcome verify.Outcome) verify.Decision {
	return verify.Decision{
		Outcome:  outcome,
		Binding:  storage.Binding{UserID: "u1", ClaimedName: "Artix", FailedChecks: strikes},
		FetchErr: errors.New("timeout"),
	}
}

func TestNotifier_StrikeWarningIsDirectMessage(t *testing.T) {
	m := &recordingMessenger{}
	New(m, nil).StrikeWarning(context.Background(), target, strikeDecision(2, verify.Unchanged))

	require.Len(t, m.direct, 1)
	assert.Empty(t, m.channel)
	assert.Equal(t, "u1", m.direct[0].to)
	assert.Contains(t, m.direct[0].embed.Description, "Artix")
	assert.Contains(t, m.direct[0].embed.Description, "2/3")
}

func TestNotifier_AuditStrike(t *testing.T) {
	m := &recordingMessenger{}
	New(m, nil).AuditStrike(context.Background(), target, strikeDecision(1, verify.Unchanged))

	require.Len(t, m.channel, 1)
	assert.Equal(t, "audit", m.channel[0].to)
	fields := m.channel[0].embed.Fields
	assert.Equal(t, "<@u1>", fields[0].Value)
	assert.Equal(t, "1/3", fields[2].Value)
	assert.Equal(t, "timeout", fields[3].Value)
}

func TestNotifier_RevokedSendsBoth(t *testing.T) {
	m := &recordingMessenger{}
	d := verify.Decision{
		Outcome:    verify.RevokedForMismatch,
		Binding:    storage.Binding{UserID: "u1", ClaimedName: "Artix"},
		Mismatches: []verify.Field{verify.FieldName, verify.FieldGuild},
		Observed:   &verify.Observed{Name: "Someone Else"},
	}
	New(m, nil).Revoked(context.Background(), target, d)

	require.Len(t, m.direct, 1)
	require.Len(t, m.channel, 1)
	assert.Contains(t, m.direct[0].embed.Description, "the character's name, guild changed")
	assert.Len(t, m.channel[0].embed.Fields, 4)
	assert.Equal(t, "Name: Someone Else\nGuild: None", m.channel[0].embed.Fields[3].Value)
}

func TestNotifier_NoAuditChannel(t *testing.T) {
	m := &recordingMessenger{}
	n := New(m, nil)

	n.RunSummary(context.Background(), reconcile.Target{GuildID: "g1"}, reconcile.Result{Status: reconcile.StatusCompleted})
	n.ConfigurationMissing(context.Background(), reconcile.Target{GuildID: "g1"}, "Verified")

	assert.Empty(t, m.channel)
}

func TestNotifier_FailuresAreSwallowed(t *testing.T) {
	m := &recordingMessenger{err: errors.New("missing access")}
	n := New(m, nil)

	assert.NotPanics(t, func() {
		n.StrikeWarning(context.Background(), target, strikeDecision(2, verify.Unchanged))
		n.Revoked(context.Background(), target, strikeDecision(3, verify.RevokedForErrors))
	})

	// One attempt each, no retries
	assert.Len(t, m.direct, 2)
	assert.Len(t, m.channel, 1)
}

func TestSummaryEmbed(t *testing.T) {
	embed := SummaryEmbed(reconcile.Result{
		RunID:      "run-1",
		Status:     reconcile.StatusCompleted,
		Checked:    5,
		Mismatches: 1,
		Errors:     2,
		Removed:    1,
		Duration:   1500 * time.Millisecond,
	})
	assert.Equal(t, "5", embed.Fields[0].Value)
	assert.Equal(t, "1", embed.Fields[1].Value)
	assert.Equal(t, "2", embed.Fields[2].Value)
	assert.Equal(t, "1", embed.Fields[3].Value)
	assert.Equal(t, "2s", embed.Fields[5].Value)
	assert.Equal(t, "Run ID: run-1", embed.Footer.Text)

	skipped := SummaryEmbed(reconcile.Result{Status: reconcile.StatusSkipped, SkipReason: reconcile.ErrVerifiedRoleMissing})
	assert.Equal(t, reconcile.ErrVerifiedRoleMissing.Error(), skipped.Description)
	assert.Empty(t, skipped.Fields)
}

func TestRevokeReason(t *testing.T) {
	assert.Equal(t, "the character page could not be loaded 3 times in a row",
		RevokeReason(strikeDecision(3, verify.RevokedForErrors)))
	assert.Equal(t, "the character's guild changed",
		RevokeReason(verify.Decision{Outcome: verify.RevokedForMismatch, Mismatches: []verify.Field{verify.FieldGuild}}))
}
