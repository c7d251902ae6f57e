package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/charpage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/notify"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/platform"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/reconcile"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string]*charpage.Record
	errs    map[string]error
	panics  map[string]bool
	calls   []string

	// onFetch runs before the lookup; block makes the lookup wait for ctx to end
	onFetch func(identifier string)
	block   bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, identifier string) (*charpage.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, identifier)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(identifier)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.panics[identifier] {
		panic("parser exploded")
	}
	if err, ok := f.errs[identifier]; ok {
		return nil, err
	}
	if r, ok := f.records[identifier]; ok {
		return r, nil
	}
	return nil, charpage.ErrCharacterNotFound
}

type fakeGuilds struct {
	mu      sync.Mutex
	roles   map[string]string // guildID -> verified role ID
	members map[string]*platform.Member
	removed []string
}

func (g *fakeGuilds) FindRoleByName(_ context.Context, guildID, name string) (string, error) {
	if id, ok := g.roles[guildID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", platform.ErrRoleNotFound, name)
}

func (g *fakeGuilds) GetMember(_ context.Context, guildID, userID string) (*platform.Member, error) {
	if m, ok := g.members[userID]; ok {
		return m, nil
	}
	return nil, platform.ErrMemberNotFound
}

func (g *fakeGuilds) RemoveRole(_ context.Context, guildID, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, userID)
	return nil
}

type event struct {
	kind   string
	userID string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) add(kind, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind, userID})
}

func (n *recordingNotifier) StrikeWarning(_ context.Context, _ reconcile.Target, d verify.Decision) {
	n.add("warning", d.Binding.UserID)
}

func (n *recordingNotifier) AuditStrike(_ context.Context, _ reconcile.Target, d verify.Decision) {
	n.add("strike", d.Binding.UserID)
}

func (n *recordingNotifier) Revoked(_ context.Context, _ reconcile.Target, d verify.Decision) {
	n.add("revoked", d.Binding.UserID)
}

func (n *recordingNotifier) RunSummary(_ context.Context, t reconcile.Target, _ reconcile.Result) {
	n.add("summary", t.GuildID)
}

func (n *recordingNotifier) ConfigurationMissing(_ context.Context, t reconcile.Target, _ string) {
	n.add("config-missing", t.GuildID)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.kind)
	}
	return out
}

type harness struct {
	store    storage.VerificationStore
	fetcher  *fakeFetcher
	guilds   *fakeGuilds
	notifier *recordingNotifier
	sched    *reconcile.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store: store,
		fetcher: &fakeFetcher{
			records: map[string]*charpage.Record{},
			errs:    map[string]error{},
			panics:  map[string]bool{},
		},
		guilds: &fakeGuilds{
			roles:   map[string]string{"g1": "role-verified"},
			members: map[string]*platform.Member{},
		},
		notifier: &recordingNotifier{},
	}
	h.sched = h.newScheduler(h.notifier)
	return h
}

func (h *harness) newScheduler(n reconcile.Notifier) *reconcile.Scheduler {
	return reconcile.New(h.store, h.fetcher, h.guilds, n, reconcile.Options{
		FetchTimeout: time.Second,
		Now:          func() time.Time { return fixedNow },
	})
}

// bind stores a binding and makes the user a member holding the verified role
func (h *harness) bind(t *testing.T, guildID string, b storage.Binding) {
	t.Helper()
	require.NoError(t, h.store.SaveBinding(guildID, &b))
	h.guilds.members[b.UserID] = &platform.Member{UserID: b.UserID, Roles: []string{"role-verified"}}
}

func (h *harness) binding(t *testing.T, guildID, userID string) *storage.Binding {
	t.Helper()
	b, err := h.store.GetBinding(guildID, userID)
	require.NoError(t, err)
	return b
}

func TestRunNow_ConfirmsAndAdoptsCharacterID(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix", ClaimedGuildName: "Heroes", FailedChecks: 1})
	h.fetcher.records["Artix"] = &charpage.Record{Name: "artix", Guild: "heroes", CharacterID: "42"}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, reconcile.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Errors)
	assert.Zero(t, res.Removed)
	assert.NotEmpty(t, res.RunID)

	b := h.binding(t, "g1", "u1")
	assert.Equal(t, 0, b.FailedChecks)
	assert.Equal(t, "42", b.CharacterID)
	assert.True(t, b.LastCheckedAt.Equal(fixedNow))
	assert.Equal(t, []string{"summary"}, h.notifier.kinds())
}

func TestRunNow_StrikesWarnThenRevoke(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix"})
	h.fetcher.errs["Artix"] = &charpage.HTTPError{StatusCode: 503}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, h.binding(t, "g1", "u1").FailedChecks)
	assert.Equal(t, []string{"strike", "summary"}, h.notifier.kinds())

	_, err = h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.binding(t, "g1", "u1").FailedChecks)
	assert.Equal(t, []string{"strike", "summary", "strike", "warning", "summary"}, h.notifier.kinds())

	res, err = h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Zero(t, res.Mismatches)

	_, err = h.store.GetBinding("g1", "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"u1"}, h.guilds.removed)

	cfg, err := h.store.GetGuildConfig("g1")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TotalChecksRun)
	assert.Equal(t, 1, cfg.UsersRemovedTotal)
	assert.True(t, cfg.LastCheckTime.Equal(fixedNow))
}

func TestRunNow_MismatchRevokes(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix", CharacterID: "42"})
	h.fetcher.records["Artix"] = &charpage.Record{Name: "Artix", CharacterID: "99"}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Mismatches)
	assert.Equal(t, 1, res.Removed)
	assert.Zero(t, res.Errors)
	assert.Equal(t, []string{"revoked", "summary"}, h.notifier.kinds())
}

func TestRunNow_SkipsMembersWhoLeftOrLackRole(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "gone", ClaimedName: "Gone"})
	h.bind(t, "g1", storage.Binding{UserID: "norole", ClaimedName: "NoRole"})
	delete(h.guilds.members, "gone")
	h.guilds.members["norole"].Roles = nil

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Checked)
	assert.Empty(t, h.fetcher.calls)

	// Both bindings stay untouched
	assert.True(t, h.binding(t, "g1", "gone").LastCheckedAt.IsZero())
	assert.True(t, h.binding(t, "g1", "norole").LastCheckedAt.IsZero())
}

func TestRunNow_MissingRoleSkipsGuild(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g2", storage.Binding{UserID: "u1", ClaimedName: "Artix"})

	res, err := h.sched.RunNow(context.Background(), "g2")
	require.NoError(t, err)

	assert.Equal(t, reconcile.StatusSkipped, res.Status)
	assert.ErrorIs(t, res.SkipReason, reconcile.ErrVerifiedRoleMissing)
	assert.Zero(t, res.Checked)
	assert.Zero(t, res.Mismatches)
	assert.Zero(t, res.Errors)
	assert.Zero(t, res.Removed)
	assert.Equal(t, []string{"config-missing"}, h.notifier.kinds())

	cfg, err := h.store.GetGuildConfig("g2")
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalChecksRun)
	assert.True(t, cfg.LastCheckTime.IsZero())
}

func TestRunNow_RecoversPanicAndContinues(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Boom"})
	h.bind(t, "g1", storage.Binding{UserID: "u2", ClaimedName: "Artix"})
	h.fetcher.panics["Boom"] = true
	h.fetcher.records["Artix"] = &charpage.Record{Name: "Artix"}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, reconcile.StatusCompleted, res.Status)
	assert.True(t, h.binding(t, "g1", "u2").LastCheckedAt.Equal(fixedNow))
}

func TestRunNow_IgnoresDisabledToggle(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix"})
	h.fetcher.records["Artix"] = &charpage.Record{Name: "Artix"}
	require.NoError(t, h.sched.SetDailyCheck("g1", false))

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Checked)
}

func TestRunAll_SkipsDisabledGuilds(t *testing.T) {
	h := newHarness(t)
	h.guilds.roles["g2"] = "role-verified"
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix"})
	h.bind(t, "g2", storage.Binding{UserID: "u2", ClaimedName: "Beleen"})
	h.fetcher.records["Artix"] = &charpage.Record{Name: "Artix"}
	h.fetcher.records["Beleen"] = &charpage.Record{Name: "Beleen"}
	require.NoError(t, h.sched.SetDailyCheck("g2", false))

	results, err := h.sched.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "g1", results[0].GuildID)
	assert.Equal(t, reconcile.StatusCompleted, results[0].Status)
	assert.Equal(t, "g2", results[1].GuildID)
	assert.Equal(t, reconcile.StatusSkipped, results[1].Status)
	assert.ErrorIs(t, results[1].SkipReason, reconcile.ErrDailyCheckDisabled)
	assert.Equal(t, []string{"Artix"}, h.fetcher.calls)

	cfg, err := h.store.GetGuildConfig("g2")
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalChecksRun)
	assert.True(t, h.binding(t, "g2", "u2").LastCheckedAt.IsZero())
}

func TestRunAll_ConcurrentGuilds(t *testing.T) {
	h := newHarness(t)
	h.sched = reconcile.New(h.store, h.fetcher, h.guilds, h.notifier, reconcile.Options{
		GuildConcurrency: 4,
		Now:              func() time.Time { return fixedNow },
	})
	for i := 0; i < 6; i++ {
		guildID := fmt.Sprintf("g%d", i)
		userID := fmt.Sprintf("u%d", i)
		name := fmt.Sprintf("Hero%d", i)
		h.guilds.roles[guildID] = "role-verified"
		h.bind(t, guildID, storage.Binding{UserID: userID, ClaimedName: name})
		h.fetcher.records[name] = &charpage.Record{Name: name}
	}

	results, err := h.sched.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("g%d", i), res.GuildID)
		assert.Equal(t, 1, res.Checked)
	}
}

func TestRunNow_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.sched.RunNow(ctx, "g1")
	assert.ErrorIs(t, err, context.Canceled)

	cfg, err := h.store.GetGuildConfig("g1")
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalChecksRun)
}

func TestRunNow_CancelledDuringFetch(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix", FailedChecks: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onFetch = func(string) { cancel() }
	h.fetcher.block = true

	res, err := h.sched.RunNow(ctx, "g1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, reconcile.StatusCompleted, res.Status)
	assert.Zero(t, res.Removed)
	assert.Zero(t, res.Errors)

	b := h.binding(t, "g1", "u1")
	assert.Equal(t, 2, b.FailedChecks)
	assert.Empty(t, h.guilds.removed)
	assert.Empty(t, h.notifier.kinds())

	cfg, err := h.store.GetGuildConfig("g1")
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalChecksRun)
	assert.True(t, cfg.LastCheckTime.IsZero())
}

func TestRunNow_KeepsBindingReplacedDuringRun(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Old", VerifiedAt: fixedNow.Add(-48 * time.Hour)})
	h.fetcher.records["Old"] = &charpage.Record{Name: "Old"}

	replacement := storage.Binding{UserID: "u1", ClaimedName: "New", ClaimedGuildName: "Heroes", VerifiedAt: fixedNow}
	h.fetcher.onFetch = func(string) {
		require.NoError(t, h.sched.SaveBinding("g1", &replacement))
	}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
	assert.Equal(t, 1, res.Skipped)

	b := h.binding(t, "g1", "u1")
	assert.Equal(t, "New", b.ClaimedName)
	assert.Equal(t, "Heroes", b.ClaimedGuildName)
	assert.True(t, b.LastCheckedAt.IsZero())
}

func TestRunNow_SkipsBindingDeletedDuringRun(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix", FailedChecks: 2})
	h.fetcher.onFetch = func(string) {
		require.NoError(t, h.sched.DeleteBinding("g1", "u1"))
	}

	res, err := h.sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.guilds.removed)
	assert.Equal(t, []string{"summary"}, h.notifier.kinds())
}

// saveFailingStore rejects every binding write
type saveFailingStore struct {
	storage.VerificationStore
}

func (saveFailingStore) SaveBinding(string, *storage.Binding) error {
	return errors.New("disk full")
}

func TestRunNow_CountsOneErrorPerBinding(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix"})
	h.fetcher.errs["Artix"] = context.DeadlineExceeded

	sched := reconcile.New(saveFailingStore{h.store}, h.fetcher, h.guilds, h.notifier, reconcile.Options{
		FetchTimeout: time.Second,
		Now:          func() time.Time { return fixedNow },
	})

	res, err := sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, h.binding(t, "g1", "u1").FailedChecks)
}

type failingMessenger struct {
	mu    sync.Mutex
	calls int
}

func (m *failingMessenger) SendMessage(context.Context, string, *discordgo.MessageEmbed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return errors.New("missing access")
}

func (m *failingMessenger) SendDirectMessage(context.Context, string, *discordgo.MessageEmbed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return errors.New("cannot send messages to this user")
}

func TestRunNow_NotificationFailureDoesNotBlockRevocation(t *testing.T) {
	h := newHarness(t)
	messenger := &failingMessenger{}
	sched := h.newScheduler(notify.New(messenger, nil))
	require.NoError(t, sched.SetLogChannel("g1", "audit"))

	h.bind(t, "g1", storage.Binding{UserID: "u1", ClaimedName: "Artix", FailedChecks: 2})
	h.fetcher.errs["Artix"] = context.DeadlineExceeded

	res, err := sched.RunNow(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.Positive(t, messenger.calls)
	_, err = h.store.GetBinding("g1", "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"u1"}, h.guilds.removed)

	cfg, err := h.store.GetGuildConfig("g1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.UsersRemovedTotal)
}

func TestScheduler_ConfigSetters(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sched.SetDailyCheck("g1", false))
	require.NoError(t, h.sched.SetVerifiedRole("g1", "Hero"))
	require.NoError(t, h.sched.SetLogChannel("g1", "audit"))
	assert.Error(t, h.sched.SetVerifiedRole("g1", ""))

	status, err := h.sched.Status("g1")
	require.NoError(t, err)
	assert.False(t, status.Config.DailyCheckEnabled)
	assert.Equal(t, "Hero", status.Config.VerifiedRoleName)
	assert.Equal(t, "audit", status.Config.LogChannelID)
	assert.Zero(t, status.BoundUsers)
	assert.True(t, status.NextRun.IsZero())
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.sched.Start(ctx))
	next := h.sched.NextRun()
	assert.False(t, next.IsZero())
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
	h.sched.Stop()
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	h := newHarness(t)
	sched := reconcile.New(h.store, h.fetcher, h.guilds, h.notifier, reconcile.Options{Schedule: "not a schedule"})
	assert.Error(t, sched.Start(context.Background()))
}
