// Package reconcile re-checks every verified-user binding against the live character page
// once a day and applies the strike policy decided by the verify package.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/charpage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/platform"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/verify"
)

var (
	// ErrVerifiedRoleMissing is the skip reason for a guild without its verified role
	ErrVerifiedRoleMissing = errors.New("verified role not found in guild")

	// ErrDailyCheckDisabled is the skip reason for a guild that turned the daily run off
	ErrDailyCheckDisabled = errors.New("daily checks disabled")
)

// Fetcher loads a character record by name
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (*charpage.Record, error)
}

// Guilds is the slice of the chat platform the scheduler needs
type Guilds interface {
	FindRoleByName(ctx context.Context, guildID, name string) (string, error)
	GetMember(ctx context.Context, guildID, userID string) (*platform.Member, error)
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Target identifies where a guild's notifications go
type Target struct {
	GuildID      string
	LogChannelID string
}

// Notifier delivers best-effort messages. Implementations log and swallow their own failures.
type Notifier interface {
	StrikeWarning(ctx context.Context, t Target, d verify.Decision)
	AuditStrike(ctx context.Context, t Target, d verify.Decision)
	Revoked(ctx context.Context, t Target, d verify.Decision)
	RunSummary(ctx context.Context, t Target, res Result)
	ConfigurationMissing(ctx context.Context, t Target, roleName string)
}

// Status is the terminal state of one guild run
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// Result summarizes one guild run
type Result struct {
	GuildID string
	RunID   string
	Status  Status

	// SkipReason is set when Status is StatusSkipped
	SkipReason error

	Checked    int
	Mismatches int
	Errors     int
	Removed    int

	// Skipped counts members who left the guild or no longer hold the verified role
	Skipped int

	Duration time.Duration
}

// Options tunes the scheduler
type Options struct {
	// Schedule is a standard five-field cron spec evaluated in UTC
	Schedule string

	// FetchTimeout bounds each character page fetch
	FetchTimeout time.Duration

	// GuildConcurrency is how many guilds the daily run processes at once
	GuildConcurrency int

	// DefaultRoleName is used when a guild config has no role name
	DefaultRoleName string

	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler runs reconciliation on a daily cron schedule and on demand
type Scheduler struct {
	store    storage.VerificationStore
	fetcher  Fetcher
	guilds   Guilds
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// configMu guards read-modify-write of guild configs
	configMu sync.Mutex

	// bindingMu serializes read-evaluate-write of a binding against writes from commands
	bindingMu sync.Mutex
}

// New creates a Scheduler; call Start to arm the daily trigger
func New(store storage.VerificationStore, fetcher Fetcher, guilds Guilds, notifier Notifier, opts Options) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = "0 3 * * *"
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.GuildConcurrency <= 0 {
		opts.GuildConcurrency = 1
	}
	if opts.DefaultRoleName == "" {
		opts.DefaultRoleName = "Verified"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger.With("component", "reconcile")
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		guilds:   guilds,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger}), cron.DelayIfStillRunning(cronLogger{logger})),
		),
		locks: make(map[string]*sync.Mutex),
	}
}

// Start registers the daily job and starts the cron loop.
// The job runs with ctx, so cancelling it aborts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunAll(ctx); err != nil {
			s.logger.Error("Daily reconciliation finished with errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.opts.Schedule, err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("Starting reconciliation scheduler", "schedule", s.opts.Schedule, "nextRun", s.NextRun())
	return nil
}

// Stop stops the cron loop and waits for a running job to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Reconciliation scheduler stopped")
}

// NextRun returns when the daily job fires next, or the zero time if it is not scheduled
func (s *Scheduler) NextRun() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunAll runs the scheduled check for every known guild.
// Guilds with daily checks disabled are skipped. One guild failing does not stop the others.
func (s *Scheduler) RunAll(ctx context.Context) ([]Result, error) {
	guildIDs, err := s.store.ListGuilds()
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	if len(guildIDs) == 0 {
		s.logger.Debug("No guilds to reconcile")
		return nil, nil
	}

	s.logger.Info("Starting daily reconciliation", "guilds", len(guildIDs))

	results := make([]Result, len(guildIDs))
	errs := make([]error, len(guildIDs))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.GuildConcurrency)
	for i, guildID := range guildIDs {
		i, guildID := i, guildID
		g.Go(func() error {
			results[i], errs[i] = s.runGuild(ctx, guildID, false)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// RunNow runs one guild immediately and blocks until it finishes.
// It ignores the guild's daily check toggle.
func (s *Scheduler) RunNow(ctx context.Context, guildID string) (Result, error) {
	return s.runGuild(ctx, guildID, true)
}

func (s *Scheduler) guildLock(guildID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[guildID] = l
	}
	return l
}

// runGuild checks every binding of one guild. Runs of the same guild never overlap.
func (s *Scheduler) runGuild(ctx context.Context, guildID string, manual bool) (Result, error) {
	lock := s.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	start := s.opts.Now()
	res := Result{GuildID: guildID, RunID: uuid.NewString()}
	log := s.logger.With("guildID", guildID, "runID", res.RunID, "manual", manual)

	cfg, err := s.store.GetGuildConfig(guildID)
	if err != nil {
		return res, fmt.Errorf("failed to load config for guild %s: %w", guildID, err)
	}
	target := Target{GuildID: guildID, LogChannelID: cfg.LogChannelID}

	if !manual && !cfg.DailyCheckEnabled {
		log.Debug("Daily checks disabled, skipping guild")
		res.Status = StatusSkipped
		res.SkipReason = ErrDailyCheckDisabled
		return res, nil
	}

	roleName := cfg.VerifiedRoleName
	if roleName == "" {
		roleName = s.opts.DefaultRoleName
	}

	roleID, err := s.guilds.FindRoleByName(ctx, guildID, roleName)
	if errors.Is(err, platform.ErrRoleNotFound) {
		log.Warn("Verified role not found, skipping guild", "role", roleName)
		res.Status = StatusSkipped
		res.SkipReason = fmt.Errorf("%w: %s", ErrVerifiedRoleMissing, roleName)
		s.notifier.ConfigurationMissing(ctx, target, roleName)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to resolve verified role for guild %s: %w", guildID, err)
	}

	bindings, err := s.store.ListBindings(guildID)
	if err != nil {
		return res, fmt.Errorf("failed to list bindings for guild %s: %w", guildID, err)
	}

	log.Info("Reconciling guild", "bindings", len(bindings))

	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			log.Warn("Reconciliation interrupted", "error", err)
			return res, err
		}
		s.checkBinding(ctx, log, target, roleID, b, &res)
	}
	if err := ctx.Err(); err != nil {
		log.Warn("Reconciliation interrupted", "error", err)
		return res, err
	}

	res.Status = StatusCompleted
	res.Duration = s.opts.Now().Sub(start)

	if err := s.recordRun(guildID, res); err != nil {
		log.Error("Failed to update guild counters", "error", err)
	}

	log.Info("Reconciliation completed",
		"checked", res.Checked,
		"mismatches", res.Mismatches,
		"errors", res.Errors,
		"removed", res.Removed,
		"skipped", res.Skipped,
		"duration", res.Duration,
	)

	s.notifier.RunSummary(ctx, target, res)
	return res, nil
}

// recordRun re-reads the config so changes an admin made during the run are kept
func (s *Scheduler) recordRun(guildID string, res Result) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg, err := s.store.GetGuildConfig(guildID)
	if err != nil {
		return err
	}
	cfg.LastCheckTime = s.opts.Now()
	cfg.TotalChecksRun++
	cfg.UsersRemovedTotal += res.Removed
	return s.store.SaveGuildConfig(cfg)
}

// checkBinding processes one binding; any failure, including a panic, is counted and the run continues
func (s *Scheduler) checkBinding(ctx context.Context, log *slog.Logger, target Target, roleID string, b *storage.Binding, res *Result) {
	log = log.With("userID", b.UserID, "character", b.ClaimedName)

	defer func() {
		if r := recover(); r != nil {
			res.Errors++
			log.Error("Panic while checking binding", "panic", r)
		}
	}()

	if err := s.processBinding(ctx, log, target, roleID, b, res); err != nil {
		if ctx.Err() != nil {
			return
		}
		res.Errors++
		log.Error("Failed to check binding", "error", err)
	}
}

func (s *Scheduler) processBinding(ctx context.Context, log *slog.Logger, target Target, roleID string, b *storage.Binding, res *Result) error {
	member, err := s.guilds.GetMember(ctx, target.GuildID, b.UserID)
	if errors.Is(err, platform.ErrMemberNotFound) {
		log.Debug("Member left the guild, skipping")
		res.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up member: %w", err)
	}
	if !member.HasRole(roleID) {
		log.Debug("Member no longer has the verified role, skipping")
		res.Skipped++
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	record, fetchErr := s.fetcher.Fetch(fetchCtx, b.ClaimedName)
	cancel()

	// A fetch cut short by our own shutdown says nothing about the character.
	if err := ctx.Err(); err != nil {
		return err
	}

	var observed *verify.Observed
	if fetchErr == nil && record != nil {
		observed = &verify.Observed{
			Name:        record.Name,
			Guild:       record.Guild,
			CharacterID: record.CharacterID,
		}
	}

	d, applied, err := s.commit(target.GuildID, b, observed, fetchErr)
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("Binding changed during the run, leaving it for the next check")
		res.Skipped++
		return nil
	}
	res.Checked++

	// The binding is already persisted, so finish the side effects even if the run is being stopped.
	opCtx, opCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
	defer opCancel()

	switch d.Outcome {
	case verify.Unchanged:
		log.Warn("Character check failed", "strike", d.Binding.FailedChecks, "error", fetchErr)
		s.notifier.AuditStrike(opCtx, target, d)
		if d.Warn {
			s.notifier.StrikeWarning(opCtx, target, d)
		}

	case verify.Confirmed:
		if d.Adopted {
			log.Info("Learned character ID", "characterID", d.Binding.CharacterID)
		}
		log.Debug("Binding confirmed")

	case verify.RevokedForErrors, verify.RevokedForMismatch:
		if d.Outcome == verify.RevokedForMismatch {
			res.Mismatches++
		}
		if err := s.guilds.RemoveRole(opCtx, target.GuildID, b.UserID, roleID); err != nil {
			log.Error("Failed to remove verified role", "error", err)
		}
		res.Removed++
		log.Info("Verification revoked", "outcome", d.Outcome.String(), "mismatches", d.Mismatches, "error", fetchErr)
		s.notifier.Revoked(opCtx, target, d)
	}

	if observed == nil {
		res.Errors++
	}
	return nil
}

// commit re-reads the binding and persists the decision for it.
// It reports false when the binding was removed or re-verified after the run listed it.
func (s *Scheduler) commit(guildID string, listed *storage.Binding, observed *verify.Observed, fetchErr error) (verify.Decision, bool, error) {
	s.bindingMu.Lock()
	defer s.bindingMu.Unlock()

	current, err := s.store.GetBinding(guildID, listed.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return verify.Decision{}, false, nil
	}
	if err != nil {
		return verify.Decision{}, false, fmt.Errorf("failed to reload binding: %w", err)
	}
	if !sameClaim(listed, current) {
		return verify.Decision{}, false, nil
	}

	d := verify.Evaluate(*current, observed, fetchErr, s.opts.Now())
	if d.Outcome.Revoked() {
		if err := s.store.DeleteBinding(guildID, current.UserID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return d, false, fmt.Errorf("failed to delete binding: %w", err)
		}
		return d, true, nil
	}
	if err := s.store.SaveBinding(guildID, &d.Binding); err != nil {
		return d, false, fmt.Errorf("failed to save binding: %w", err)
	}
	return d, true, nil
}

func sameClaim(a, b *storage.Binding) bool {
	return a.ClaimedName == b.ClaimedName &&
		a.ClaimedGuildName == b.ClaimedGuildName &&
		a.VerifiedAt.Equal(b.VerifiedAt)
}

// SaveBinding stores a binding created outside a run without racing a run that is checking the same member
func (s *Scheduler) SaveBinding(guildID string, b *storage.Binding) error {
	s.bindingMu.Lock()
	defer s.bindingMu.Unlock()
	return s.store.SaveBinding(guildID, b)
}

// DeleteBinding removes a binding without racing a run that is checking the same member
func (s *Scheduler) DeleteBinding(guildID, userID string) error {
	s.bindingMu.Lock()
	defer s.bindingMu.Unlock()
	return s.store.DeleteBinding(guildID, userID)
}

// GuildStatus is a snapshot of a guild's verification state
type GuildStatus struct {
	Config     storage.GuildVerificationConfig
	BoundUsers int
	NextRun    time.Time
}

// Status reports a guild's config, counters and binding count
func (s *Scheduler) Status(guildID string) (*GuildStatus, error) {
	cfg, err := s.store.GetGuildConfig(guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	bindings, err := s.store.ListBindings(guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	if cfg.VerifiedRoleName == "" {
		cfg.VerifiedRoleName = s.opts.DefaultRoleName
	}
	return &GuildStatus{
		Config:     *cfg,
		BoundUsers: len(bindings),
		NextRun:    s.NextRun(),
	}, nil
}

// SetDailyCheck enables or disables the daily run for a guild
func (s *Scheduler) SetDailyCheck(guildID string, enabled bool) error {
	return s.updateConfig(guildID, func(cfg *storage.GuildVerificationConfig) {
		cfg.DailyCheckEnabled = enabled
	})
}

// SetVerifiedRole changes the name of the role the run checks for
func (s *Scheduler) SetVerifiedRole(guildID, roleName string) error {
	if roleName == "" {
		return fmt.Errorf("role name is required")
	}
	return s.updateConfig(guildID, func(cfg *storage.GuildVerificationConfig) {
		cfg.VerifiedRoleName = roleName
	})
}

// SetLogChannel changes the audit channel; an empty ID disables audit messages
func (s *Scheduler) SetLogChannel(guildID, channelID string) error {
	return s.updateConfig(guildID, func(cfg *storage.GuildVerificationConfig) {
		cfg.LogChannelID = channelID
	})
}

func (s *Scheduler) updateConfig(guildID string, mutate func(*storage.GuildVerificationConfig)) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg, err := s.store.GetGuildConfig(guildID)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	mutate(cfg)
	if err := s.store.SaveGuildConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// cronLogger routes cron's own logging into slog
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
