package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/charpage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/config"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/notify"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/platform"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/reconcile"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/wiki"
)

// Bot represents the Discord bot instance
type Bot struct {
	config    *config.Config
	session   *discordgo.Session
	discord   *platform.Discord
	repo      *storage.Repository
	store     storage.VerificationStore
	chars     *charpage.Client
	wiki      *wiki.Client
	scheduler *reconcile.Scheduler
	commands  []*discordgo.ApplicationCommand

	// Verifications waiting for an admin to press Finish, keyed by channel ID
	pendingMu sync.Mutex
	pending   map[string]*pendingVerification
}

// New creates a new Bot instance
func New(cfg *config.Config) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Set intents
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	// Initialize storage
	repo, err := storage.NewRepository(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	store, err := storage.Open(cfg.StorageBackend, cfg.DataDir, repo)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to open verification store: %w", err)
	}

	discord := platform.NewDiscord(session)
	chars := charpage.NewClient(cfg.CharPageURL, cfg.FetchTimeout)

	scheduler := reconcile.New(store, chars, discord, notify.New(discord, slog.Default()), reconcile.Options{
		Schedule:         cfg.DailyCheckSchedule(),
		FetchTimeout:     cfg.FetchTimeout,
		GuildConcurrency: cfg.GuildConcurrency,
		DefaultRoleName:  cfg.VerifiedRoleName,
		Logger:           slog.Default(),
	})

	b := &Bot{
		config:    cfg,
		session:   session,
		discord:   discord,
		repo:      repo,
		store:     store,
		chars:     chars,
		wiki:      wiki.NewClient(cfg.WikiURL, cfg.FetchTimeout),
		scheduler: scheduler,
		pending:   make(map[string]*pendingVerification),
	}

	// Register command handlers
	b.registerHandlers()

	return b, nil
}

// Start opens the Discord connection and starts background tasks
func (b *Bot) Start(ctx context.Context) error {
	// Open Discord connection
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	// Register slash commands
	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	// Start the daily verification check
	if err := b.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the bot
func (b *Bot) Stop() error {
	// Stop the scheduler
	if b.scheduler != nil {
		b.scheduler.Stop()
	}

	// Guild-scoped commands are a development setup; clean them up
	if b.config.GuildID != "" {
		b.removeCommands()
	}

	// Close storage; the sqlite backend is the repository itself
	if b.store != nil && b.store != storage.VerificationStore(b.repo) {
		if err := b.store.Close(); err != nil {
			slog.Error("Failed to close verification store", "error", err)
		}
	}
	if b.repo != nil {
		b.repo.Close()
	}

	// Close Discord session
	if b.session != nil {
		return b.session.Close()
	}

	return nil
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("Bot is ready", "guilds", len(r.Guilds))
	})
}

// handleInteraction routes slash commands, button clicks and modal submissions
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(s, i)
	case discordgo.InteractionMessageComponent:
		b.handleComponent(s, i)
	case discordgo.InteractionModalSubmit:
		b.handleModalSubmit(s, i)
	}
}

func (b *Bot) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	slog.Debug("Received command", "command", data.Name, "guild", i.GuildID)

	if i.GuildID == "" {
		respondEphemeral(s, i, "This command can only be used in a server.")
		return
	}

	switch data.Name {
	case "verify":
		b.handleVerify(s, i)
	case "unbind":
		b.handleUnbind(s, i)
	case "verification":
		b.handleVerification(s, i)
	case "char":
		b.handleChar(s, i)
	case "wiki":
		b.handleWiki(s, i)
	case "points":
		b.handlePoints(s, i)
	default:
		slog.Warn("Unknown command", "command", data.Name)
	}
}

func (b *Bot) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	action, arg := parseCustomID(data.CustomID)
	slog.Debug("Received component", "action", action, "guild", i.GuildID)

	switch action {
	case actionStartVerification:
		b.handleStartVerification(s, i)
	case actionFinishVerification:
		b.handleFinishVerification(s, i, arg)
	default:
		slog.Warn("Unknown component", "customID", data.CustomID)
	}
}

func (b *Bot) handleModalSubmit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ModalSubmitData()
	action, _ := parseCustomID(data.CustomID)

	switch action {
	case actionVerificationModal:
		b.handleVerificationSubmit(s, i)
	default:
		slog.Warn("Unknown modal", "customID", data.CustomID)
	}
}
