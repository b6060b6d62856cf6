package deosun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/deosun-bot/deosun/deosun.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// cleanupTimeout bounds a single deferred cleanup (ex: deleting an
	// expired interaction response)
	cleanupTimeout = 10 * time.Second

	shutdownAnnouncementInterval = 10 * time.Second
)

// Deosun is the bot. It owns the discord session, the stores, the
// providers and the voice session registry, and wires gateway events
// and interactions to them.
type Deosun struct {
	config *Config

	// Standard logger, and the handler behind it
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	db      *gorm.DB

	statsCache StatsCache
	stats      StatsStore
	settings   *SettingsStore

	tiers *TierTable
	roles *RoleManager
	voice *VoiceRegistry

	synth       Synthesizer
	translator  Translator
	translation *translationFlow
	agent       *Agent

	audit *AuditLog
	api   *API

	commands   map[string]interactionFunc
	components map[string]interactionFunc

	// pendingLanguages holds /translator selections, keyed by user ID
	pendingLanguages *cache.Cache

	cleanupMu     sync.Mutex
	cleanupWG     sync.WaitGroup
	cleanupStop   chan struct{}
	cleanupClosed bool

	// closers are provider clients closed on shutdown
	closers []io.Closer

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// incoming interaction. Tests replace it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runMu     sync.Mutex
	startedAt time.Time
}

func componentHandler(level slog.Leveler, name string) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	).WithAttrs([]slog.Attr{slog.String(loggerNameKey, name)})
}

// New creates a bot from the given config. Nothing is connected until
// Run is called; configuration errors are collected and returned
// together.
func New(config *Config) (*Deosun, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Deosun{
		config:      config,
		cleanupStop: make(chan struct{}),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		componentHandler(d.config.Discord.DiscordGoLogLevel, "discordgo"),
	)

	d.config.Discord.httpClient = d.config.HTTPClient
	d.discord = newDiscord(
		d.config.Discord,
		slog.New(componentHandler(d.config.Discord.LogLevel, "discord")),
	)

	d.agent = newAgent(
		d.config.OpenAI,
		d.config.HTTPClient,
		componentHandler(d.config.OpenAI.LogLevel, openaiProvider),
	)

	tiers, err := NewTierTable(config.Tiers)
	if err != nil {
		errs = append(errs, err)
	}
	d.tiers = tiers

	audit, err := NewAuditLog(config.AuditLogDir, d.logHandler)
	if err != nil {
		errs = append(errs, err)
	}
	d.audit = audit

	d.pendingLanguages = cache.New(translatorSelectionTimeout, pendingSweepInterval)
	d.pendingLanguages.OnEvicted(d.onLanguageSelectionEvicted)

	d.commands = d.commandHandlers()
	d.components = d.componentHandlers()

	if config.API.Enabled {
		api, e := newAPI(d, config.API)
		errs = append(errs, e)
		d.api = api
	}

	return d, errors.Join(errs...)
}

func (d *Deosun) ValidateConfig() error {
	return d.config.Validate()
}

// RegisterSlashCommands overwrites the guild's slash commands with the
// bot's current command set. A gateway connection isn't needed.
func (d *Deosun) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(options...)
}

// Run connects to the database, providers and the discord gateway, and
// handles events until ctx is canceled. In-flight handlers are then
// given up to Config.ShutdownTimeout to finish.
func (d *Deosun) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// event and interaction handlers
	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			d.closeProviders()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.api != nil {
		go func() {
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		d.closeProviders()
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		d.closeProviders()
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := d.RegisterSlashCommands(discordgo.WithContext(startCtx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(
		func() error {
			d.voice.StartLiveness(workerCtx)
			return nil
		},
	)

	// block until something cancels the runtime context, generally an
	// interrupt
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG, workers)
}

// initRun opens the database and cache, and creates the provider
// clients that weren't already set
func (d *Deosun) initRun(startCtx context.Context, ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	db, err := CreateDB(
		startCtx,
		d.config,
		componentHandler(d.config.DatabaseLogLevel, "database"),
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.db = db

	if d.statsCache == nil {
		statsCache, e := newStatsCache(startCtx, d.config.Cache)
		if e != nil {
			return fmt.Errorf("error creating stats cache: %w", e)
		}
		d.statsCache = statsCache
		if c, ok := statsCache.(io.Closer); ok {
			d.closers = append(d.closers, c)
		}
	}
	d.stats = newCachedStatsStore(
		newGormStatsStore(db, d.config.Tables.Stats, d.logger),
		d.statsCache,
		d.logger,
	)
	d.settings = newSettingsStore(db, d.config.Tables)

	// provider clients outlive startup, so they get the runtime context
	if d.translator == nil && d.config.Translate.Enabled {
		translator, e := newGoogleTranslator(ctx, d.config.Google)
		if e != nil {
			return fmt.Errorf("error creating translator: %w", e)
		}
		d.translator = translator
		d.closers = append(d.closers, translator)
	}
	if d.translator != nil {
		d.translation = &translationFlow{
			settings:   d.settings,
			translator: d.translator,
			audit:      d.audit,
			prefix:     d.config.Translate.ReplyPrefix,
		}
	}

	if d.synth == nil {
		synth, e := newGoogleSynthesizer(ctx, d.config.Google, d.config.Voice)
		if e != nil {
			return fmt.Errorf("error creating synthesizer: %w", e)
		}
		d.synth = synth
		d.closers = append(d.closers, synth)
	}
	return nil
}

// initDiscordSession creates the discord session (if one wasn't set),
// the components that depend on it, and adds the gateway handlers.
// Every event is handled on its own goroutine, tracked by runtimeWG.
func (d *Deosun) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return err
		}
		d.discord.session = session
	}
	session := d.discord.session

	d.roles = newRoleManager(
		d.tiers,
		session,
		d.config.Discord.NotificationChannelID,
		d.audit,
		d.logger,
	)

	if d.voice == nil {
		var occupancy occupancyFunc
		if state := session.State(); state != nil {
			occupancy = stateOccupancy(state)
		}
		d.voice = newVoiceRegistry(
			d.config.Voice,
			discordVoiceConnector{session: session},
			d.synth,
			newFFmpegTranscoder(d.config.Voice.FFmpegPath),
			occupancy,
			slog.New(componentHandler(d.config.Voice.LogLevel, "voice")),
		)
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger: d.logger.With(
					slog.Group("interaction", interactionLogAttrs(i)...),
				),
			}
		}
	}

	track := func(fn func()) {
		if ctx.Err() != nil {
			return
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			fn()
		}()
	}

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(d.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				track(func() { d.handleInteraction(ctx, handler) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				track(func() { d.handleMessageCreate(ctx, m) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				track(func() { d.handleVoiceStateUpdate(ctx, v) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				track(func() { d.handleMemberAdd(ctx, m) })
			},
		),
	}
	return nil
}

// deferCleanup runs fn after delay, on its own goroutine. Pending
// cleanups run immediately once shutdown starts, and shutdown waits for
// them before closing the discord session. After that, fn is dropped.
func (d *Deosun) deferCleanup(delay time.Duration, fn func(ctx context.Context)) {
	d.cleanupMu.Lock()
	if d.cleanupClosed {
		d.cleanupMu.Unlock()
		return
	}
	d.cleanupWG.Add(1)
	d.cleanupMu.Unlock()

	go func() {
		defer d.cleanupWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), delay+cleanupTimeout)
		defer cancel()
		defer func() {
			if rc := recover(); rc != nil {
				d.handleRecover(ctx, rc)
			}
		}()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-d.cleanupStop:
			}
		}
		fn(ctx)
	}()
}

// finishCleanups stops accepting deferred cleanups, runs the pending
// ones and waits for them
func (d *Deosun) finishCleanups() {
	d.cleanupMu.Lock()
	if !d.cleanupClosed {
		d.cleanupClosed = true
		close(d.cleanupStop)
	}
	d.cleanupMu.Unlock()
	d.cleanupWG.Wait()
}

// closeProviders closes provider clients, the cache, the database and
// the audit log
func (d *Deosun) closeProviders() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			d.logger.Warn("error closing client", tint.Err(err))
		}
	}
	d.closers = nil

	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				d.logger.Warn("error closing database", tint.Err(err))
			}
		}
	}
	if err := d.audit.Close(); err != nil {
		d.logger.Warn("error closing audit log", tint.Err(err))
	}
}

// shutdown stops accepting events, waits for in-flight handlers and
// background workers, then closes voice sessions, the discord session,
// the API server and providers. If that takes longer than
// Config.ShutdownTimeout, the API server is closed forcefully and an
// error is returned.
func (d *Deosun) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	workers *errgroup.Group,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		d.discord.removeHandlers()
		if d.api != nil {
			go func() {
				_ = d.api.httpServer.Close()
			}()
		}
		if d.discord.session != nil {
			_ = d.discord.session.Close()
		}
		return errors.New("handlers did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		d.discord.removeHandlers()
		runtimeWG.Wait()
		_ = workers.Wait()
		d.finishCleanups()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		if d.api != nil && d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if d.voice != nil {
				d.logger.InfoContext(ctx, "closing voice sessions")
				d.voice.Close()
			}
			if d.discord.session != nil {
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
			}
		}()

		go func() {
			stopWG.Wait()
			d.closeProviders()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("handlers did not stop in time, forcing close")
			if d.api != nil {
				go func() {
					_ = d.api.httpServer.Close()
				}()
			}
			return errors.New("handlers did not stop in time")
		}
	}
}

// handleRecover logs a recovered panic from an event or interaction
// goroutine, with its stack trace
func (*Deosun) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
