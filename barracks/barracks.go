package barracks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/testisf/Discord-bot-verify/barracks.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// setupCheckInterval is how often Run checks whether admin
	// credentials have been set, while setup is pending
	setupCheckInterval = 5 * time.Second

	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

var errShutdownTimeout = errors.New("in-flight interactions did not finish in time")

// Barracks is the bot. It owns the Discord session, the admin API,
// the optional webhook server, the database, and the services behind
// each command: verification, scheduling, tickets and member stats.
type Barracks struct {
	config *Config

	// read connection
	db *gorm.DB

	// writes go through here, serialized when using sqlite
	writeDB DBI

	dbNotifier DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// webhookInteractionHandler handles interactions received by the
	// webhook server. It's set by Run.
	webhookInteractionHandler gin.HandlerFunc

	// signalStop triggers a graceful shutdown, ex: via /api/quit
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value once shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	paused    atomic.Bool
	startedAt time.Time

	// pendingSetup is set while no admin credentials exist. Run waits
	// for them to be set via the API before connecting to Discord.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc returns the InteractionHandler for a
	// new interaction. Tests replace it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool

	identity     *IdentityClient
	avatarCache  AvatarCache
	avatars      *AvatarResolver
	profiles     ProfileStore
	tickets      TicketStore
	verification *VerificationCoordinator
	pending      PendingChallengeStore

	now func() time.Time
}

// New creates the bot from the given config. The database isn't opened
// and nothing connects until Run is called.
func New(config *Config) (*Barracks, error) {
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

	b := &Barracks{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		pending:                       NewPendingChallengeStore(),
		now:                           time.Now,
	}

	b.logHandler = newTintHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return b, errors.Join(append(errs, err)...)
	}
	disc.logger = slog.New(
		newTintHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.br = b
	b.discord = disc

	b.getInteractionHandlerFunc = b.gatewayInteractionHandler

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// ValidateConfig validates the config's struct tags, plus the checks
// that span multiple fields
func (b *Barracks) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}
	if b.config.Scheduling != nil {
		if msg := validateSchedulingConfig(reflect.ValueOf(*b.config.Scheduling)); msg != nil {
			return fmt.Errorf("invalid scheduling config: %v", msg)
		}
	}
	if b.config.Discord.WebhookServer.Enabled && len(b.discord.publicKey) == 0 {
		return errors.New("webhook server enabled without a public key")
	}
	return nil
}

// RegisterSlashCommands overwrites the bot's application commands
func (b *Barracks) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// RuntimeConfig returns a copy of the current runtime configuration.
// Before Run loads it from the database, the default is returned.
func (b *Barracks) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *b.runtimeConfig
}

// Run starts the bot, and blocks until ctx is cancelled or a stop
// signal is received, then shuts down gracefully.
func (b *Barracks) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = b.now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	// nothing behind the auth middleware is reachable until the
	// runtime config has been loaded
	b.pendingSetup.Store(true)

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b, runtimeWG)

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api.listener != nil {
				if e := b.api.listener.Close(); e != nil {
					logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
				}
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := b.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}
	if ctx.Err() != nil {
		return nil
	}

	runtimeCfg := b.RuntimeConfig()

	if b.discordWebhookServer != nil {
		b.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := b.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.runMemberStats(ctx)
	}()

	for _, channel := range b.dbNotifier.Channels() {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, channel); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e), "channel", channel)
			}
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads (or creates) the runtime config,
// and builds the services that depend on them
func (b *Barracks) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	notifier, err := newDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.writeDB,
		notifyTargets{
			signalStop:          b.signalStop,
			reloadRuntimeConfig: b.triggerRuntimeConfigRefreshCh,
		},
		b.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	// the runtime config persists whether the bot was paused, so a
	// restart doesn't quietly resume it
	var botState RuntimeConfig
	pendingSetup := false
	if getStateErr := b.db.WithContext(ctx).Last(&botState).Error; getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		pendingSetup = true
		botState = DefaultRuntimeConfig()
		if _, err = b.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		pendingSetup = true
	}

	b.cfgMu.Lock()
	b.runtimeConfig = &botState
	b.paused.Store(botState.Paused)
	b.setRuntimeLevels(botState)
	b.cfgMu.Unlock()
	b.pendingSetup.Store(pendingSetup)

	return b.initServices(ctx)
}

// initServices builds the identity client, avatar cache and the stores
// backing each command
func (b *Barracks) initServices(ctx context.Context) error {
	b.identity = NewIdentityClient(b.config.Identity, b.config.HTTPClient, b.identityLogDB(), b.identityLogger())
	if !b.identity.Configured() {
		b.logger.WarnContext(ctx, "identity credential not set, verification will be unavailable")
	}

	if b.avatarCache == nil {
		b.avatarCache = b.newAvatarCache(ctx)
	}
	b.avatars = NewAvatarResolver(
		b.identity,
		b.avatarCache,
		b.config.Identity.DefaultAvatarURL,
		b.logger.With(loggerNameKey, "avatars"),
	)

	b.profiles = NewProfileStore(b.writeDB, b.logger)
	b.tickets = NewTicketStore(b.writeDB, b.logger)
	b.verification = NewVerificationCoordinator(
		VerificationCoordinatorConfig{
			CodeLength:       b.config.Verification.CodeLength,
			ChallengeTimeout: b.config.Verification.ChallengeTimeout,
			GroupID:          b.config.Identity.GroupID,
		},
		b.identity,
		b.profiles,
		b.discord,
		b.pending,
		b.logger,
	)
	b.verification.now = b.now
	return nil
}

func (b *Barracks) identityLogDB() DBI {
	if !b.config.Identity.LogCalls {
		return nil
	}
	return b.writeDB
}

func (b *Barracks) identityLogger() *slog.Logger {
	return slog.New(newTintHandler(defaultLogWriter, b.config.Identity.LogLevel))
}

// newAvatarCache connects to redis when configured, falling back to an
// in-memory cache if it's unset or unreachable
func (b *Barracks) newAvatarCache(ctx context.Context) AvatarCache {
	ttl := b.config.Cache.AvatarTTL
	if ttl <= 0 {
		ttl = DefaultAvatarCacheTTL
	}
	if b.config.Cache.RedisURL != "" {
		cache, err := newRedisAvatarCache(ctx, b.config.Cache.RedisURL, ttl, b.logger)
		if err == nil {
			return cache
		}
		b.logger.WarnContext(ctx, "redis unavailable, using in-memory avatar cache", tint.Err(err))
	}
	return newMemoryAvatarCache(ttl)
}

// initDB opens the configured database and migrates it
func (b *Barracks) initDB(ctx context.Context) error {
	handler := newTintHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	b.logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		b.logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	b.logger.Debug("finished migrating database")

	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// waitOnSetup blocks until admin credentials have been set via the API
func (b *Barracks) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !b.pendingSetup.Load() {
		return nil
	}

	addr := b.config.API.Listen
	if b.api.listener != nil {
		addr = b.api.listener.Addr().String()
	}
	logger.WarnContext(ctx, fmt.Sprintf("pending initial setup at: %s%s", addr, apiPathSetup))

	ticker := time.NewTicker(setupCheckInterval)
	defer ticker.Stop()
	for {
		if !b.pendingSetup.Load() {
			return nil
		}
		var runtimeState RuntimeConfig
		if err := b.db.WithContext(ctx).Last(&runtimeState).Error; err != nil {
			logger.ErrorContext(ctx, "error getting runtime state", tint.Err(err))
		} else if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
			b.pendingSetup.Store(false)
			b.triggerRuntimeConfigRefresh(ctx, true)
			return nil
		}

		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return b.shutdown(ctx, runtimeWG)
		case <-ticker.C:
		}
	}
}

// triggerRuntimeConfigRefresh asks the refresher to reload the config,
// without blocking if a refresh is already queued
func (b *Barracks) triggerRuntimeConfigRefresh(ctx context.Context, force bool) {
	select {
	case b.triggerRuntimeConfigRefreshCh <- force:
	case <-ctx.Done():
	default:
	}
}

// discordInit opens the gateway connection, if enabled
func (b *Barracks) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (b *Barracks) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := b.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// initDiscordSession creates the session (unless one was injected),
// sets the gateway identity and registers event handlers
func (b *Barracks) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: identifyPresence(b.RuntimeConfig()),
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate()),
		b.discord.session.AddHandler(b.discord.handlerVoiceStateUpdate()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// gatewayInteractionHandler is the default getInteractionHandlerFunc
func (b *Barracks) gatewayInteractionHandler(
	_ context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	return GatewayHandler{
		session:     b.discord.session,
		interaction: i,
		config:      b.RuntimeConfig().CommandOptions,
		mu:          &sync.RWMutex{},
		logger: b.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

// startRuntimeConfigRefresher reloads the runtime config every
// RuntimeConfigTTL, and whenever a reload notification is received
func (b *Barracks) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := b.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-b.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				b.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database if
// force is set, or the loaded copy is older than RuntimeConfigTTL
func (b *Barracks) refreshRuntimeConfig(ctx context.Context, force bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		b.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := b.now().Sub(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && lastUpdated <= b.config.RuntimeConfigTTL {
		b.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	b.logger.InfoContext(
		ctx,
		fmt.Sprintf("runtime config last updated: %s ago, refreshing", lastUpdated.String()),
	)

	rollbackConfig := DefaultRuntimeConfig()
	if b.runtimeConfig != nil {
		rollbackConfig = *b.runtimeConfig
	}
	b.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
}

// unsafeRefreshRuntimeConfig applies a reloaded config. The caller must
// hold cfgMu.
func (b *Barracks) unsafeRefreshRuntimeConfig(
	rollbackConfig RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	updateDiscordBotStatus(b, b.logger, rollbackConfig, existingConfig)

	b.runtimeConfig = existingConfig
	b.paused.Store(existingConfig.Paused)
	b.setRuntimeLevels(*existingConfig)
	b.logger.Info("refreshed runtime config")
}

// setRuntimeLevels applies the runtime config's log levels. The level
// vars are shared with each component's handler, so this takes effect
// immediately.
func (b *Barracks) setRuntimeLevels(state RuntimeConfig) {
	setLevel(b.config.LogLevel, state.LogLevel)
	setLevel(b.config.Discord.LogLevel, state.DiscordLogLevel)
	setLevel(b.config.Discord.DiscordGoLogLevel, state.DiscordGoLogLevel)
	setLevel(b.config.Discord.WebhookServer.LogLevel, state.DiscordWebhookLogLevel)
	setLevel(b.config.API.LogLevel, state.APILogLevel)
	setLevel(b.config.DatabaseLogLevel, state.DatabaseLogLevel)
	setLevel(b.config.Identity.LogLevel, state.IdentityLogLevel)

	if b.discord != nil && b.discord.session != nil {
		if err := b.discord.session.SetLogLevel(state.DiscordGoLogLevel.Level()); err != nil {
			b.logger.Error("error setting discordgo log level", tint.Err(err))
		}
	}
}

func setLevel(lv *slog.LevelVar, level DBLogLevel) {
	if lv == nil || level == "" {
		return
	}
	lv.Set(level.Level())
}

// Pause stops the bot from executing commands, until Resume is called.
// It returns false if the bot was already paused.
func (b *Barracks) Pause(ctx context.Context) bool {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if b.paused.Swap(true) {
		return false
	}
	b.logger.WarnContext(ctx, "bot paused")
	b.unsafeSetPaused(ctx, true)
	return true
}

// Resume un-pauses the bot. It returns false if the bot wasn't paused.
func (b *Barracks) Resume(ctx context.Context) bool {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if !b.paused.Swap(false) {
		b.logger.WarnContext(ctx, "bot not paused")
		return false
	}
	b.logger.InfoContext(ctx, "bot resumed")
	b.unsafeSetPaused(ctx, false)
	return true
}

// unsafeSetPaused persists the pause state and updates the bot's
// presence. The caller must hold cfgMu.
func (b *Barracks) unsafeSetPaused(ctx context.Context, paused bool) {
	if b.runtimeConfig == nil {
		return
	}
	if b.runtimeConfig.Paused != paused {
		if _, err := b.writeDB.Updates(
			ctx,
			b.runtimeConfig,
			map[string]any{columnRuntimeConfigPaused: paused},
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to persist pause state", tint.Err(err))
		}
		b.runtimeConfig.Paused = paused
	}
	if b.discord.session == nil || !b.discord.connected.Load() {
		return
	}
	if err := b.discord.session.UpdateStatusComplex(
		getDiscordPresenceStatusUpdate(*b.runtimeConfig),
	); err != nil {
		b.logger.ErrorContext(ctx, "unable to update discord status", tint.Err(err))
	}
}

// handleInteraction dispatches an interaction to its command or
// component handler, after logging it and applying the pause and
// feature gates
func (b *Barracks) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser, handler); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else if b.writeDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser.ID)
		return
	}

	var (
		name string
		fn   interactionHandlerFunc
	)
	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	case discordgo.InteractionApplicationCommand:
		name = i.ApplicationCommandData().Name
		fn = b.commandHandlers()[name]
	case discordgo.InteractionMessageComponent:
		name, _ = parseComponentCustomID(i.MessageComponentData().CustomID)
		fn = b.componentHandlers()[name]
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
		return
	}

	if fn == nil {
		logger.WarnContext(ctx, "unknown command", "name", name)
		respondEphemeral(ctx, handler, msgUnknownCommand)
		return
	}
	if b.paused.Load() {
		respondEphemeral(ctx, handler, msgPaused)
		return
	}
	if !featureEnabled(b.RuntimeConfig(), name) {
		respondEphemeral(ctx, handler, msgFeatureOff)
		return
	}

	if handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
				respondEphemeral(ctx, handler, handler.Config().DiscordErrorMessage)
			}
		}()
	}

	fn(ctx, handler, discordUser)
}

// shutdown waits for in-flight interactions, then stops the servers and
// closes the Discord session. If that takes longer than ShutdownTimeout,
// everything is closed forcefully and an error is returned.
func (b *Barracks) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		b.logger.Warn("immediate shutdown")
		b.forceClose()
		return errShutdownTimeout
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.discordWebhookServer.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				for _, h := range b.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		if closer, ok := b.avatarCache.(io.Closer); ok {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := closer.Close(); err != nil {
					b.logger.ErrorContext(ctx, "error closing avatar cache", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()),
			)
		case <-closeCtx.Done():
			b.logger.Warn("in-flight interactions did not finish in time, forcing close")
			b.forceClose()
			return errShutdownTimeout
		}
	}
}

func (b *Barracks) forceClose() {
	if b.api != nil && b.api.httpServer != nil {
		go func() {
			_ = b.api.httpServer.Close()
		}()
	}
	if b.discordWebhookServer != nil {
		go func() {
			_ = b.discordWebhookServer.httpServer.Close()
		}()
	}
}
