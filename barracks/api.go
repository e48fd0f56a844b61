package barracks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix                  = "/debug"
	apiPrefix                    = "/api"
	apiPathRoot                  = "/"
	apiPathHealth                = "/health"
	apiHealthCheck               = "/healthz"
	apiPathLogin                 = "/login"
	apiPathLogout                = "/logout"
	apiPathSetup                 = "/setup"
	apiPathSetupStatus           = "/setup/status"
	apiPathLoggedIn              = "/logged_in"
	apiPathConfig                = "/config"
	apiPathProfiles              = "/profiles"
	apiPathProfile               = "/profiles/:id"
	apiPathProfileVerification   = "/profiles/:id/verification"
	apiPathTickets               = "/tickets"
	apiPathIdentityLogs          = "/identity_logs"
	apiPathInteractions          = "/interactions"
	apiPathRegisterCommands      = "/discord/register_commands"
	apiPathQuit                  = "/quit"
	apiPathPause                 = "/pause"
	apiPathResume                = "/resume"
	profileDetailAttemptsLimit   = 10
	defaultPaginationLimit       = 25
	botQuitTimeout               = 30 * time.Second
	runtimeConfigNotifyTimeout   = 10 * time.Second
	profileDetailOpenTicketLimit = 5
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves the liveness endpoints, plus the session-authenticated
// admin endpoints used to inspect and reconfigure the bot.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and HTTP server. Nothing listens until
// Serve is called.
func newAPI(b *Barracks, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newTintHandler(defaultLogWriter, config.LogLevel))

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              setupLogger.With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(b, api.logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(requestIDMiddleware(), ginLoggingMiddleware(api.logger))
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiPathRoot, apiHandlers.liveness)
	r.GET(apiPathHealth, apiHandlers.liveness)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.GET(apiPathProfiles, apiHandlers.getProfiles)
	protected.GET(apiPathProfile, apiHandlers.getProfile)
	protected.DELETE(apiPathProfileVerification, apiHandlers.deleteVerification)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.GET(apiPathIdentityLogs, apiHandlers.getIdentityLogs)
	protected.GET(apiPathInteractions, apiHandlers.getInteractionLogs)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)

	return api, nil
}

// Serve listens on the configured address and blocks until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	} else {
		a.logger.Warn("starting api server without TLS")
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the handlers for the API's routes
type APIHandlers struct {
	b      *Barracks
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers creates the handlers and their session store. If no
// API secret is configured, a random one is generated, and sessions
// won't survive a restart.
func NewAPIHandlers(b *Barracks, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = b.logger.With(loggerNameKey, "api")
	}

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(b.config.API))
	return &APIHandlers{b: b, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// liveness is the public health check, for uptime monitors and
// platform health probes
func (*APIHandlers) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{Status: "healthy", Bot: "online"})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var pending int
	if h.b.pending != nil {
		pending = h.b.pending.Len()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.b.paused.Load(),
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			PendingChallenges:       pending,
		},
	)
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.b.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only allowed while no
// credentials exist.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.b.cfgMu.Lock()
	defer h.b.cfgMu.Unlock()

	if !h.b.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error setting admin credentials"})
		return
	}

	currentState := h.b.runtimeConfig
	if currentState == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	if _, err = h.b.writeDB.Updates(
		c.Request.Context(),
		currentState,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating admin credentials"})
		return
	}
	h.b.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.b.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.b.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.b.config.API)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.b.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// The new config is validated inside the transaction, so an invalid
// result is rolled back. Other instances are told to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	b := h.b
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	logger := ginContextLogger(c)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updates := updateRequest.updates()
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no updates provided"})
		return
	}
	logger.InfoContext(c, "applying updates", "updates", updates)

	existingConfig := b.runtimeConfig
	if existingConfig == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	rollbackConfig := *existingConfig
	updated := *existingConfig

	statusCode := http.StatusInternalServerError
	updateErr := b.writeDB.Transaction(
		c.Request.Context(),
		func(tx *gorm.DB) error {
			if err := tx.Model(&updated).Updates(updates).Error; err != nil {
				return err
			}
			if err := structValidator.Struct(updated); err != nil {
				statusCode = http.StatusBadRequest
				return err
			}
			return nil
		},
	)
	if updateErr != nil {
		logger.ErrorContext(c, "error updating config", tint.Err(updateErr))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	b.runtimeConfig = &updated
	b.setRuntimeLevels(updated)

	wasPaused := b.paused.Swap(updated.Paused)
	switch {
	case wasPaused && !updated.Paused:
		logger.Info("unpaused bot")
	case updated.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(b, logger, rollbackConfig, &updated)

	if updated.DiscordNotificationChannelID != rollbackConfig.DiscordNotificationChannelID {
		go sendStartupMessage(b.discord, logger, updated)
	}

	c.JSON(http.StatusAccepted, updated)

	ctx, cancel := context.WithTimeout(context.Background(), runtimeConfigNotifyTimeout)
	defer cancel()
	if !b.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.Error("error sending config update notification")
	}
}

// getProfiles lists user profiles, newest first unless order=asc
func (h *APIHandlers) getProfiles(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	var profiles []UserProfile
	err := h.b.db.WithContext(c.Request.Context()).
		Order(pagination.orderBy(columnCreatedAt)).
		Limit(pagination.limit()).
		Offset(pagination.Offset).
		Find(&profiles).Error
	if err != nil {
		ginContextLogger(c).Error("error listing profiles", tint.Err(err))
		ginReplyError(c, "error listing profiles")
		return
	}
	c.JSON(http.StatusOK, profiles)
}

// getProfile returns a user's profile, along with their recent
// verification attempts and any open tickets
func (h *APIHandlers) getProfile(c *gin.Context) {
	userID := c.Param("id")
	logger := ginContextLogger(c)

	var (
		profile  *Profile
		attempts []VerificationAttempt
		tickets  []Ticket
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(
		func() error {
			p, err := h.b.profiles.GetProfile(ctx, userID)
			profile = p
			return err
		},
	)
	g.Go(
		func() error {
			return h.b.db.WithContext(ctx).
				Where(columnUserID+" = ?", userID).
				Order(columnCreatedAt + " desc").
				Limit(profileDetailAttemptsLimit).
				Find(&attempts).Error
		},
	)
	g.Go(
		func() error {
			return h.b.db.WithContext(ctx).
				Where("owner_user_id = ? AND status = ?", userID, TicketStatusOpen).
				Limit(profileDetailOpenTicketLimit).
				Find(&tickets).Error
		},
	)
	if err := g.Wait(); err != nil {
		logger.Error("error getting profile", tint.Err(err), columnUserID, userID)
		ginReplyError(c, "error getting profile")
		return
	}
	if profile == nil || (profile.User.CreatedAt == 0 && profile.Verification == nil) {
		c.JSON(http.StatusNotFound, httpError{Error: "profile not found"})
		return
	}
	c.JSON(
		http.StatusOK,
		profileDetail{Profile: *profile, Attempts: attempts, OpenTickets: tickets},
	)
}

// deleteVerification removes a user's verification, so they can
// verify from scratch
func (h *APIHandlers) deleteVerification(c *gin.Context) {
	userID := c.Param("id")
	logger := ginContextLogger(c)
	deleted, err := h.b.profiles.DeleteVerification(c.Request.Context(), userID)
	if err != nil {
		logger.Error("error deleting verification", tint.Err(err), columnUserID, userID)
		ginReplyError(c, "error deleting verification")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "verification not found"})
		return
	}
	logger.Warn("deleted verification", columnUserID, userID)
	ginReplyMessage(c, "verification deleted")
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	var query getTicketsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	tickets, err := h.b.tickets.List(
		c.Request.Context(),
		TicketStatus(query.Status),
		query.limit(),
	)
	if err != nil {
		ginContextLogger(c).Error("error listing tickets", tint.Err(err))
		ginReplyError(c, "error listing tickets")
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *APIHandlers) getIdentityLogs(c *gin.Context) {
	var query getIdentityLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	tx := h.b.db.WithContext(c.Request.Context()).
		Order(query.orderBy(columnCreatedAt)).
		Limit(query.limit()).
		Offset(query.Offset)
	if query.Call != "" {
		tx = tx.Where("call = ?", query.Call)
	}
	var logs []IdentityAPILog
	if err := tx.Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error listing identity logs", tint.Err(err))
		ginReplyError(c, "error listing identity logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) getInteractionLogs(c *gin.Context) {
	var query getInteractionLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	tx := h.b.db.WithContext(c.Request.Context()).
		Omit("payload").
		Order(query.orderBy(columnCreatedAt)).
		Limit(query.limit()).
		Offset(query.Offset)
	if query.UserID != "" {
		tx = tx.Where(columnUserID+" = ?", query.UserID)
	}
	var logs []InteractionLog
	if err := tx.Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error listing interactions", tint.Err(err))
		ginReplyError(c, "error listing interactions")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botQuit tells every bot instance sharing the database to stop
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.dbNotifier == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), botQuitTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.b.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			c.JSON(http.StatusInternalServerError, httpError{Error: "error sending stop signal"})
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// botPause stops the bot from handling commands
func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.b.Pause(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "already paused"})
		return
	}
	ginReplyMessage(c, "paused")
	h.notifyRuntimeConfigReload(c)
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.b.Resume(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "not paused"})
		return
	}
	ginReplyMessage(c, "resumed")
	h.notifyRuntimeConfigReload(c)
}

func (h *APIHandlers) notifyRuntimeConfigReload(c *gin.Context) {
	if h.b.dbNotifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), runtimeConfigNotifyTimeout)
	defer cancel()
	if !h.b.dbNotifier.ReloadRuntimeConfig(ctx) {
		ginContextLogger(c).Error("error sending config update notification")
	}
}

// Pagination holds the common list query parameters
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) limit() int {
	if p.Limit == 0 {
		return defaultPaginationLimit
	}
	return p.Limit
}

func (p Pagination) orderBy(column string) string {
	if p.Order == Ascending {
		return column + " asc"
	}
	return column + " desc"
}

// Sort is the order results are returned in, either "asc" or "desc"
type Sort string

type getTicketsQuery struct {
	Pagination
	Status string `form:"status" binding:"omitempty,oneof=open closed"`
}

type getIdentityLogsQuery struct {
	Pagination
	Call string `form:"call"`
}

type getInteractionLogsQuery struct {
	Pagination
	UserID string `form:"user_id" binding:"omitempty,numeric"`
}

type profileDetail struct {
	Profile
	Attempts    []VerificationAttempt `json:"attempts"`
	OpenTickets []Ticket              `json:"open_tickets"`
}

type livenessResponse struct {
	Status string `json:"status"`
	Bot    string `json:"bot"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	PendingChallenges       int  `json:"pending_challenges"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while admin setup is pending
func authMiddleware(b *Barracks, a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session user", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a unique ID, returned in the
// X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with the
// request's details attached) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware attaches a request logger derived from base, and
// logs each request's outcome and duration
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	if base == nil {
		base = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with HTTP 500 and the given message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

// sendStartupMessage announces the bot in the notification channel, if
// one is configured
func sendStartupMessage(d *Discord, logger *slog.Logger, config RuntimeConfig) {
	if !config.DiscordGatewayEnabled || config.DiscordNotificationChannelID == "" {
		return
	}
	if d.config.StartupMessage == "" {
		return
	}
	if _, sendErr := d.session.ChannelMessageSend(
		config.DiscordNotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// updateDiscordBotStatus reconciles the gateway connection and presence
// with a config change: closing or opening the gateway, or updating the
// bot's status
func updateDiscordBotStatus(
	b *Barracks,
	logger *slog.Logger,
	rollbackConfig RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	session := b.discord.session
	if session == nil {
		return
	}
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := session.Close(); discErr != nil {
			logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		if existingConfig.Paused != rollbackConfig.Paused ||
			existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus {
			if discErr := session.UpdateStatusComplex(
				getDiscordPresenceStatusUpdate(*existingConfig),
			); discErr != nil {
				logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		session.SetIdentify(
			discordgo.Identify{
				Intents:  b.config.Discord.GatewayIntents,
				Presence: identifyPresence(*existingConfig),
			},
		)
		if discErr := session.Open(); discErr != nil {
			logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}
}
