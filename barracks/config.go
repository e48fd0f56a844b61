//nolint:lll // struct tags can't be split
package barracks

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix     = "BARRACKS_ENV_PREFIX"
	DefaultEnvPrefix       = "BR"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "barracks.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged

	DefaultDiscordWebhookLogLevel = slog.LevelInfo
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordCustomStatus    = "British Army"
	DefaultDiscordStartupMessage  = "Reporting for duty!"
	DefaultDiscordErrorMessage    = "❌ An unexpected error occurred. Please try again later."
	DefaultAPIListen              = "0.0.0.0:10000"
	DefaultUITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge       = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultIdentityLogLevel        = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute

	DefaultIdentityUsersURL          = "https://users.roblox.com"
	DefaultIdentityGroupsURL         = "https://groups.roblox.com"
	DefaultIdentityThumbnailsURL     = "https://thumbnails.roblox.com"
	DefaultIdentityUserAgent         = "Mozilla/5.0 (compatible; barracks-bot/1.0)"
	DefaultIdentityRequestTimeout    = 5 * time.Second
	DefaultIdentityRequestsPerSecond = 5.0
	DefaultIdentityRequestBurst      = 5
	DefaultIdentityGroupID           = 11925205
	DefaultAvatarURL                 = "https://cdn.jsdelivr.net/gh/feathericons/feather/icons/user.svg"
	DefaultAvatarCacheTTL            = 30 * time.Minute

	DefaultVerificationCodeLength       = 8
	DefaultVerificationChallengeTimeout = 5 * time.Minute
	maxExternalUsernameLength           = 20

	DefaultPadMin              = 1
	DefaultPadMax              = 9
	DefaultScheduleHistorySize = 5

	DefaultTicketCategoryName  = "🎫 Support Tickets"
	DefaultTicketChannelPrefix = "ticket-"
	DefaultTicketDeleteDelay   = 10 * time.Second

	DefaultMemberStatsInterval = 5 * time.Minute
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Identity configures lookups against the external identity provider
	Identity *IdentityConfig `yaml:"identity" mapstructure:"identity" json:"identity"`

	// Verification configures the challenge/response protocol
	Verification *VerificationConfig `yaml:"verification" mapstructure:"verification" json:"verification"`

	Scheduling *SchedulingConfig `yaml:"scheduling" mapstructure:"scheduling" json:"scheduling"`

	Tickets *TicketConfig `yaml:"tickets" mapstructure:"tickets" json:"tickets"`

	MemberStats *MemberStatsConfig `yaml:"member_stats" mapstructure:"member_stats" json:"member_stats"`

	// Cache configures the avatar cache. When RedisURL is empty, an
	// in-memory cache is used.
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache" json:"cache"`

	// API configures the admin/health API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// If this TTL is set above 0, the config will be refreshed from the
	// database at least every TTL duration. If using PostgreSQL,
	// LISTEN/NOTIFY is used to announce updates in addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// IdentityConfig configures the external identity provider client.
type IdentityConfig struct {
	// Credential is the long-lived session cookie value sent with every request.
	// Verification is unavailable while this is empty.
	Credential string `yaml:"credential" mapstructure:"credential" json:"credential" log:"[redacted]"`

	// GroupID is the group a user must belong to in order to verify
	GroupID int64 `yaml:"group_id" mapstructure:"group_id" json:"group_id" binding:"min=1"`

	UsersURL      string `yaml:"users_url" mapstructure:"users_url" json:"users_url" binding:"required,url"`
	GroupsURL     string `yaml:"groups_url" mapstructure:"groups_url" json:"groups_url" binding:"required,url"`
	ThumbnailsURL string `yaml:"thumbnails_url" mapstructure:"thumbnails_url" json:"thumbnails_url" binding:"required,url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`

	// RequestTimeout bounds each individual call to the provider
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=100ms"`

	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`
	RequestBurst      int     `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=1"`

	// DefaultAvatarURL is used whenever an avatar can't be resolved
	DefaultAvatarURL string `yaml:"default_avatar_url" mapstructure:"default_avatar_url" json:"default_avatar_url"`

	// LogCalls persists an IdentityAPILog row for each outbound request
	LogCalls bool `yaml:"log_calls" mapstructure:"log_calls" json:"log_calls"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// VerificationConfig configures challenge generation and expiry.
type VerificationConfig struct {
	CodeLength       int           `yaml:"code_length" mapstructure:"code_length" json:"code_length" binding:"min=4,max=32"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout" mapstructure:"challenge_timeout" json:"challenge_timeout" binding:"min=1s"`
}

// SchedulingConfig bounds /tryout and /training input.
type SchedulingConfig struct {
	PadMin      int `yaml:"pad_min" mapstructure:"pad_min" json:"pad_min"`
	PadMax      int `yaml:"pad_max" mapstructure:"pad_max" json:"pad_max"`
	HistorySize int `yaml:"history_size" mapstructure:"history_size" json:"history_size" binding:"min=1,max=25"`
}

type TicketConfig struct {
	CategoryName  string `yaml:"category_name" mapstructure:"category_name" json:"category_name" binding:"required"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix" json:"channel_prefix" binding:"required"`

	// SupportRoleID is granted access to every ticket channel, and may
	// close tickets it doesn't own
	SupportRoleID string `yaml:"support_role_id" mapstructure:"support_role_id" json:"support_role_id"`

	// PanelChannelID is where /setup_tickets posts the ticket panel. If
	// empty, the panel is posted in the channel the command was used in.
	PanelChannelID string `yaml:"panel_channel_id" mapstructure:"panel_channel_id" json:"panel_channel_id"`

	// DeleteDelay is how long a closed ticket channel remains before deletion
	DeleteDelay time.Duration `yaml:"delete_delay" mapstructure:"delete_delay" json:"delete_delay"`
}

// MemberStatsConfig configures the periodic 'Server Statistics' message.
type MemberStatsConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"required_if=Enabled true"`
	ChannelIDs []string      `yaml:"channel_ids" mapstructure:"channel_ids" json:"channel_ids"`
}

type CacheConfig struct {
	// RedisURL, if set, is parsed with redis.ParseURL
	RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url" json:"redis_url" log:"[redacted]"`
	AvatarTTL time.Duration `yaml:"avatar_ttl" mapstructure:"avatar_ttl" json:"avatar_ttl"`
}

func validateSchedulingConfig(field reflect.Value) any {
	if value, ok := field.Interface().(SchedulingConfig); ok {
		if value.PadMin < 0 {
			return "pad_min must be >= 0"
		}
		if value.PadMax < value.PadMin {
			return "pad_max must be >= pad_min"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, and [RuntimeConfig.DiscordNotificationChannelID] is set,
	// the bot sends this message to that channel whenever it connects to
	// the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the optional HTTP endpoint that
// receives interactions from Discord, instead of the gateway.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the admin/health API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "0.0.0.0:10000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Identity: &IdentityConfig{
			GroupID:           DefaultIdentityGroupID,
			UsersURL:          DefaultIdentityUsersURL,
			GroupsURL:         DefaultIdentityGroupsURL,
			ThumbnailsURL:     DefaultIdentityThumbnailsURL,
			UserAgent:         DefaultIdentityUserAgent,
			RequestTimeout:    DefaultIdentityRequestTimeout,
			RequestsPerSecond: DefaultIdentityRequestsPerSecond,
			RequestBurst:      DefaultIdentityRequestBurst,
			DefaultAvatarURL:  DefaultAvatarURL,
			LogCalls:          true,
			LogLevel:          newLevelVar(DefaultIdentityLogLevel),
		},
		Verification: &VerificationConfig{
			CodeLength:       DefaultVerificationCodeLength,
			ChallengeTimeout: DefaultVerificationChallengeTimeout,
		},
		Scheduling: &SchedulingConfig{
			PadMin:      DefaultPadMin,
			PadMax:      DefaultPadMax,
			HistorySize: DefaultScheduleHistorySize,
		},
		Tickets: &TicketConfig{
			CategoryName:  DefaultTicketCategoryName,
			ChannelPrefix: DefaultTicketChannelPrefix,
			DeleteDelay:   DefaultTicketDeleteDelay,
		},
		MemberStats: &MemberStatsConfig{
			Interval: DefaultMemberStatsInterval,
		},
		Cache: &CacheConfig{
			AvatarTTL: DefaultAvatarCacheTTL,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
