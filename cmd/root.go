package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/testisf/Discord-bot-verify/barracks"
)

// envPort is set by hosting platforms that route traffic to a single
// port. When set, the API listens on it unless api.listen is set
// explicitly.
const envPort = "PORT"

var (
	cfg        = barracks.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"identity.log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
}

// stringSliceKeys are list settings, given as space-separated values
// when set from the environment
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
	"member_stats.channel_ids",
}

var rootCmd = &cobra.Command{
	Use:   "barracks [flags]",
	Short: "Verification, scheduling and support ticket bot for Discord",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := decodeConfig(viper.GetViper(), cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// decodeConfig unmarshals v into c. Fields set in v replace the
// defaults in c outright, so a shorter list in v yields a shorter list
// in c.
func decodeConfig(v *viper.Viper, c *barracks.Config) error {
	return v.Unmarshal(
		c,
		viper.DecodeHook(decodeHook()),
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := configFile
	switch envFile {
	case "":
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	default:
		log.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading %s: %v", envFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(barracks.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = barracks.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if port := os.Getenv(envPort); port != "" && os.Getenv(envPrefix+"_API_LISTEN") == "" {
		viper.Set("api.listen", net.JoinHostPort("0.0.0.0", port))
	}

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		levelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, levelVar)
	}
}

func setDefaults() {
	viper.SetDefault("database", barracks.DefaultDatabase)
	viper.SetDefault("database_type", barracks.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", barracks.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", barracks.DefaultDatabaseLogLevel.String())
	viper.SetDefault("runtime_config_ttl", barracks.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", barracks.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", barracks.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", barracks.DefaultShutdownTimeout)

	// Identity provider
	viper.SetDefault("identity.credential", "")
	viper.SetDefault("identity.group_id", barracks.DefaultIdentityGroupID)
	viper.SetDefault("identity.users_url", barracks.DefaultIdentityUsersURL)
	viper.SetDefault("identity.groups_url", barracks.DefaultIdentityGroupsURL)
	viper.SetDefault("identity.thumbnails_url", barracks.DefaultIdentityThumbnailsURL)
	viper.SetDefault("identity.user_agent", barracks.DefaultIdentityUserAgent)
	viper.SetDefault("identity.request_timeout", barracks.DefaultIdentityRequestTimeout)
	viper.SetDefault("identity.requests_per_second", barracks.DefaultIdentityRequestsPerSecond)
	viper.SetDefault("identity.request_burst", barracks.DefaultIdentityRequestBurst)
	viper.SetDefault("identity.default_avatar_url", barracks.DefaultAvatarURL)
	viper.SetDefault("identity.log_calls", true)
	viper.SetDefault("identity.log_level", barracks.DefaultIdentityLogLevel.String())

	viper.SetDefault("verification.code_length", barracks.DefaultVerificationCodeLength)
	viper.SetDefault("verification.challenge_timeout", barracks.DefaultVerificationChallengeTimeout)

	viper.SetDefault("scheduling.pad_min", barracks.DefaultPadMin)
	viper.SetDefault("scheduling.pad_max", barracks.DefaultPadMax)
	viper.SetDefault("scheduling.history_size", barracks.DefaultScheduleHistorySize)

	viper.SetDefault("tickets.category_name", barracks.DefaultTicketCategoryName)
	viper.SetDefault("tickets.channel_prefix", barracks.DefaultTicketChannelPrefix)
	viper.SetDefault("tickets.support_role_id", "")
	viper.SetDefault("tickets.panel_channel_id", "")
	viper.SetDefault("tickets.delete_delay", barracks.DefaultTicketDeleteDelay)

	viper.SetDefault("member_stats.enabled", false)
	viper.SetDefault("member_stats.interval", barracks.DefaultMemberStatsInterval)
	viper.SetDefault("member_stats.channel_ids", []string{})

	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.avatar_ttl", barracks.DefaultAvatarCacheTTL)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", barracks.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", barracks.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", barracks.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", barracks.DefaultDiscordStartupMessage)

	// Discord: webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", barracks.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		barracks.DefaultDiscordWebhookServerTLSminVersion,
	)
	viper.SetDefault("discord.webhook_server.read_timeout", barracks.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", barracks.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", barracks.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", barracks.DefaultIdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", barracks.DefaultDiscordWebhookLogLevel.String())

	// Admin/health API
	viper.SetDefault("api.listen", barracks.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", barracks.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", barracks.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", barracks.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", barracks.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", barracks.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", barracks.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", barracks.DefaultUITLSMinVersion)

	// Admin/health API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", barracks.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", barracks.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", barracks.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", barracks.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", barracks.DefaultAPICORSAllowCredentials)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to a .env file to load settings from",
	)
}
