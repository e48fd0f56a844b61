package barracks

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// CommandOptions are the settings applied to every interaction handler
type CommandOptions struct {
	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message sent to the user when a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If specified, the bot sends startup and error notices to this channel
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`
}

// RuntimeConfig holds the settings that can be changed while the bot
// is running, and that persist across restarts (ex: being paused).
// There's a single row, which is reloaded whenever another instance
// announces an update.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused. While paused,
	// commands are acknowledged with a 'paused' message and not executed.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives slash commands via gateway, this is required.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is shown as the bot's 'Playing' activity
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	VerificationEnabled bool `json:"verification_enabled" gorm:"not null;default:true"`
	SchedulingEnabled   bool `json:"scheduling_enabled" gorm:"not null;default:true"`
	TicketsEnabled      bool `json:"tickets_enabled" gorm:"not null;default:true"`

	// MemberStatsEnabled toggles the 'Server Statistics' refresher. It
	// only has an effect when member stats are enabled in the config file.
	MemberStatsEnabled bool `json:"member_stats_enabled" gorm:"not null;default:true"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	IdentityLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:identity_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"identity_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			RecoverPanic:        true,
			DiscordErrorMessage: DefaultDiscordErrorMessage,
		},
		DiscordGatewayEnabled:  true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		VerificationEnabled:    true,
		SchedulingEnabled:      true,
		TicketsEnabled:         true,
		MemberStatsEnabled:     true,
		LogLevel:               DBLogLevelInfo,
		DiscordLogLevel:        DBLogLevelInfo,
		DiscordGoLogLevel:      DBLogLevelWarn,
		DatabaseLogLevel:       DBLogLevelInfo,
		DiscordWebhookLogLevel: DBLogLevelInfo,
		APILogLevel:            DBLogLevelInfo,
		IdentityLogLevel:       DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the PATCH payload for RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	VerificationEnabled *bool `json:"verification_enabled,omitempty"`
	SchedulingEnabled   *bool `json:"scheduling_enabled,omitempty"`
	TicketsEnabled      *bool `json:"tickets_enabled,omitempty"`
	MemberStatsEnabled  *bool `json:"member_stats_enabled,omitempty"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	IdentityLogLevel       *DBLogLevel `json:"identity_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeConfigUpdate rejects updates that would leave the bot
// without a usable error message or with a malformed channel ID
func validateRuntimeConfigUpdate(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.DiscordErrorMessage != nil && strings.TrimSpace(*value.DiscordErrorMessage) == "" {
			return "discord_error_message must not be blank"
		}
		if value.DiscordNotificationChannelID != nil {
			for _, r := range *value.DiscordNotificationChannelID {
				if r < '0' || r > '9' {
					return fmt.Errorf(
						"invalid discord_notification_channel_id: %q",
						*value.DiscordNotificationChannelID,
					)
				}
			}
		}
	}
	return nil
}

func (u RuntimeConfigUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	if msg := validateRuntimeConfigUpdate(reflect.ValueOf(u)); msg != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, msg)
	}
	return nil
}

// updates returns the non-nil fields of u as a column/value map,
// suitable for gorm's Updates
func (u RuntimeConfigUpdate) updates() map[string]any {
	rv := reflect.ValueOf(u)
	rt := rv.Type()
	values := map[string]any{}
	for i := 0; i < rt.NumField(); i++ {
		fv := rv.Field(i)
		if fv.Kind() != reflect.Ptr || fv.IsNil() {
			continue
		}
		column, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		values[column] = fv.Elem().Interface()
	}
	return values
}

// getDiscordPresenceStatusUpdate returns the presence matching the
// config's pause state and custom status
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	status := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		status.Activities = []*discordgo.Activity{
			{
				Name: config.DiscordCustomStatus,
				Type: discordgo.ActivityTypeGame,
			},
		}
	}
	return status
}

// identifyPresence is getDiscordPresenceStatusUpdate in the form sent
// with the gateway handshake
func identifyPresence(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	status := getDiscordPresenceStatusUpdate(config)
	presence := discordgo.GatewayStatusUpdate{Status: status.Status, AFK: status.AFK}
	if len(status.Activities) > 0 && status.Activities[0] != nil {
		presence.Game = *status.Activities[0]
	}
	return presence
}
