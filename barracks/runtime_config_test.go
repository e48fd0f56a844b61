package barracks

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool                       { return &b }
func strPtr(s string) *string                    { return &s }
func dbLogLevelPtr(level DBLogLevel) *DBLogLevel { return &level }

func TestDefaultRuntimeConfig_Valid(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))
	assert.False(t, cfg.Paused)
	assert.True(t, cfg.VerificationEnabled)
	assert.True(t, cfg.SchedulingEnabled)
	assert.True(t, cfg.TicketsEnabled)
	assert.NotEmpty(t, cfg.DiscordErrorMessage)
}

func TestRuntimeConfigUpdate_Updates(t *testing.T) {
	t.Parallel()
	update := RuntimeConfigUpdate{
		Paused:              boolPtr(true),
		DiscordCustomStatus: strPtr("Guarding the gate"),
		LogLevel:            dbLogLevelPtr(DBLogLevelWarn),
	}
	require.NoError(t, update.validate())
	assert.Equal(
		t,
		map[string]any{
			"paused":                true,
			"discord_custom_status": "Guarding the gate",
			"log_level":             DBLogLevelWarn,
		},
		update.updates(),
	)

	assert.Empty(t, RuntimeConfigUpdate{}.updates())
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		update RuntimeConfigUpdate
	}{
		{
			name:   "blank error message",
			update: RuntimeConfigUpdate{DiscordErrorMessage: strPtr("   ")},
		},
		{
			name:   "empty error message",
			update: RuntimeConfigUpdate{DiscordErrorMessage: strPtr("")},
		},
		{
			name:   "non-numeric channel ID",
			update: RuntimeConfigUpdate{DiscordNotificationChannelID: strPtr("general")},
		},
		{
			name:   "invalid log level",
			update: RuntimeConfigUpdate{LogLevel: dbLogLevelPtr("LOUD")},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Error(t, tc.update.validate())
			},
		)
	}

	ok := RuntimeConfigUpdate{DiscordNotificationChannelID: strPtr("123456789012345678")}
	assert.NoError(t, ok.validate())
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.DiscordCustomStatus = "On patrol"

	status := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), status.Status)
	require.Len(t, status.Activities, 1)
	assert.Equal(t, "On patrol", status.Activities[0].Name)

	presence := identifyPresence(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), presence.Status)
	assert.Equal(t, "On patrol", presence.Game.Name)

	cfg.Paused = true
	status = getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), status.Status)
	assert.True(t, status.AFK)
	assert.Empty(t, status.Activities)
	assert.Empty(t, identifyPresence(cfg).Game.Name)
}

func TestFeatureEnabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.VerificationEnabled = false
	cfg.TicketsEnabled = false

	assert.False(t, featureEnabled(cfg, DiscordSlashCommandVerify))
	assert.False(t, featureEnabled(cfg, customIDVerifySubmit))
	assert.False(t, featureEnabled(cfg, customIDCloseTicket))
	assert.True(t, featureEnabled(cfg, DiscordSlashCommandTryout))
	assert.True(t, featureEnabled(cfg, DiscordSlashCommandHelp))
}
