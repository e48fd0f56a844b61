package barracks

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePad(t *testing.T) {
	t.Parallel()
	cfg := &SchedulingConfig{PadMin: 1, PadMax: 9}

	tests := []struct {
		pad   int
		valid bool
	}{
		{0, false},
		{1, true},
		{5, true},
		{9, true},
		{10, false},
		{-3, false},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("pad_%d", tc.pad), func(t *testing.T) {
				err := validatePad(cfg, tc.pad)
				if tc.valid {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalidInput)
				}
			},
		)
	}
}

func TestFormatEvents(t *testing.T) {
	t.Parallel()
	assert.Equal(t, msgNoneScheduled, formatEvents(nil))

	events := []ScheduledEvent{
		{Type: "Infantry", StartsText: "2pm EST", PadNumber: 3},
		{Type: "Armor", StartsText: "in 30 minutes", PadNumber: 7},
	}
	assert.Equal(
		t,
		"1. **Infantry** - 2pm EST (Pad 3)\n2. **Armor** - in 30 minutes (Pad 7)",
		formatEvents(events),
	)
}

func TestHandleTryout(t *testing.T) {
	b, _ := newTestBarracks(t)
	ids := newTestIDs(t)
	ctx := context.Background()

	i := ids.commandInteraction(
		DiscordSlashCommandTryout,
		stringOption(commandOptionTryoutType, "Infantry"),
		stringOption(commandOptionStarts, "2pm EST"),
		intOption(commandOptionPadNumber, 4),
	)
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(ctx, handler)

	resp := handler.lastResponse(t)
	require.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, tryoutSchedule.title, embed.Title)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "**Infantry**", fields["Tryout Type"])
	assert.Equal(t, "**2pm EST**", fields["Start Time"])
	assert.Equal(t, "**Pad 4**", fields["Landing Pad"])
	assert.Equal(t, "<@"+ids.UserID+">", fields["Organizer"])

	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, b.config.Identity.DefaultAvatarURL, embed.Thumbnail.URL)

	events, err := b.profiles.RecentEvents(ctx, ids.UserID, EventKindTryout, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Infantry", events[0].Type)
	assert.Equal(t, 4, events[0].PadNumber)
}

func TestHandleTraining_PadOutOfRange(t *testing.T) {
	b, _ := newTestBarracks(t)
	ids := newTestIDs(t)
	ctx := context.Background()

	i := ids.commandInteraction(
		DiscordSlashCommandTraining,
		stringOption(commandOptionTrainingType, "Combat"),
		stringOption(commandOptionStarts, "tomorrow"),
		intOption(commandOptionPadNumber, 12),
	)
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(ctx, handler)

	resp := handler.lastResponse(t)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, fmt.Sprintf(msgPadOutOfRangeFmt, 1, 9), resp.Data.Content)

	events, err := b.profiles.RecentEvents(ctx, ids.UserID, EventKindTraining, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScheduleErrorMessage(t *testing.T) {
	t.Parallel()
	msg, ok := scheduleErrorMessage(persistenceError("save event", errors.New("disk full")), EventKindTryout, "")
	assert.True(t, ok)
	assert.Equal(t, "⚠️ Your tryout could not be saved. Please try again later.", msg)

	msg, ok = scheduleErrorMessage(fmt.Errorf("%w: bad pad", ErrInvalidInput), EventKindTraining, "")
	assert.True(t, ok)
	assert.Equal(t, "❌ Invalid training details. Please check the options and try again.", msg)

	msg, ok = scheduleErrorMessage(errors.New("boom"), EventKindTryout, "")
	assert.False(t, ok)
	assert.Equal(t, DefaultDiscordErrorMessage, msg)

	msg, ok = scheduleErrorMessage(errors.New("boom"), EventKindTryout, "custom")
	assert.False(t, ok)
	assert.Equal(t, "custom", msg)
}

func TestHandleTryout_EventNotSaved(t *testing.T) {
	b, _ := newTestBarracks(t)
	ids := newTestIDs(t)

	sqlDB, err := b.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	i := ids.commandInteraction(
		DiscordSlashCommandTryout,
		stringOption(commandOptionTryoutType, "Infantry"),
		stringOption(commandOptionStarts, "2pm EST"),
		intOption(commandOptionPadNumber, 4),
	)
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(context.Background(), handler)

	resp := handler.lastResponse(t)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, fmt.Sprintf(msgEventNotSavedFmt, EventKindTryout), resp.Data.Content)
	assert.Empty(t, resp.Data.Embeds)
	assert.NotContains(t, resp.Data.Content, "verification")
}

func TestHandleSchedule(t *testing.T) {
	b, _ := newTestBarracks(t)
	ids := newTestIDs(t)
	ctx := context.Background()

	handler := newStubInteractionHandler(t, b, ids.commandInteraction(DiscordSlashCommandSchedule))
	b.handleInteraction(ctx, handler)
	assert.Equal(t, msgNoScheduledItems, handler.lastResponse(t).Data.Content)

	user := &discordgo.User{ID: ids.UserID, Username: ids.Username}
	for n := 1; n <= 7; n++ {
		require.NoError(
			t,
			b.profiles.AppendEvent(
				ctx,
				userProfileFromDiscord(user),
				&ScheduledEvent{
					Kind:       EventKindTraining,
					Type:       fmt.Sprintf("Drill %d", n),
					StartsText: "soon",
					PadNumber:  n,
				},
			),
		)
	}

	handler = newStubInteractionHandler(t, b, ids.commandInteraction(DiscordSlashCommandSchedule))
	b.handleInteraction(ctx, handler)

	resp := handler.lastResponse(t)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	require.Len(t, resp.Data.Embeds, 1)
	fields := resp.Data.Embeds[0].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, msgNoneScheduled, fields[0].Value)
	assert.NotContains(t, fields[1].Value, "**Drill 2**")
	assert.Contains(t, fields[1].Value, "**Drill 7**")
	assert.Contains(t, fields[1].Value, "5. ")
	assert.NotContains(t, fields[1].Value, "6. ")
}

func TestHandleTryout_SchedulingDisabled(t *testing.T) {
	b, _ := newTestBarracks(t)
	ids := newTestIDs(t)

	b.cfgMu.Lock()
	b.runtimeConfig.SchedulingEnabled = false
	b.cfgMu.Unlock()

	i := ids.commandInteraction(
		DiscordSlashCommandTryout,
		stringOption(commandOptionTryoutType, "Infantry"),
		stringOption(commandOptionStarts, "now"),
		intOption(commandOptionPadNumber, 1),
	)
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(context.Background(), handler)
	assert.Equal(t, msgFeatureOff, handler.lastResponse(t).Data.Content)
}
