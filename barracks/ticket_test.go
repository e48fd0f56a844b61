package barracks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTicketStore(newTestDatabase(t), nil)

	existing, err := store.OpenTicket(ctx, "guild", "owner")
	require.NoError(t, err)
	assert.Nil(t, existing)

	ticket := &Ticket{ChannelID: "chan1", OwnerUserID: "owner", GuildID: "guild"}
	require.NoError(t, store.Create(ctx, ticket))
	assert.NotEmpty(t, ticket.TicketID)
	assert.Equal(t, TicketStatusOpen, ticket.Status)

	existing, err = store.OpenTicket(ctx, "guild", "owner")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "chan1", existing.ChannelID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, errTicketNotFound)

	closed, err := store.Close(ctx, "chan1", "closer", time.Now())
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = store.Close(ctx, "chan1", "closer", time.Now())
	require.NoError(t, err)
	assert.False(t, closed, "already closed")

	got, err := store.Get(ctx, "chan1")
	require.NoError(t, err)
	assert.Equal(t, TicketStatusClosed, got.Status)
	assert.Equal(t, "closer", got.ClosedBy)
	require.NotNil(t, got.ClosedAt)

	existing, err = store.OpenTicket(ctx, "guild", "owner")
	require.NoError(t, err)
	assert.Nil(t, existing)

	open, err := store.List(ctx, TicketStatusOpen, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTicketChannelName(t *testing.T) {
	t.Parallel()
	cfg := &TicketConfig{ChannelPrefix: DefaultTicketChannelPrefix}
	name := cfg.ticketChannelName("12345")
	assert.Equal(t, "ticket-12345", name)

	owner, ok := cfg.ticketOwnerFromChannelName(name)
	assert.True(t, ok)
	assert.Equal(t, "12345", owner)

	_, ok = cfg.ticketOwnerFromChannelName("general")
	assert.False(t, ok)
	_, ok = cfg.ticketOwnerFromChannelName("ticket-")
	assert.False(t, ok)
}

func TestTicketOverwrites(t *testing.T) {
	t.Parallel()
	overwrites := ticketOverwrites("guild", "owner", "bot", "support")
	require.Len(t, overwrites, 4)

	assert.Equal(t, "guild", overwrites[0].ID)
	assert.Equal(t, int64(discordgo.PermissionViewChannel), overwrites[0].Deny)
	assert.Equal(t, "owner", overwrites[1].ID)
	assert.NotZero(t, overwrites[1].Allow&discordgo.PermissionViewChannel)
	assert.Equal(t, "support", overwrites[3].ID)
	assert.NotZero(t, overwrites[3].Allow&discordgo.PermissionManageMessages)

	assert.Len(t, ticketOverwrites("guild", "owner", "", ""), 2)
}

func TestHandleSetupTickets_RequiresAdmin(t *testing.T) {
	b, session := newTestBarracks(t)
	ids := newTestIDs(t)

	handler := newStubInteractionHandler(t, b, ids.commandInteraction(DiscordSlashCommandSetupTickets))
	b.handleInteraction(context.Background(), handler)

	assert.Equal(t, msgNoPermission, handler.lastResponse(t).Data.Content)
	assert.Empty(t, session.sentMessages())
}

func TestHandleSetupTickets(t *testing.T) {
	b, session := newTestBarracks(t)
	ids := newTestIDs(t)

	i := ids.commandInteraction(DiscordSlashCommandSetupTickets)
	i.Member.Permissions = discordgo.PermissionAdministrator
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(context.Background(), handler)

	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		handler.lastResponse(t).Type,
	)
	assert.Equal(t, fmt.Sprintf(msgTicketSetupFmt, ids.ChannelID), handler.lastFollowup(t).Content)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Components, 1)
	row, ok := sent[0].Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	button, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, customIDOpenTicket, button.CustomID)
}

func TestHandleOpenTicket(t *testing.T) {
	b, session := newTestBarracks(t)
	ids := newTestIDs(t)
	ctx := context.Background()

	handler := newStubInteractionHandler(t, b, ids.componentInteraction(customIDOpenTicket))
	b.handleInteraction(ctx, handler)

	session.mu.Lock()
	require.Len(t, session.created, 2)
	assert.Equal(t, DefaultTicketCategoryName, session.created[0].Name)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, session.created[0].Type)
	assert.Equal(t, "ticket-"+ids.UserID, session.created[1].Name)
	ticketChannelID := session.channels[1].ID
	assert.Equal(t, session.channels[0].ID, session.created[1].ParentID)
	session.mu.Unlock()

	assert.Equal(t, fmt.Sprintf(msgTicketCreatedFmt, ticketChannelID), handler.lastFollowup(t).Content)

	ticket, err := b.tickets.OpenTicket(ctx, ids.GuildID, ids.UserID)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, ticketChannelID, ticket.ChannelID)

	// a second request points at the existing ticket
	handler = newStubInteractionHandler(t, b, ids.componentInteraction(customIDOpenTicket))
	b.handleInteraction(ctx, handler)
	assert.Equal(t, fmt.Sprintf(msgTicketExistsFmt, ticketChannelID), handler.lastFollowup(t).Content)

	session.mu.Lock()
	assert.Len(t, session.created, 2)
	session.mu.Unlock()
}

func TestHandleCloseTicket(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Tickets.DeleteDelay = 0
	b, session := newTestBarracksWithConfig(t, cfg)
	ids := newTestIDs(t)
	ctx := context.Background()

	require.NoError(
		t,
		b.tickets.Create(
			ctx,
			&Ticket{ChannelID: ids.ChannelID, OwnerUserID: "someone_else", GuildID: ids.GuildID},
		),
	)

	handler := newStubInteractionHandler(t, b, ids.componentInteraction(customIDCloseTicket))
	b.handleInteraction(ctx, handler)
	assert.Equal(t, msgTicketNoPermission, handler.lastResponse(t).Data.Content)

	i := ids.componentInteraction(customIDCloseTicket)
	i.Member.User.ID = "someone_else"
	handler = newStubInteractionHandler(t, b, i)
	b.handleInteraction(ctx, handler)

	assert.Equal(t, fmt.Sprintf(msgTicketDeleteFmt, 0), handler.lastFollowup(t).Content)

	ticket, err := b.tickets.Get(ctx, ids.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, TicketStatusClosed, ticket.Status)
	assert.Equal(t, "someone_else", ticket.ClosedBy)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, []string{ids.ChannelID}, session.deleted)
}

func TestHandleCloseTicket_SupportRole(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Tickets.DeleteDelay = 0
	cfg.Tickets.SupportRoleID = "support_role"
	b, _ := newTestBarracksWithConfig(t, cfg)
	ids := newTestIDs(t)
	ctx := context.Background()

	i := ids.componentInteraction(customIDCloseTicket)
	i.Channel = &discordgo.Channel{ID: ids.ChannelID, Name: "ticket-owner"}
	i.Member.Roles = []string{"support_role"}
	handler := newStubInteractionHandler(t, b, i)
	b.handleInteraction(ctx, handler)

	assert.Equal(t, fmt.Sprintf(msgTicketDeleteFmt, 0), handler.lastFollowup(t).Content)
}
