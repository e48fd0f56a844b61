package barracks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

type TicketStatus string

const (
	TicketStatusOpen   TicketStatus = "open"
	TicketStatusClosed TicketStatus = "closed"
)

const (
	columnTicketOwnerUserID = "owner_user_id"
	columnTicketGuildID     = "guild_id"
	columnTicketStatus      = "status"
	columnTicketChannelID   = "channel_id"
)

const (
	msgTicketExistsFmt     = "❌ You already have an open ticket: <#%s>"
	msgTicketCreatedFmt    = "✅ Ticket created successfully! <#%s>"
	msgTicketNoPermission  = "❌ You don't have permission to close this ticket!"
	msgTicketDeleteFmt     = "🔒 This ticket will be deleted in %d seconds..."
	msgTicketSetupFmt      = "✅ Ticket system setup complete in <#%s>!"
	msgTicketFailed        = "❌ Could not create your ticket. Please try again later."
	msgTicketCloseFailed   = "❌ Could not close this ticket. Please try again later."
	msgTicketPanelFailed   = "❌ Could not post the ticket panel in <#%s>."
	ticketFooter           = "Support Ticket System"
	ticketPanelFooter      = "Support Ticket System • Click button below to open ticket"
	openTicketButtonLabel  = "🎫 Open Ticket"
	closeTicketButtonLabel = "🔒 Close Ticket"
)

var errTicketNotFound = errors.New("ticket not found")

// Ticket is a private support channel opened by OwnerUserID. A user
// has at most one open ticket per guild.
//
//nolint:lll // struct tags can't be split
type Ticket struct {
	ChannelID   string       `gorm:"primaryKey" json:"channel_id"`
	TicketID    string       `gorm:"uniqueIndex;not null" json:"ticket_id"`
	OwnerUserID string       `gorm:"index;not null" json:"owner_user_id"`
	GuildID     string       `gorm:"index;not null" json:"guild_id"`
	Status      TicketStatus `gorm:"type:string;not null;default:open;check:chk_ticket_status,status IN ('open','closed')" json:"status"`
	CreatedAt   int64        `gorm:"autoCreateTime:milli;index" json:"created_at"`
	ClosedAt    *int64       `json:"closed_at,omitempty"`
	ClosedBy    string       `json:"closed_by,omitempty"`
}

// TicketStore persists support tickets
type TicketStore interface {
	// OpenTicket returns the user's open ticket in the guild, or nil
	OpenTicket(ctx context.Context, guildID string, ownerID string) (*Ticket, error)

	// Get returns the ticket for the given channel, or errTicketNotFound
	Get(ctx context.Context, channelID string) (*Ticket, error)

	Create(ctx context.Context, t *Ticket) error

	// Close marks an open ticket closed. It returns false if the ticket
	// doesn't exist or was already closed.
	Close(ctx context.Context, channelID string, closedBy string, at time.Time) (bool, error)

	// List returns tickets, newest first, optionally filtered by status
	List(ctx context.Context, status TicketStatus, limit int) ([]Ticket, error)
}

type gormTicketStore struct {
	db     DBI
	logger *slog.Logger
}

func NewTicketStore(db DBI, logger *slog.Logger) TicketStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormTicketStore{db: db, logger: logger}
}

func (s *gormTicketStore) OpenTicket(ctx context.Context, guildID string, ownerID string) (*Ticket, error) {
	var t Ticket
	err := s.db.DB().WithContext(ctx).
		Where(
			columnTicketGuildID+" = ? AND "+columnTicketOwnerUserID+" = ? AND "+columnTicketStatus+" = ?",
			guildID, ownerID, TicketStatusOpen,
		).
		Take(&t).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, persistenceError("load open ticket", err)
	}
	return &t, nil
}

func (s *gormTicketStore) Get(ctx context.Context, channelID string) (*Ticket, error) {
	var t Ticket
	err := s.db.DB().WithContext(ctx).
		Where(columnTicketChannelID+" = ?", channelID).
		Take(&t).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errTicketNotFound
	case err != nil:
		return nil, persistenceError("load ticket", err)
	}
	return &t, nil
}

func (s *gormTicketStore) Create(ctx context.Context, t *Ticket) error {
	if t.TicketID == "" {
		t.TicketID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TicketStatusOpen
	}
	if _, err := s.db.Create(ctx, t); err != nil {
		s.logger.ErrorContext(ctx, "error saving ticket", "ticket", t, tint.Err(err))
		return persistenceError("save ticket", err)
	}
	return nil
}

func (s *gormTicketStore) Close(
	ctx context.Context,
	channelID string,
	closedBy string,
	at time.Time,
) (bool, error) {
	closedAt := at.UnixMilli()
	rows, err := s.db.UpdatesWhere(
		ctx,
		&Ticket{},
		map[string]any{
			columnTicketStatus: TicketStatusClosed,
			"closed_at":        closedAt,
			"closed_by":        closedBy,
		},
		columnTicketChannelID+" = ? AND "+columnTicketStatus+" = ?",
		channelID,
		TicketStatusOpen,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error closing ticket", "channel_id", channelID, tint.Err(err))
		return false, persistenceError("close ticket", err)
	}
	return rows > 0, nil
}

func (s *gormTicketStore) List(ctx context.Context, status TicketStatus, limit int) ([]Ticket, error) {
	q := s.db.DB().WithContext(ctx).Order(columnCreatedAt + " DESC")
	if status != "" {
		q = q.Where(columnTicketStatus+" = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var tickets []Ticket
	if err := q.Find(&tickets).Error; err != nil {
		return nil, persistenceError("list tickets", err)
	}
	return tickets, nil
}

// ticketChannelName returns the channel name for the user's ticket
func (c *TicketConfig) ticketChannelName(userID string) string {
	return c.ChannelPrefix + userID
}

// ticketOwnerFromChannelName returns the user ID encoded in a ticket
// channel's name
func (c *TicketConfig) ticketOwnerFromChannelName(name string) (string, bool) {
	owner, ok := strings.CutPrefix(name, c.ChannelPrefix)
	if !ok || owner == "" {
		return "", false
	}
	return owner, true
}

// memberHasRole reports whether the interaction's member holds roleID
func memberHasRole(i *discordgo.InteractionCreate, roleID string) bool {
	if roleID == "" || i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, roleID)
}

func (b *Barracks) handleSetupTickets(ctx context.Context, handler InteractionHandler, _ *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.GuildID == "" {
		respondEphemeral(ctx, handler, msgGuildOnly)
		return
	}
	if !memberIsAdmin(i) {
		respondEphemeral(ctx, handler, msgNoPermission)
		return
	}
	if err := handler.Respond(ctx, deferredResponse(true)); err != nil {
		return
	}

	channelID := b.config.Tickets.PanelChannelID
	if channelID == "" {
		channelID = i.ChannelID
	}

	embed := newEmbed("🎫 Support Ticket System", colorSuccess, b.now())
	embed.Description = "Need help? Create a support ticket and our team will assist you!"
	addField(
		embed,
		"🔧 How to create a ticket",
		"Click the green **🎫 Open Ticket** button below to create a private support channel.",
		false,
	)
	addField(embed, "⚡ Quick Response", "Our support team will respond to your ticket as soon as possible.", true)
	addField(embed, "🔒 Privacy", "Only you and support staff can see your ticket.", true)
	addField(
		embed,
		"📋 Guidelines",
		"• Be clear and detailed about your issue\n"+
			"• Be patient while waiting for support\n"+
			"• Close your ticket when your issue is resolved",
		false,
	)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: ticketPanelFooter}

	_, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    openTicketButtonLabel,
							Style:    discordgo.SuccessButton,
							CustomID: customIDOpenTicket,
						},
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting ticket panel", tint.Err(err), "channel_id", channelID)
		followupEphemeral(ctx, handler, fmt.Sprintf(msgTicketPanelFailed, channelID))
		return
	}
	logger.InfoContext(ctx, "posted ticket panel", "channel_id", channelID)
	followupEphemeral(ctx, handler, fmt.Sprintf(msgTicketSetupFmt, channelID))
}

func (b *Barracks) handleOpenTicket(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	cfg := b.config.Tickets

	if err := handler.Respond(ctx, deferredResponse(true)); err != nil {
		return
	}
	if i.GuildID == "" || i.Member == nil {
		followupEphemeral(ctx, handler, msgGuildOnly)
		return
	}

	existing, err := b.tickets.OpenTicket(ctx, i.GuildID, u.ID)
	if err != nil {
		logger.WarnContext(ctx, "unable to check for an open ticket", tint.Err(err))
	}
	if existing != nil {
		followupEphemeral(ctx, handler, fmt.Sprintf(msgTicketExistsFmt, existing.ChannelID))
		return
	}

	session := b.discord.session
	channels, err := session.GuildChannels(i.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error listing guild channels", tint.Err(err))
		followupEphemeral(ctx, handler, msgTicketFailed)
		return
	}

	channelName := cfg.ticketChannelName(u.ID)
	var categoryID string
	for _, ch := range channels {
		switch {
		case ch.Type == discordgo.ChannelTypeGuildText && ch.Name == channelName:
			followupEphemeral(ctx, handler, fmt.Sprintf(msgTicketExistsFmt, ch.ID))
			return
		case ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == cfg.CategoryName:
			categoryID = ch.ID
		}
	}

	if categoryID == "" {
		category, catErr := session.GuildChannelCreateComplex(
			i.GuildID,
			discordgo.GuildChannelCreateData{
				Name: cfg.CategoryName,
				Type: discordgo.ChannelTypeGuildCategory,
			},
			discordgo.WithContext(ctx),
		)
		if catErr != nil {
			followupEphemeral(ctx, handler, msgTicketFailed)
			return
		}
		categoryID = category.ID
	}

	ticketChannel, err := session.GuildChannelCreateComplex(
		i.GuildID,
		discordgo.GuildChannelCreateData{
			Name:                 channelName,
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             categoryID,
			PermissionOverwrites: ticketOverwrites(i.GuildID, u.ID, b.discord.BotUserID(), cfg.SupportRoleID),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		followupEphemeral(ctx, handler, msgTicketFailed)
		return
	}

	now := b.now()
	embed := newEmbed("🎫 Support Ticket Created", colorSuccess, now)
	embed.Description = fmt.Sprintf(
		"Thank you %s for creating a support ticket!\nA support team member will assist you shortly.",
		u.Mention(),
	)
	addField(
		embed,
		"📋 Ticket Information",
		fmt.Sprintf(
			"**User:** %s\n**User ID:** %s\n**Created:** %s",
			u.Mention(),
			u.ID,
			discordTimestamp(now, "F"),
		),
		false,
	)
	addField(
		embed,
		"ℹ️ Instructions",
		"• Please describe your issue in detail\n"+
			"• A support member will respond soon\n"+
			"• Use the 🔒 button below to close this ticket",
		false,
	)
	embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: u.AvatarURL("")}
	embed.Footer = &discordgo.MessageEmbedFooter{Text: ticketFooter}

	content := u.Mention()
	if cfg.SupportRoleID != "" {
		content += " <@&" + cfg.SupportRoleID + ">"
	}
	_, err = session.ChannelMessageSendComplex(
		ticketChannel.ID,
		&discordgo.MessageSend{
			Content: content,
			Embeds:  []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    closeTicketButtonLabel,
							Style:    discordgo.DangerButton,
							CustomID: customIDCloseTicket,
						},
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "ticket created without welcome message", tint.Err(err))
	}

	ticket := &Ticket{
		ChannelID:   ticketChannel.ID,
		OwnerUserID: u.ID,
		GuildID:     i.GuildID,
	}
	if err = b.tickets.Create(ctx, ticket); err != nil {
		logger.WarnContext(ctx, "ticket channel created but not recorded", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "opened ticket", "ticket_id", ticket.TicketID, "channel_id", ticket.ChannelID)
	}

	followupEphemeral(ctx, handler, fmt.Sprintf(msgTicketCreatedFmt, ticketChannel.ID))
}

// ticketOverwrites hides the ticket channel from everyone except the
// owner, the bot and the support role
func ticketOverwrites(
	guildID string,
	ownerID string,
	botUserID string,
	supportRoleID string,
) []*discordgo.PermissionOverwrite {
	var viewAndSend int64 = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone shares the guild's ID
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: viewAndSend,
		},
	}
	if botUserID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    botUserID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: viewAndSend,
			},
		)
	}
	if supportRoleID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    supportRoleID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: viewAndSend | discordgo.PermissionManageMessages,
			},
		)
	}
	return overwrites
}

func (b *Barracks) handleCloseTicket(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	cfg := b.config.Tickets

	if i.GuildID == "" || i.Member == nil {
		respondEphemeral(ctx, handler, msgGuildOnly)
		return
	}

	var ownerID string
	var channelName string
	ticket, err := b.tickets.Get(ctx, i.ChannelID)
	switch {
	case err == nil:
		ownerID = ticket.OwnerUserID
	case i.Channel != nil:
		channelName = i.Channel.Name
		ownerID, _ = cfg.ticketOwnerFromChannelName(channelName)
	}
	if ticket != nil {
		channelName = cfg.ticketChannelName(ticket.OwnerUserID)
	}

	if ownerID != u.ID && !memberHasRole(i, cfg.SupportRoleID) {
		respondEphemeral(ctx, handler, msgTicketNoPermission)
		return
	}
	if err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		return
	}

	now := b.now()
	if _, err = b.tickets.Close(ctx, i.ChannelID, u.ID, now); err != nil {
		logger.WarnContext(ctx, "unable to record ticket closure", tint.Err(err))
	}

	embed := newEmbed("🎫 Ticket Closed", colorError, now)
	embed.Description = "Ticket closed by " + u.Mention()
	stats := fmt.Sprintf(
		"**Closed by:** %s\n**Closed at:** %s\n**Channel:** #%s",
		u.Mention(),
		discordTimestamp(now, "F"),
		valueOr(channelName, "Unknown"),
	)
	if ticket != nil {
		stats += fmt.Sprintf(
			"\n**Opened by:** <@%s>\n**Open for:** %s",
			ticket.OwnerUserID,
			now.Sub(time.UnixMilli(ticket.CreatedAt)).Round(time.Second),
		)
	}
	addField(embed, "📊 Ticket Statistics", stats, false)

	if _, err = handler.Followup(
		ctx,
		&discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		followupEphemeral(ctx, handler, msgTicketCloseFailed)
		return
	}
	if _, err = handler.Followup(
		ctx,
		&discordgo.WebhookParams{
			Content: fmt.Sprintf(msgTicketDeleteFmt, int(cfg.DeleteDelay/time.Second)),
		},
	); err != nil {
		logger.WarnContext(ctx, "error sending deletion notice", tint.Err(err))
	}

	b.deleteTicketChannel(ctx, i.ChannelID, cfg.DeleteDelay)
}

// deleteTicketChannel deletes the channel after delay. If ctx is
// cancelled first, the channel is deleted immediately.
func (b *Barracks) deleteTicketChannel(ctx context.Context, channelID string, delay time.Duration) {
	logger := contextLoggerOr(ctx, b.logger)
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Warn("shutting down, deleting ticket channel early", "channel_id", channelID)
		case <-t.C:
		}
	}
	_, err := b.discord.session.ChannelDelete(channelID, discordgo.WithRestRetries(1))
	if err != nil && !isDiscordNotFound(err) && !isDiscordForbidden(err) {
		logger.Error("error deleting ticket channel", tint.Err(err), "channel_id", channelID)
	}
}
