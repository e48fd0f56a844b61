package barracks

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandVerify             = "verify"
	DiscordSlashCommandReverify           = "reverify"
	DiscordSlashCommandVerificationStatus = "verification_status"
	DiscordSlashCommandHelp               = "help"
	DiscordSlashCommandTryout             = "tryout"
	DiscordSlashCommandTraining           = "training"
	DiscordSlashCommandSchedule           = "schedule"
	DiscordSlashCommandSetupTickets       = "setup_tickets"

	commandOptionRobloxUsername = "roblox_username"
	commandOptionTryoutType     = "tryout_type"
	commandOptionTrainingType   = "training_type"
	commandOptionStarts         = "starts"
	commandOptionPadNumber      = "pad_number"

	// customIDVerifySubmit is suffixed with the challenge owner's user ID
	customIDVerifySubmit = "verify_submit"
	customIDOpenTicket   = "open_ticket"
	customIDCloseTicket  = "close_ticket"

	customIDSeparator = ":"
)

const (
	msgPaused         = "⏸️ The bot is currently paused. Please try again later."
	msgFeatureOff     = "❌ This feature is currently disabled."
	msgGuildOnly      = "❌ This command can only be used in a server!"
	msgNoPermission   = "❌ You need Administrator permissions to use this command!"
	msgUnknownCommand = "❌ Unknown command."
)

// interactionHandlerFunc handles a single command or component
// interaction for the given user
type interactionHandlerFunc func(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
)

// componentCustomID joins a component name and its argument
func componentCustomID(name string, arg string) string {
	return name + customIDSeparator + arg
}

// parseComponentCustomID splits a custom ID into its name and argument
func parseComponentCustomID(customID string) (name string, arg string) {
	name, arg, _ = strings.Cut(customID, customIDSeparator)
	return name, arg
}

func usernameOption(description string) *discordgo.ApplicationCommandOption {
	minLength := 1
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionRobloxUsername,
		Description: description,
		Required:    true,
		MinLength:   &minLength,
		MaxLength:   maxExternalUsernameLength,
	}
}

func scheduleOptions(
	typeOption string,
	typeDescription string,
	startsDescription string,
	padDescription string,
) []*discordgo.ApplicationCommandOption {
	minLength := 1
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        typeOption,
			Description: typeDescription,
			Required:    true,
			MinLength:   &minLength,
			MaxLength:   100,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        commandOptionStarts,
			Description: startsDescription,
			Required:    true,
			MinLength:   &minLength,
			MaxLength:   100,
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        commandOptionPadNumber,
			Description: padDescription,
			Required:    true,
		},
	}
}

// applicationCommands returns every slash command the bot registers
func applicationCommands() []*discordgo.ApplicationCommand {
	guildOnly := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	anywhere := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	var adminPermission int64 = discordgo.PermissionAdministrator

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandVerify,
			Description: "Start the verification process to link your Roblox account",
			Contexts:    &guildOnly,
			Options:     []*discordgo.ApplicationCommandOption{usernameOption("Your Roblox username")},
		},
		{
			Name:        DiscordSlashCommandReverify,
			Description: "Re-verify your Roblox account (updates rank)",
			Contexts:    &guildOnly,
			Options:     []*discordgo.ApplicationCommandOption{usernameOption("Your Roblox username")},
		},
		{
			Name:        DiscordSlashCommandVerificationStatus,
			Description: "Check your verification status",
			Contexts:    &anywhere,
		},
		{
			Name:        DiscordSlashCommandHelp,
			Description: "List the bot's commands",
			Contexts:    &anywhere,
		},
		{
			Name:        DiscordSlashCommandTryout,
			Description: "Schedule a military tryout",
			Contexts:    &guildOnly,
			Options: scheduleOptions(
				commandOptionTryoutType,
				"Type of tryout (e.g., Infantry, Armor, Aviation)",
				"When the tryout starts (e.g., '2pm EST', 'in 30 minutes')",
				"Landing pad number (1-9)",
			),
		},
		{
			Name:        DiscordSlashCommandTraining,
			Description: "Schedule military training",
			Contexts:    &guildOnly,
			Options: scheduleOptions(
				commandOptionTrainingType,
				"Type of training (e.g., Combat, Tactical, Physical)",
				"When the training starts (e.g., '3pm EST', 'tomorrow')",
				"Training pad number (1-9)",
			),
		},
		{
			Name:        DiscordSlashCommandSchedule,
			Description: "View your scheduled tryouts and trainings",
			Contexts:    &anywhere,
		},
		{
			Name:                     DiscordSlashCommandSetupTickets,
			Description:              "Setup the ticket system (Admin only)",
			Contexts:                 &guildOnly,
			DefaultMemberPermissions: &adminPermission,
		},
	}
}

// commandHandlers maps slash command names to their handlers
func (b *Barracks) commandHandlers() map[string]interactionHandlerFunc {
	return map[string]interactionHandlerFunc{
		DiscordSlashCommandVerify:             b.handleVerify,
		DiscordSlashCommandReverify:           b.handleReverify,
		DiscordSlashCommandVerificationStatus: b.handleVerificationStatus,
		DiscordSlashCommandHelp:               b.handleHelp,
		DiscordSlashCommandTryout:             b.handleTryout,
		DiscordSlashCommandTraining:           b.handleTraining,
		DiscordSlashCommandSchedule:           b.handleSchedule,
		DiscordSlashCommandSetupTickets:       b.handleSetupTickets,
	}
}

// componentHandlers maps component names (the custom ID, up to the
// separator) to their handlers
func (b *Barracks) componentHandlers() map[string]interactionHandlerFunc {
	return map[string]interactionHandlerFunc{
		customIDVerifySubmit: b.handleVerifySubmit,
		customIDOpenTicket:   b.handleOpenTicket,
		customIDCloseTicket:  b.handleCloseTicket,
	}
}

// featureEnabled reports whether the runtime config allows the given
// command or component to run
func featureEnabled(cfg RuntimeConfig, name string) bool {
	switch name {
	case DiscordSlashCommandVerify, DiscordSlashCommandReverify, customIDVerifySubmit:
		return cfg.VerificationEnabled
	case DiscordSlashCommandTryout, DiscordSlashCommandTraining, DiscordSlashCommandSchedule:
		return cfg.SchedulingEnabled
	case DiscordSlashCommandSetupTickets, customIDOpenTicket, customIDCloseTicket:
		return cfg.TicketsEnabled
	default:
		return true
	}
}

// memberIsAdmin reports whether the interaction's member has the
// Administrator permission in the guild
func memberIsAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func (b *Barracks) handleHelp(ctx context.Context, handler InteractionHandler, _ *discordgo.User) {
	embed := newEmbed("🎖️ Military Bot Commands", colorMilitary, b.now())
	embed.Description = "Here's everything I can do:"
	addField(
		embed,
		"🔐 Verification",
		"`/verify <roblox_username>` - Link your Roblox account\n"+
			"`/reverify <roblox_username>` - Update your verification and rank\n"+
			"`/verification_status` - Check your verification status",
		false,
	)
	addField(
		embed,
		"📅 Scheduling",
		"`/tryout <type> <starts> <pad>` - Schedule a tryout\n"+
			"`/training <type> <starts> <pad>` - Schedule a training\n"+
			"`/schedule` - View your recent tryouts and trainings",
		false,
	)
	addField(
		embed,
		"🎫 Support",
		"`/setup_tickets` - Post the ticket panel (Admin only)",
		false,
	)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Your rank is detected automatically from the group"}

	if err := handler.Respond(ctx, ephemeralResponse("", embed)); err != nil {
		handler.Logger().ErrorContext(ctx, "error sending help", tint.Err(err))
	}
}
