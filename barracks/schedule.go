package barracks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgPadOutOfRangeFmt = "❌ Pad number must be between %d and %d!"
	msgNoScheduledItems = "📅 You haven't scheduled any tryouts or trainings yet!"
	msgNoneScheduled    = "None scheduled"
	msgEventNotSavedFmt = "⚠️ Your %s could not be saved. Please try again later."
	msgEventInvalidFmt  = "❌ Invalid %s details. Please check the options and try again."
)

// scheduleErrorMessage maps an error from scheduling an event to the
// message shown to the host. ok is false for unexpected errors, in
// which case fallback (or the default error message) is returned.
func scheduleErrorMessage(err error, kind EventKind, fallback string) (msg string, ok bool) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return fmt.Sprintf(msgEventInvalidFmt, kind), true
	case errors.Is(err, ErrPersistenceUnavailable):
		return fmt.Sprintf(msgEventNotSavedFmt, kind), true
	}
	if fallback == "" {
		fallback = DefaultDiscordErrorMessage
	}
	return fallback, false
}

// scheduleKind describes how a tryout or training is presented
type scheduleKind struct {
	kind       EventKind
	typeOption string
	title      string
	color      int
	typeLabel  string
	padLabel   string
	hostLabel  string
	footer     string
}

var (
	tryoutSchedule = scheduleKind{
		kind:       EventKindTryout,
		typeOption: commandOptionTryoutType,
		title:      "🎖️ Military Tryout Scheduled",
		color:      colorMilitary,
		typeLabel:  "Tryout Type",
		padLabel:   "Landing Pad",
		hostLabel:  "Organizer",
		footer:     "Report to the designated pad on time!",
	}
	trainingSchedule = scheduleKind{
		kind:       EventKindTraining,
		typeOption: commandOptionTrainingType,
		title:      "🏋️ Military Training Scheduled",
		color:      colorInfo,
		typeLabel:  "Training Type",
		padLabel:   "Training Pad",
		hostLabel:  "Instructor",
		footer:     "Come prepared and ready to train!",
	}
)

// validatePad returns an error wrapping ErrInvalidInput when pad is
// outside [cfg.PadMin, cfg.PadMax]
func validatePad(cfg *SchedulingConfig, pad int) error {
	if pad < cfg.PadMin || pad > cfg.PadMax {
		return fmt.Errorf(
			"%w: pad %d not in [%d, %d]",
			ErrInvalidInput,
			pad,
			cfg.PadMin,
			cfg.PadMax,
		)
	}
	return nil
}

func (b *Barracks) handleTryout(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	b.scheduleEvent(ctx, handler, u, tryoutSchedule)
}

func (b *Barracks) handleTraining(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	b.scheduleEvent(ctx, handler, u, trainingSchedule)
}

func (b *Barracks) scheduleEvent(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
	sk scheduleKind,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	opts := discordInteractionOptions(i)

	event := &ScheduledEvent{
		Kind:      sk.kind,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
	}
	if opt, ok := opts[sk.typeOption]; ok {
		event.Type = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := opts[commandOptionStarts]; ok {
		event.StartsText = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := opts[commandOptionPadNumber]; ok {
		event.PadNumber = int(opt.IntValue())
	}

	if err := validatePad(b.config.Scheduling, event.PadNumber); err != nil {
		logger.InfoContext(ctx, "rejected pad number", tint.Err(err))
		respondEphemeral(
			ctx,
			handler,
			fmt.Sprintf(msgPadOutOfRangeFmt, b.config.Scheduling.PadMin, b.config.Scheduling.PadMax),
		)
		return
	}

	if err := b.profiles.AppendEvent(ctx, userProfileFromDiscord(u), event); err != nil {
		msg, ok := scheduleErrorMessage(err, sk.kind, handler.Config().DiscordErrorMessage)
		if !ok {
			logger.ErrorContext(ctx, "error scheduling event", tint.Err(err))
		}
		respondEphemeral(ctx, handler, msg)
		return
	}
	logger.InfoContext(
		ctx,
		"scheduled event",
		"kind", event.Kind,
		"type", event.Type,
		"pad_number", event.PadNumber,
	)

	embed := newEmbed(sk.title, sk.color, b.now())
	addField(embed, sk.typeLabel, fmt.Sprintf("**%s**", event.Type), true)
	addField(embed, "Start Time", fmt.Sprintf("**%s**", event.StartsText), true)
	addField(embed, sk.padLabel, fmt.Sprintf("**Pad %d**", event.PadNumber), true)
	addField(embed, sk.hostLabel, u.Mention(), true)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: sk.footer}
	if avatar := b.hostAvatar(ctx, u); avatar != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: avatar}
	}

	if err := handler.Respond(ctx, publicEmbedResponse(embed)); err != nil {
		logger.ErrorContext(ctx, "error sending schedule embed", tint.Err(err))
	}
}

// hostAvatar returns the external avatar of a verified user, or the
// default avatar otherwise
func (b *Barracks) hostAvatar(ctx context.Context, u *discordgo.User) string {
	v, err := b.profiles.GetVerification(ctx, u.ID)
	if err != nil || v == nil || !v.Verified || v.ExternalUserID == 0 {
		return b.config.Identity.DefaultAvatarURL
	}
	return b.avatars.Resolve(ctx, v.ExternalUserID)
}

func (b *Barracks) handleSchedule(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	logger := handler.Logger()
	limit := b.config.Scheduling.HistorySize

	tryouts, tryoutErr := b.profiles.RecentEvents(ctx, u.ID, EventKindTryout, limit)
	trainings, trainingErr := b.profiles.RecentEvents(ctx, u.ID, EventKindTraining, limit)
	if err := errors.Join(tryoutErr, trainingErr); err != nil {
		logger.WarnContext(ctx, "treating unreadable schedule as empty", tint.Err(err))
	}

	if len(tryouts) == 0 && len(trainings) == 0 {
		respondEphemeral(ctx, handler, msgNoScheduledItems)
		return
	}

	embed := newEmbed(
		fmt.Sprintf("📅 %s's Military Schedule", displayName(u)),
		colorMilitary,
		b.now(),
	)
	addField(embed, "🎖️ Recent Tryouts", formatEvents(tryouts), false)
	addField(embed, "🏋️ Recent Trainings", formatEvents(trainings), false)

	if err := handler.Respond(ctx, ephemeralResponse("", embed)); err != nil {
		logger.ErrorContext(ctx, "error sending schedule", tint.Err(err))
	}
}

// formatEvents renders one numbered line per event
func formatEvents(events []ScheduledEvent) string {
	if len(events) == 0 {
		return msgNoneScheduled
	}
	var sb strings.Builder
	for n, e := range events {
		if n > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. **%s** - %s (Pad %d)", n+1, e.Type, e.StartsText, e.PadNumber)
	}
	return sb.String()
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
