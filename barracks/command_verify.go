package barracks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgAlreadyVerified    = "✅ You are already verified! Use `/reverify` if you need to update your verification."
	msgInvalidUsername    = "❌ Please provide a valid Roblox username (up to 20 characters)."
	msgNotChallengeOwner  = "❌ You can only verify your own account!"
	msgNoPending          = "❌ No pending verification found. Use `/verify` to get a new code."
	msgChallengeExpired   = "⏰ Your verification code has expired. Use `/verify` to get a new code."
	msgProviderNotReady   = "❌ Roblox API is not configured. Please contact an administrator."
	msgUnknownUser        = "❌ Verification failed: Roblox user not found."
	msgCodeNotFound       = "❌ Verification failed: Verification code not found in profile description."
	msgNotInGroup         = "❌ Verification failed: User not found in the specified group."
	msgPersistenceFailed  = "⚠️ Your verification could not be saved. Please try again later."
	msgVerificationStart  = "🔍 Checking your Roblox description for the verification code..."
	msgNicknameUpdated    = "Nickname updated successfully!"
	msgNicknameNoGuild    = "Command must be used in a server"
	msgNicknameForbidden  = "Could not update nickname (bot needs 'Manage Nicknames' permission)"
	msgNicknameErrorFmt   = "Error updating nickname: %s"
	msgStatusNotVerified  = "❌ Not Verified"
	msgStatusVerified     = "✅ Verified"
	msgStatusStartVerify  = "Use `/verify` to start verification"
	verifyButtonLabel     = "Verify"
	verifyButtonEmoji     = "✅"
	verificationStepCount = 4
)

// verificationErrorMessage maps a verification error to the message
// shown to the user. ok is false for errors outside the verification
// taxonomy, in which case the generic error message is returned.
func verificationErrorMessage(err error, fallback string) (msg string, ok bool) {
	switch {
	case errors.Is(err, ErrNotChallengeOwner):
		return msgNotChallengeOwner, true
	case errors.Is(err, ErrNoPendingChallenge):
		return msgNoPending, true
	case errors.Is(err, ErrChallengeExpired):
		return msgChallengeExpired, true
	case errors.Is(err, ErrProviderUnavailable):
		return msgProviderNotReady, true
	case errors.Is(err, ErrUnknownExternalUser):
		return msgUnknownUser, true
	case errors.Is(err, ErrCodeNotFound):
		return msgCodeNotFound, true
	case errors.Is(err, ErrNotInGroup):
		return msgNotInGroup, true
	case errors.Is(err, ErrAlreadyVerified):
		return msgAlreadyVerified, true
	case errors.Is(err, ErrInvalidInput):
		return msgInvalidUsername, true
	case errors.Is(err, ErrPersistenceUnavailable):
		return msgPersistenceFailed, true
	}
	if fallback == "" {
		fallback = DefaultDiscordErrorMessage
	}
	return fallback, false
}

func (b *Barracks) handleVerify(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	b.issueChallenge(ctx, handler, u, false)
}

func (b *Barracks) handleReverify(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	b.issueChallenge(ctx, handler, u, true)
}

func (b *Barracks) issueChallenge(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
	reverify bool,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	var username string
	if opt, ok := discordInteractionOptions(i)[commandOptionRobloxUsername]; ok {
		username = opt.StringValue()
	}

	challenge, deadline, err := b.verification.IssueChallenge(
		ctx,
		ChallengeRequest{
			User:             userProfileFromDiscord(u),
			ExternalUsername: username,
			GuildID:          i.GuildID,
			Reverify:         reverify,
		},
	)
	if err != nil {
		msg, known := verificationErrorMessage(err, handler.Config().DiscordErrorMessage)
		if !known {
			logger.ErrorContext(ctx, "error issuing challenge", tint.Err(err))
		}
		respondEphemeral(ctx, handler, msg)
		return
	}
	logger.InfoContext(
		ctx,
		"issued verification challenge",
		"external_username", challenge.ExternalUsername,
		"reverify", reverify,
		"deadline", deadline,
	)

	embed := b.challengeEmbed(challenge, reverify)
	response := ephemeralResponse("", embed)
	response.Data.Components = []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    verifyButtonLabel,
					Style:    discordgo.SuccessButton,
					CustomID: componentCustomID(customIDVerifySubmit, u.ID),
					Emoji:    &discordgo.ComponentEmoji{Name: verifyButtonEmoji},
				},
			},
		},
	}
	if err = handler.Respond(ctx, response); err != nil {
		logger.ErrorContext(ctx, "error sending challenge", tint.Err(err))
	}
}

// challengeEmbed renders the step-by-step instructions for a challenge
func (b *Barracks) challengeEmbed(c PendingChallenge, reverify bool) *discordgo.MessageEmbed {
	timeoutMinutes := int(b.verification.ChallengeTimeout() / time.Minute)
	if !reverify {
		embed := newEmbed("🔐 Military Verification Process", colorWarning, b.now())
		embed.Description = "Follow these steps to verify your Roblox account:"
		steps := [verificationStepCount]string{
			"Copy the verification code below",
			"Go to your Roblox profile and edit your description",
			fmt.Sprintf("Add this code to your description: `%s`", c.Code),
			"Click the 'Verify' button below",
		}
		for n, step := range steps {
			addField(embed, fmt.Sprintf("Step %d", n+1), step, false)
		}
		addField(
			embed,
			"⚠️ Important",
			fmt.Sprintf(
				"You have %d minutes to complete verification.\nMake sure you're in group `%d`!",
				timeoutMinutes,
				b.verification.GroupID(),
			),
			false,
		)
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: "Your rank will be automatically detected from the group",
		}
		return embed
	}

	embed := newEmbed("🔄 Military Re-verification Process", colorInfo, b.now())
	embed.Description = "Update your verification and rank:"
	steps := [verificationStepCount]string{
		"Copy the new verification code below",
		"Update your Roblox profile description",
		fmt.Sprintf("Replace old code with: `%s`", c.Code),
		"Click the 'Verify' button below",
	}
	for n, step := range steps {
		addField(embed, fmt.Sprintf("Step %d", n+1), step, false)
	}
	addField(
		embed,
		"📋 Note",
		fmt.Sprintf(
			"This will update your nickname with your current rank.\nThis code expires in %d minutes.",
			timeoutMinutes,
		),
		false,
	)
	return embed
}

// handleVerifySubmit handles the 'Verify' button. The custom ID carries
// the user ID of the challenge's owner.
func (b *Barracks) handleVerifySubmit(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	_, ownerID := parseComponentCustomID(i.MessageComponentData().CustomID)

	if ownerID != u.ID {
		respondEphemeral(ctx, handler, msgNotChallengeOwner)
		return
	}
	respondEphemeral(ctx, handler, msgVerificationStart)

	result, err := b.verification.SubmitProof(ctx, u.ID, ownerID)
	if result == nil {
		msg, known := verificationErrorMessage(err, handler.Config().DiscordErrorMessage)
		if known {
			logger.InfoContext(ctx, "verification failed", tint.Err(err))
		} else {
			logger.ErrorContext(ctx, "unexpected verification error", tint.Err(err))
		}
		followupEphemeral(ctx, handler, msg)
		return
	}

	if err != nil {
		logger.WarnContext(ctx, "verification partially succeeded", tint.Err(err))
	}

	var content string
	if !result.Persisted {
		content = msgPersistenceFailed
	}
	followupEphemeral(ctx, handler, content, b.verificationResultEmbed(result))
}

// verificationResultEmbed renders a successful (or partially successful)
// verification
func (b *Barracks) verificationResultEmbed(r *VerificationResult) *discordgo.MessageEmbed {
	embed := newEmbed("✅ Verification Successful!", colorSuccess, b.now())
	addField(embed, "Roblox Username", r.ExternalUser.Handle(), true)
	addField(embed, "Rank", fmt.Sprintf("%s (%s)", r.Rank, r.Role.RoleName), true)
	addField(embed, "Group ID", strconv.FormatInt(b.verification.GroupID(), 10), true)
	addField(embed, "New Nickname", r.DisplayName, false)
	addField(embed, "Status", nicknameStatus(r), false)
	return embed
}

// nicknameStatus describes the outcome of the nickname update
func nicknameStatus(r *VerificationResult) string {
	switch {
	case r.NicknameUpdated:
		return msgNicknameUpdated
	case errors.Is(r.NicknameError, errNotInGuild):
		return msgNicknameNoGuild
	case isDiscordForbidden(r.NicknameError):
		return msgNicknameForbidden
	case r.NicknameError != nil:
		return fmt.Sprintf(msgNicknameErrorFmt, truncate(r.NicknameError.Error(), 200))
	default:
		return msgNicknameNoGuild
	}
}

func (b *Barracks) handleVerificationStatus(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger := handler.Logger()
	embed := newEmbed("🔍 Verification Status", colorInfo, b.now())

	v, err := b.profiles.GetVerification(ctx, u.ID)
	if err != nil {
		logger.WarnContext(ctx, "treating unreadable verification as unverified", tint.Err(err))
		v = nil
	}

	if v != nil && v.Verified {
		embed.Color = colorSuccess
		rank := v.RankCode
		if r, ok := v.Rank(); ok {
			rank = fmt.Sprintf("%s (%s)", r, r.Name())
		}
		addField(embed, "Status", msgStatusVerified, true)
		addField(embed, "Roblox Username", valueOr(v.ExternalUsername, "Unknown"), true)
		addField(embed, "Rank", valueOr(rank, "Unknown"), true)
		verifiedOn := "Unknown"
		if v.VerifiedAt > 0 {
			verifiedOn = discordTimestamp(verifiedAtTime(v.VerifiedAt), "F")
		}
		addField(embed, "Verified On", verifiedOn, false)
	} else {
		embed.Color = colorError
		addField(embed, "Status", msgStatusNotVerified, true)
		addField(embed, "Action", msgStatusStartVerify, false)
	}

	if err = handler.Respond(ctx, ephemeralResponse("", embed)); err != nil {
		logger.ErrorContext(ctx, "error sending verification status", tint.Err(err))
	}
}

func valueOr(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
