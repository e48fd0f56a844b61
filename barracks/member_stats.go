package barracks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	memberStatsTitle        = "📊 Server Statistics"
	memberStatsTitleMatch   = "Server Statistics"
	memberStatsHistoryLimit = 10
	activityBarLength       = 20

	// below this share of visible members, the status breakdown is estimated
	memberStatsVisibleRatio = 0.1
	memberStatsMinOnline    = 0.15
	memberStatsMaxOnline    = 0.6
	memberStatsOnlineShare  = 0.4
	memberStatsIdleShare    = 0.35
	memberStatsDNDShare     = 0.25
)

// MemberStats is a snapshot of a guild's member activity
type MemberStats struct {
	Total     int
	Visible   int
	Voice     int
	Online    int
	Idle      int
	DND       int
	Offline   int
	Estimated bool
}

// Active is the number of members online, idle or on do-not-disturb
func (m MemberStats) Active() int {
	return m.Online + m.Idle + m.DND
}

// ActivityPercent is the share of active members, from 0 to 100
func (m MemberStats) ActivityPercent() float64 {
	if m.Total <= 0 {
		return 0
	}
	return float64(m.Active()) / float64(m.Total) * 100
}

// estimateMemberStats builds the status breakdown for a guild with total
// members, of which visible are known to be online. When too few members
// are visible to be representative, the breakdown is estimated from voice
// activity instead.
func estimateMemberStats(total int, visible int, voice int) MemberStats {
	stats := MemberStats{Total: total, Visible: visible, Voice: voice}
	if total <= 0 {
		return stats
	}

	if float64(visible) < float64(total)*memberStatsVisibleRatio {
		est := max(float64(voice*2), float64(total)*memberStatsMinOnline)
		est = min(est, float64(total)*memberStatsMaxOnline)
		stats.Estimated = true
		stats.Online = int(est * memberStatsOnlineShare)
		stats.Idle = int(est * memberStatsIdleShare)
		stats.DND = int(est * memberStatsDNDShare)
	} else {
		stats.Online = min(visible, total)
	}
	stats.Offline = total - stats.Active()
	return stats
}

// activityLevel returns the indicator emoji and label for an activity
// percentage
func activityLevel(pct float64) (emoji string, label string) {
	switch {
	case pct >= 70:
		return "🟢", "Very Active"
	case pct >= 50:
		return "🟡", "Active"
	case pct >= 30:
		return "🟠", "Moderate"
	default:
		return "⚫", "Low Activity"
	}
}

// activityBar renders pct as a bar of activityBarLength cells
func activityBar(pct float64) string {
	filled := int(float64(activityBarLength) * (pct / 100))
	filled = max(0, min(filled, activityBarLength))
	return strings.Repeat("🟢", filled) + strings.Repeat("⚫", activityBarLength-filled)
}

// formatCount formats n with thousands separators
func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := strconv.Itoa(n)
	var sb strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func memberStatsEmbed(guild *discordgo.Guild, stats MemberStats, now time.Time) *discordgo.MessageEmbed {
	pct := stats.ActivityPercent()
	emoji, label := activityLevel(pct)

	embed := newEmbed(memberStatsTitle, colorSuccess, now)
	addField(embed, "👥 Total Members", fmt.Sprintf("```%s```", formatCount(stats.Total)), true)
	addField(embed, "🟢 Online Members", fmt.Sprintf("```%s```", formatCount(stats.Active())), true)
	addField(embed, emoji+" Server Activity", fmt.Sprintf("```%.1f%% %s```", pct, label), true)
	addField(embed, "📈 Activity Level", fmt.Sprintf("%s %.1f%%", activityBar(pct), pct), false)

	status := fmt.Sprintf(
		"🟢 Online %s\n🟡 Idle %s\n🔴 DND %s\n⚫ Offline %s",
		formatCount(stats.Online),
		formatCount(stats.Idle),
		formatCount(stats.DND),
		formatCount(stats.Offline),
	)
	if stats.Estimated {
		status += fmt.Sprintf("\n⚠️ Estimated (visible: %d/%d)", stats.Visible, stats.Total)
		if stats.Voice > 0 {
			status += fmt.Sprintf("\n🎤 Voice active: %d", stats.Voice)
		}
	}
	addField(embed, "👤 Member Status", fmt.Sprintf("```%s```", status), true)
	addField(embed, "🕐 Last Updated", discordTimestamp(now, "R"), true)

	if guild != nil {
		if icon := guild.IconURL(""); icon != "" {
			embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: icon}
		}
		embed.Footer = &discordgo.MessageEmbedFooter{Text: guild.Name + " • Live Statistics"}
	}
	return embed
}

// runMemberStats refreshes the statistics message in every configured
// channel each interval, until ctx is cancelled
func (b *Barracks) runMemberStats(ctx context.Context) {
	cfg := b.config.MemberStats
	logger := b.logger.With(loggerNameKey, "member_stats")
	if !cfg.Enabled || len(cfg.ChannelIDs) == 0 {
		logger.InfoContext(ctx, "member stats disabled")
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		if b.RuntimeConfig().MemberStatsEnabled {
			if err := b.refreshMemberStats(ctx); err != nil {
				logger.WarnContext(ctx, "error refreshing member stats", tint.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping member stats")
			return
		case <-ticker.C:
		}
	}
}

// refreshMemberStats updates every configured channel concurrently
func (b *Barracks) refreshMemberStats(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, channelID := range b.config.MemberStats.ChannelIDs {
		g.Go(
			func() error {
				return b.updateMemberStatsChannel(gctx, channelID)
			},
		)
	}
	return g.Wait()
}

// updateMemberStatsChannel edits the bot's existing statistics message
// among the channel's recent messages, or sends a new one
func (b *Barracks) updateMemberStatsChannel(ctx context.Context, channelID string) error {
	session := b.discord.session
	guildID := b.config.Discord.GuildID

	messages, err := session.ChannelMessages(
		channelID,
		memberStatsHistoryLimit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error reading channel %s: %w", channelID, err)
	}
	if guildID == "" {
		for _, m := range messages {
			if m.GuildID != "" {
				guildID = m.GuildID
				break
			}
		}
	}
	if guildID == "" {
		return fmt.Errorf("unable to determine guild for channel %s", channelID)
	}

	guild, err := session.GuildWithCounts(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error fetching guild %s: %w", guildID, err)
	}

	stats := estimateMemberStats(
		guild.ApproximateMemberCount,
		guild.ApproximatePresenceCount,
		b.discord.voice.Count(guildID),
	)
	embed := memberStatsEmbed(guild, stats, b.now())

	botUserID := b.discord.BotUserID()
	for _, m := range messages {
		if m.Author == nil || m.Author.ID != botUserID || len(m.Embeds) == 0 {
			continue
		}
		if !strings.Contains(m.Embeds[0].Title, memberStatsTitleMatch) {
			continue
		}
		embeds := []*discordgo.MessageEmbed{embed}
		_, err = session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{ID: m.ID, Channel: channelID, Embeds: &embeds},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("error editing stats message %s: %w", m.ID, err)
		}
		return nil
	}

	_, err = session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending stats message: %w", err)
	}
	return nil
}
