package barracks

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateMemberStats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		total    int
		visible  int
		voice    int
		expected MemberStats
	}{
		{
			name:     "no members",
			expected: MemberStats{},
		},
		{
			name:    "enough visible members",
			total:   100,
			visible: 40,
			expected: MemberStats{
				Total: 100, Visible: 40, Online: 40, Offline: 60,
			},
		},
		{
			name:    "estimated from minimum share",
			total:   1000,
			visible: 5,
			expected: MemberStats{
				Total: 1000, Visible: 5, Online: 60, Idle: 52, DND: 37, Offline: 851, Estimated: true,
			},
		},
		{
			name:    "estimated from voice",
			total:   1000,
			visible: 5,
			voice:   200,
			expected: MemberStats{
				Total: 1000, Visible: 5, Voice: 200, Online: 160, Idle: 140, DND: 100, Offline: 600, Estimated: true,
			},
		},
		{
			name:    "estimate capped",
			total:   100,
			visible: 0,
			voice:   90,
			expected: MemberStats{
				Total: 100, Voice: 90, Online: 24, Idle: 21, DND: 15, Offline: 40, Estimated: true,
			},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, estimateMemberStats(tc.total, tc.visible, tc.voice))
			},
		)
	}
}

func TestActivityLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pct   float64
		label string
	}{
		{85, "Very Active"},
		{70, "Very Active"},
		{55, "Active"},
		{30, "Moderate"},
		{29.9, "Low Activity"},
		{0, "Low Activity"},
	}
	for _, tc := range tests {
		_, label := activityLevel(tc.pct)
		assert.Equal(t, tc.label, label, "pct=%v", tc.pct)
	}
}

func TestActivityBar(t *testing.T) {
	t.Parallel()
	assert.Equal(t, activityBarLength, countRunes(activityBar(0), '⚫'))
	assert.Equal(t, activityBarLength, countRunes(activityBar(100), '🟢'))
	assert.Equal(t, activityBarLength, countRunes(activityBar(150), '🟢'))

	half := activityBar(50)
	assert.Equal(t, 10, countRunes(half, '🟢'))
	assert.Equal(t, 10, countRunes(half, '⚫'))
}

func countRunes(s string, r rune) int {
	n := 0
	for _, c := range s {
		if c == r {
			n++
		}
	}
	return n
}

func TestFormatCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0", formatCount(0))
	assert.Equal(t, "999", formatCount(999))
	assert.Equal(t, "1,000", formatCount(1000))
	assert.Equal(t, "1,234,567", formatCount(1234567))
	assert.Equal(t, "-12,345", formatCount(-12345))
}

func TestUpdateMemberStatsChannel(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Discord.GuildID = "guild"
	cfg.MemberStats.Enabled = true
	cfg.MemberStats.ChannelIDs = []string{"stats"}
	b, session := newTestBarracksWithConfig(t, cfg)
	b.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	session.guild = &discordgo.Guild{
		ID:                       "guild",
		Name:                     "Barracks",
		ApproximateMemberCount:   100,
		ApproximatePresenceCount: 55,
	}

	ctx := context.Background()
	require.NoError(t, b.refreshMemberStats(ctx))

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Embeds, 1)
	embed := sent[0].Embeds[0]
	assert.Equal(t, memberStatsTitle, embed.Title)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Barracks • Live Statistics", embed.Footer.Text)
	assert.Contains(t, embed.Fields[2].Value, "55.0% Active")

	// the bot's previous message gets edited rather than reposted
	session.mu.Lock()
	session.history["stats"] = []*discordgo.Message{
		{ID: "other", Author: &discordgo.User{ID: "someone"}},
		{
			ID:     "previous",
			Author: &discordgo.User{ID: b.discord.BotUserID()},
			Embeds: []*discordgo.MessageEmbed{{Title: memberStatsTitle}},
		},
	}
	session.mu.Unlock()

	require.NoError(t, b.refreshMemberStats(ctx))
	assert.Len(t, session.sentMessages(), 1)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.edited, 1)
	assert.Equal(t, "previous", session.edited[0].ID)
	assert.Equal(t, "stats", session.edited[0].Channel)
}

func TestUpdateMemberStatsChannel_UnknownGuild(t *testing.T) {
	b, _ := newTestBarracks(t)
	err := b.updateMemberStatsChannel(context.Background(), "stats")
	assert.ErrorContains(t, err, "unable to determine guild")
}

func TestRunMemberStats_Disabled(t *testing.T) {
	b, session := newTestBarracks(t)

	done := make(chan struct{})
	go func() {
		b.runMemberStats(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected runMemberStats to return when disabled")
	}
	assert.Empty(t, session.sentMessages())
}
