package barracks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Unicode password", "пароль123"},
		{"Very long password", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64$invalidbase64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g=",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				_, err := VerifyPassword(invalidHash, "anypassword")
				assert.Error(t, err)
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "пр", truncate("привет", 2))
}

func TestGenerateChallengeCode(t *testing.T) {
	t.Parallel()
	code, err := generateChallengeCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(challengeAlphabet, r), "unexpected rune %q", r)
	}

	_, err = generateChallengeCode(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	fallback := slog.Default()
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
}

// newTestLogger returns a logger that discards its output
func newTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(newTintHandler(io.Discard, slog.LevelDebug)).With("test", t.Name())
}

// testIDs holds common IDs, generated based on the current test
type testIDs struct {
	GuildID       string
	ChannelID     string
	UserID        string
	Username      string
	InteractionID string
	t             testing.TB
}

func newTestIDs(t testing.TB) testIDs {
	t.Helper()
	return testIDs{
		GuildID:       fmt.Sprintf("guild_%s", t.Name()),
		ChannelID:     fmt.Sprintf("channel_%s", t.Name()),
		UserID:        fmt.Sprintf("userid_%s", t.Name()),
		Username:      fmt.Sprintf("user_%s", t.Name()),
		InteractionID: fmt.Sprintf("i_%s", t.Name()),
		t:             t,
	}
}

// commandInteraction returns a guild slash command interaction from the
// test user
func (ids testIDs) commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	ids.t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        ids.InteractionID,
			GuildID:   ids.GuildID,
			ChannelID: ids.ChannelID,
			Member: &discordgo.Member{
				User: &discordgo.User{
					ID:         ids.UserID,
					Username:   ids.Username,
					GlobalName: ids.Username,
				},
			},
			Context: discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        name,
				Options:     options,
			},
		},
	}
}

// componentInteraction returns a button press from the test user
func (ids testIDs) componentInteraction(customID string) *discordgo.InteractionCreate {
	ids.t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionMessageComponent,
			ID:        ids.InteractionID,
			GuildID:   ids.GuildID,
			ChannelID: ids.ChannelID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: ids.UserID, Username: ids.Username},
			},
			Context: discordgo.InteractionContextGuild,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

// mockDiscordSession implements DiscordSessionHandler, recording what the
// bot sends instead of calling Discord
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	opened atomic.Int32
	closed atomic.Int32

	sent          []*discordgo.MessageSend
	edited        []*discordgo.MessageEdit
	created       []discordgo.GuildChannelCreateData
	deleted       []string
	nicknames     map[string]string
	statuses      []discordgo.UpdateStatusData
	identify      discordgo.Identify
	commands      []*discordgo.ApplicationCommand
	responses     []*discordgo.InteractionResponse
	channels      []*discordgo.Channel
	history       map[string][]*discordgo.Message
	guild         *discordgo.Guild
	nicknameErr   error
	channelCreate int

	// nicknameCalls holds the request config each nickname call resolved
	// to, starting from the session defaults
	nicknameCalls []discordgo.RequestConfig
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn}),
		).With(loggerNameKey, "discord_session_handler"),
		nicknames: map[string]string{},
		history:   map[string][]*discordgo.Message{},
	}
}

func (m *mockDiscordSession) Open() error {
	m.opened.Add(1)
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.closed.Add(1)
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, &discordgo.MessageSend{Content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("msg_%d", len(m.sent)),
		ChannelID: channelID,
		Content:   data.Content,
		Embeds:    data.Embeds,
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	e *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edited = append(m.edited, e)
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.Channel(nil), m.channels...), nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelCreate++
	m.created = append(m.created, data)
	ch := &discordgo.Channel{
		ID:       fmt.Sprintf("created_channel_%d", m.channelCreate),
		GuildID:  guildID,
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	m.channels = append(m.channels, ch)
	return ch, nil
}

func (m *mockDiscordSession) GuildWithCounts(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guild == nil {
		return nil, fmt.Errorf("unknown guild: %s", guildID)
	}
	return m.guild, nil
}

func (m *mockDiscordSession) GuildMemberNickname(
	_ string,
	userID string,
	nickname string,
	opts ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := discordgo.RequestConfig{
		Request:                &http.Request{Header: http.Header{}},
		ShouldRetryOnRateLimit: true,
		MaxRestRetries:         3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m.nicknameCalls = append(m.nicknameCalls, cfg)
	if m.nicknameErr != nil {
		return m.nicknameErr
	}
	m.nicknames[userID] = nickname
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: interaction.ID}, nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg := &discordgo.Message{ID: interaction.ID}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{Content: data.Content, Embeds: data.Embeds}, nil
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (m *mockDiscordSession) sentMessages() []*discordgo.MessageSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.MessageSend(nil), m.sent...)
}

func (m *mockDiscordSession) nickname(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nicknames[userID]
	return n, ok
}

// stubInteractionHandler records every response, followup and edit,
// instead of sending them to Discord
type stubInteractionHandler struct {
	GatewayHandler

	mu        *sync.Mutex
	responses *[]*discordgo.InteractionResponse
	followups *[]*discordgo.WebhookParams
	edits     *[]*discordgo.WebhookEdit
}

func newStubInteractionHandler(
	t testing.TB,
	b *Barracks,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		GatewayHandler: GatewayHandler{
			session:     b.discord.session,
			interaction: i,
			config:      b.RuntimeConfig().CommandOptions,
			mu:          &sync.RWMutex{},
			logger:      b.logger.With("test", t.Name()),
		},
		mu:        &sync.Mutex{},
		responses: &[]*discordgo.InteractionResponse{},
		followups: &[]*discordgo.WebhookParams{},
		edits:     &[]*discordgo.WebhookEdit{},
	}
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	r *discordgo.InteractionResponse,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.responses = append(*s.responses, r)
	return nil
}

func (s stubInteractionHandler) Followup(
	_ context.Context,
	params *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.followups = append(*s.followups, params)
	return &discordgo.Message{Content: params.Content, Embeds: params.Embeds}, nil
}

func (s stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.edits = append(*s.edits, e)
	return &discordgo.Message{}, nil
}

func (s stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {}

// lastResponse returns the most recent initial response, failing the
// test if there isn't one
func (s stubInteractionHandler) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, *s.responses, "expected an interaction response")
	return (*s.responses)[len(*s.responses)-1]
}

// lastFollowup returns the most recent followup, failing the test if
// there isn't one
func (s stubInteractionHandler) lastFollowup(t testing.TB) *discordgo.WebhookParams {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, *s.followups, "expected a followup message")
	return (*s.followups)[len(*s.followups)-1]
}

func (s stubInteractionHandler) responseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(*s.responses)
}

// newTestConfig returns a Config using a temporary sqlite database and
// quieter log levels
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.LogLevel.Set(slog.LevelWarn)
	cfg.DatabaseLogLevel.Set(slog.LevelWarn)
	cfg.Identity.LogLevel.Set(slog.LevelWarn)
	cfg.Discord.LogLevel.Set(slog.LevelWarn)
	cfg.Discord.DiscordGoLogLevel.Set(slog.LevelWarn)
	cfg.Discord.WebhookServer.LogLevel.Set(slog.LevelWarn)
	cfg.API.LogLevel.Set(slog.LevelWarn)

	cfg.Discord.Token = fmt.Sprintf("discord_token-%s", t.Name())
	cfg.Discord.ApplicationID = fmt.Sprintf("discord_app_id-%s", t.Name())
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = t.Name()
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	return cfg
}

// newTestBarracks returns a bot with its database and services
// initialized, and a mocked Discord session. Run isn't called.
func newTestBarracks(t testing.TB) (*Barracks, *mockDiscordSession) {
	t.Helper()
	return newTestBarracksWithConfig(t, newTestConfig(t))
}

func newTestBarracksWithConfig(t testing.TB, cfg *Config) (*Barracks, *mockDiscordSession) {
	t.Helper()

	b, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	b.discord.session = session
	b.signalStop = make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, b.initRun(ctx))

	t.Cleanup(
		func() {
			if b.db == nil {
				return
			}
			sqlDB, _ := b.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return b, session
}

// setTestAdmin sets admin credentials on the bot's runtime config,
// completing setup
func setTestAdmin(t testing.TB, b *Barracks, username string, password string) {
	t.Helper()
	hashed, err := HashPassword(password)
	require.NoError(t, err)

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	_, err = b.writeDB.Updates(
		context.Background(),
		b.runtimeConfig,
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	require.NoError(t, err)
	b.runtimeConfig.AdminUsername = username
	b.runtimeConfig.AdminPassword = hashed
	b.pendingSetup.Store(false)
}
