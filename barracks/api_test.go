package barracks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiRequest sends a request to the bot's API engine, with the given
// cookies attached
func apiRequest(
	t testing.TB,
	b *Barracks,
	method string,
	path string,
	payload any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.api.engine.ServeHTTP(rec, req)
	return rec
}

// apiLogin sets admin credentials and logs in, returning the session
// cookies
func apiLogin(t testing.TB, b *Barracks) []*http.Cookie {
	t.Helper()
	setTestAdmin(t, b, "admin", "hunter2")
	rec := apiRequest(
		t,
		b,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: "admin", Password: "hunter2"},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func decodeBody[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_Liveness(t *testing.T) {
	b, _ := newTestBarracks(t)
	for _, path := range []string{apiPathRoot, apiPathHealth} {
		rec := apiRequest(t, b, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(
			t,
			livenessResponse{Status: "healthy", Bot: "online"},
			decodeBody[livenessResponse](t, rec),
		)
		assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	b, _ := newTestBarracks(t)
	b.pending.Put(PendingChallenge{UserID: "u1", Code: "ABCDEFGH", IssuedAt: time.Now()})
	require.True(t, b.Pause(context.Background()))

	rec := apiRequest(t, b, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[healthCheckResponse](t, rec)
	assert.True(t, health.Paused)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Equal(t, 1, health.PendingChallenges)
}

func TestAPI_Setup(t *testing.T) {
	b, _ := newTestBarracks(t)

	rec := apiRequest(t, b, http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[setupResponse](t, rec).Required)

	// protected routes are closed until setup is complete
	rec = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathConfig, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = apiRequest(
		t, b, http.MethodPost, apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "pw1", ConfirmPassword: "pw2"},
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(
		t, b, http.MethodPost, apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "hunter2", ConfirmPassword: "hunter2"},
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, b.pendingSetup.Load())

	var stored RuntimeConfig
	require.NoError(t, b.db.Last(&stored).Error)
	assert.Equal(t, "admin", stored.AdminUsername)
	valid, err := VerifyPassword(stored.AdminPassword, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	// setup can't be repeated
	rec = apiRequest(
		t, b, http.MethodPost, apiPathSetup,
		adminSetupPayload{Username: "other", Password: "x", ConfirmPassword: "x"},
	)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Setup_NotReady(t *testing.T) {
	b, err := New(newTestConfig(t))
	require.NoError(t, err)
	b.pendingSetup.Store(true)

	rec := apiRequest(
		t, b, http.MethodPost, apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "hunter2", ConfirmPassword: "hunter2"},
	)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_Login(t *testing.T) {
	b, _ := newTestBarracks(t)
	setTestAdmin(t, b, "admin", "hunter2")

	rec := apiRequest(
		t, b, http.MethodPost, apiPathLogin,
		userLogin{Username: "admin", Password: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// logins are rate limited
	rec = apiRequest(
		t, b, http.MethodPost, apiPathLogin,
		userLogin{Username: "admin", Password: "hunter2"},
	)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAPI_LoggedIn(t *testing.T) {
	b, _ := newTestBarracks(t)
	cookies := apiLogin(t, b)

	rec := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decodeBody[loggedInResponse](t, rec).Username)

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_UpdateRuntimeConfig(t *testing.T) {
	b, session := newTestBarracks(t)
	cookies := apiLogin(t, b)

	rec := apiRequest(
		t, b, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{
			TicketsEnabled:      boolPtr(false),
			DiscordCustomStatus: strPtr("Drilling recruits"),
			LogLevel:            dbLogLevelPtr(DBLogLevelError),
		},
		cookies...,
	)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	updated := b.RuntimeConfig()
	assert.False(t, updated.TicketsEnabled)
	assert.Equal(t, "Drilling recruits", updated.DiscordCustomStatus)
	assert.Equal(t, DBLogLevelError.Level(), b.config.LogLevel.Level())

	var stored RuntimeConfig
	require.NoError(t, b.db.Last(&stored).Error)
	assert.False(t, stored.TicketsEnabled)

	session.mu.Lock()
	require.NotEmpty(t, session.statuses)
	assert.Equal(t, "Drilling recruits", session.statuses[len(session.statuses)-1].Activities[0].Name)
	session.mu.Unlock()

	select {
	case force := <-b.triggerRuntimeConfigRefreshCh:
		assert.True(t, force)
	default:
		t.Fatal("expected a runtime config reload notification")
	}

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathConfig, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[RuntimeConfig](t, rec).TicketsEnabled)
}

func TestAPI_UpdateRuntimeConfig_Invalid(t *testing.T) {
	b, _ := newTestBarracks(t)
	cookies := apiLogin(t, b)

	rec := apiRequest(t, b, http.MethodPatch, apiPrefix+apiPathConfig, RuntimeConfigUpdate{}, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(
		t, b, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{DiscordErrorMessage: strPtr("  ")},
		cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, DefaultDiscordErrorMessage, b.RuntimeConfig().DiscordErrorMessage)
}

func TestAPI_PauseResume(t *testing.T) {
	b, _ := newTestBarracks(t)
	cookies := apiLogin(t, b)

	drain := func() {
		select {
		case <-b.triggerRuntimeConfigRefreshCh:
		default:
		}
	}

	rec := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathPause, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.paused.Load())
	drain()

	rec = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathPause, nil, cookies...)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathResume, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, b.paused.Load())
	drain()

	rec = apiRequest(t, b, http.MethodPost, apiPrefix+apiPathResume, nil, cookies...)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_Profiles(t *testing.T) {
	b, _ := newTestBarracks(t)
	cookies := apiLogin(t, b)
	ctx := context.Background()

	user := UserProfile{UserID: "1001", Username: "recruit"}
	require.NoError(
		t,
		b.profiles.SaveVerification(
			ctx,
			user,
			&Verification{
				Verified:         true,
				ExternalUsername: "RobloxRecruit",
				ExternalUserID:   42,
				RankCode:         "OR-1",
				RankName:         "Recruit",
			},
		),
	)
	require.NoError(t, b.tickets.Create(ctx, &Ticket{ChannelID: "c1", OwnerUserID: "1001", GuildID: "g"}))

	rec := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathProfiles, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	profiles := decodeBody[[]UserProfile](t, rec)
	require.Len(t, profiles, 1)
	assert.Equal(t, "1001", profiles[0].UserID)

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+"/profiles/1001", nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decodeBody[profileDetail](t, rec)
	require.NotNil(t, detail.Verification)
	assert.Equal(t, "OR-1", detail.Verification.RankCode)
	require.Len(t, detail.OpenTickets, 1)
	assert.Equal(t, "c1", detail.OpenTickets[0].ChannelID)

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+"/profiles/missing", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = apiRequest(t, b, http.MethodDelete, apiPrefix+"/profiles/1001/verification", nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	v, err := b.profiles.GetVerification(ctx, "1001")
	require.NoError(t, err)
	assert.Nil(t, v)

	rec = apiRequest(t, b, http.MethodDelete, apiPrefix+"/profiles/1001/verification", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathTickets+"?status=open", nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]Ticket](t, rec), 1)

	rec = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathProfiles+"?limit=1000", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RegisterCommands(t *testing.T) {
	b, session := newTestBarracks(t)
	cookies := apiLogin(t, b)

	rec := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookies...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(applicationCommands()))
}

func TestAPI_Quit(t *testing.T) {
	b, _ := newTestBarracks(t)
	cookies := apiLogin(t, b)

	rec := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathQuit, nil, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-b.signalStop:
	default:
		t.Fatal("expected a stop signal")
	}
}
