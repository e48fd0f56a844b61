package barracks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

const (
	identityCallResolveUsername = "resolve_username"
	identityCallProfileText     = "profile_text"
	identityCallGroupRoles      = "group_roles"
	identityCallAvatar          = "avatar"

	identityCookieName = ".ROBLOSECURITY"

	// maxIdentityResponseBytes caps how much of a response body is read
	maxIdentityResponseBytes = 1 << 20
)

var errIdentitySessionClosed = errors.New("identity session closed")

// ExternalUser is a user resolved from the identity provider
type ExternalUser struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Handle returns the name to display for the user: the resolved
// username, or the display name if no username is set
func (u ExternalUser) Handle() string {
	if u.Name != "" {
		return u.Name
	}
	return u.DisplayName
}

// GroupRole is a user's role within an external group. RoleID is the
// group-local rank number that [MapExternalRoleToRank] consumes.
type GroupRole struct {
	GroupID  int64  `json:"group_id"`
	RoleID   int    `json:"role_id"`
	RoleName string `json:"role_name"`
}

// IdentityProvider opens sessions against the external identity provider.
type IdentityProvider interface {
	// Configured reports whether a credential is available. When false,
	// verification can't proceed.
	Configured() bool

	// OpenSession returns a session which must be closed by the caller
	OpenSession(ctx context.Context) (IdentitySession, error)
}

// IdentitySession performs lookups against the identity provider.
// Every lookup reports absence (false) on transport errors, non-2xx
// statuses and empty results alike.
type IdentitySession interface {
	ResolveUsername(ctx context.Context, name string) (ExternalUser, bool)
	FetchProfileText(ctx context.Context, externalID int64) (string, bool)
	FetchGroupRole(ctx context.Context, externalID int64, groupID int64) (GroupRole, bool)
	FetchAvatarURL(ctx context.Context, externalID int64) (string, bool)
	Close() error
}

// IdentityAPILog records a single outbound call to the identity provider.
//
//nolint:lll // struct tags can't be split
type IdentityAPILog struct {
	ModelUintID
	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at"`

	Call       string `json:"call" gorm:"index"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	ExternalID *int64 `json:"external_id,omitempty" gorm:"index"`
	StatusCode int    `json:"status_code"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody     string         `json:"request_body" gorm:"type:text"`
	ResponseBody    string         `json:"response_body" gorm:"type:text"`
	ResponseHeaders datatypes.JSON `json:"response_headers"`

	Error string `json:"error" gorm:"type:text"`
}

func (IdentityAPILog) TableName() string {
	return "identity_api_log"
}

// IdentityClient is the HTTP implementation of IdentityProvider.
// All sessions share the same rate limiter.
type IdentityClient struct {
	config     *IdentityConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// db, if set, receives an IdentityAPILog for each call
	db DBI
}

// NewIdentityClient returns a client for the given config. If httpClient
// is nil, each session gets its own client and transport.
func NewIdentityClient(
	config *IdentityConfig,
	httpClient *http.Client,
	db DBI,
	logger *slog.Logger,
) *IdentityClient {
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultIdentityRequestsPerSecond
	}
	burst := config.RequestBurst
	if burst <= 0 {
		burst = DefaultIdentityRequestBurst
	}
	return &IdentityClient{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger.With(loggerNameKey, "identity"),
		db:         db,
	}
}

func (c *IdentityClient) Configured() bool {
	return c.config.Credential != ""
}

func (c *IdentityClient) OpenSession(ctx context.Context) (IdentitySession, error) {
	if !c.Configured() {
		return nil, ErrProviderUnavailable
	}
	httpClient := c.httpClient
	ownsClient := false
	if httpClient == nil {
		transport, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return nil, errors.New("unexpected default transport type")
		}
		httpClient = &http.Client{Transport: transport.Clone()}
		ownsClient = true
	}
	c.logger.DebugContext(ctx, "opened identity session")
	return &identitySession{
		client:     c,
		httpClient: httpClient,
		ownsClient: ownsClient,
	}, nil
}

type identitySession struct {
	client     *IdentityClient
	httpClient *http.Client
	ownsClient bool
	closed     atomic.Bool
}

// Close releases the session's idle connections. It's safe to call
// more than once.
func (s *identitySession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsClient {
		s.httpClient.CloseIdleConnections()
	}
	s.client.logger.Debug("closed identity session")
	return nil
}

type identityRequest struct {
	call       string
	method     string
	url        string
	body       any
	externalID *int64
}

// do performs req and decodes a 2xx JSON response into dst.
// Failures are logged and recorded, and returned so callers can
// collapse them into absence.
func (s *identitySession) do(ctx context.Context, req identityRequest, dst any) error {
	if s.closed.Load() {
		return errIdentitySessionClosed
	}
	cfg := s.client.config
	logger := contextLoggerOr(ctx, s.client.logger).With(
		"call", req.call,
		"url", req.url,
	)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultIdentityRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.client.limiter.Wait(ctx); err != nil {
		logger.WarnContext(ctx, "rate limit wait failed", tint.Err(err))
		return err
	}

	entry := &IdentityAPILog{
		Call:           req.call,
		Method:         req.method,
		URL:            req.url,
		ExternalID:     req.externalID,
		RequestStarted: time.Now().UnixMilli(),
	}
	defer s.record(ctx, logger, entry)

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			entry.Error = err.Error()
			return err
		}
		entry.RequestBody = string(data)
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		entry.Error = err.Error()
		return err
	}
	httpReq.Header.Set("Cookie", fmt.Sprintf("%s=%s", identityCookieName, cfg.Credential))
	httpReq.Header.Set("Accept", "application/json")
	if cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", cfg.UserAgent)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(httpReq)
	entry.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		entry.Error = err.Error()
		logger.WarnContext(ctx, "identity request failed", tint.Err(err))
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	entry.StatusCode = resp.StatusCode
	if headers, e := json.Marshal(resp.Header); e == nil {
		entry.ResponseHeaders = headers
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityResponseBytes))
	if err != nil {
		entry.Error = err.Error()
		return err
	}
	entry.ResponseBody = string(data)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		entry.Error = err.Error()
		logger.WarnContext(ctx, "identity request returned non-success status", "status", resp.StatusCode)
		return err
	}

	if err = json.Unmarshal(data, dst); err != nil {
		entry.Error = err.Error()
		logger.WarnContext(ctx, "error decoding identity response", tint.Err(err))
		return err
	}
	logger.DebugContext(ctx, "identity request completed", "status", resp.StatusCode)
	return nil
}

func (s *identitySession) record(ctx context.Context, logger *slog.Logger, entry *IdentityAPILog) {
	if entry.RequestEnded == 0 {
		entry.RequestEnded = time.Now().UnixMilli()
	}
	db := s.client.db
	if db == nil || !s.client.config.LogCalls {
		return
	}
	if _, err := db.Create(context.WithoutCancel(ctx), entry); err != nil {
		logger.ErrorContext(ctx, "error recording identity call", tint.Err(err))
	}
}

func (s *identitySession) ResolveUsername(ctx context.Context, name string) (ExternalUser, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ExternalUser{}, false
	}
	var result struct {
		Data []ExternalUser `json:"data"`
	}
	err := s.do(
		ctx,
		identityRequest{
			call:   identityCallResolveUsername,
			method: http.MethodPost,
			url:    s.client.config.UsersURL + "/v1/usernames/users",
			body: map[string]any{
				"usernames":          []string{name},
				"excludeBannedUsers": true,
			},
		},
		&result,
	)
	if err != nil || len(result.Data) == 0 || result.Data[0].ID == 0 {
		return ExternalUser{}, false
	}
	user := result.Data[0]
	if user.DisplayName == "" {
		user.DisplayName = user.Name
	}
	return user, true
}

func (s *identitySession) FetchProfileText(ctx context.Context, externalID int64) (string, bool) {
	var result struct {
		Description *string `json:"description"`
	}
	err := s.do(
		ctx,
		identityRequest{
			call:       identityCallProfileText,
			method:     http.MethodGet,
			url:        fmt.Sprintf("%s/v1/users/%d", s.client.config.UsersURL, externalID),
			externalID: &externalID,
		},
		&result,
	)
	if err != nil || result.Description == nil {
		return "", false
	}
	return *result.Description, true
}

func (s *identitySession) FetchGroupRole(
	ctx context.Context,
	externalID int64,
	groupID int64,
) (GroupRole, bool) {
	var result struct {
		Data []struct {
			Group struct {
				ID int64 `json:"id"`
			} `json:"group"`
			Role struct {
				Rank int    `json:"rank"`
				Name string `json:"name"`
			} `json:"role"`
		} `json:"data"`
	}
	err := s.do(
		ctx,
		identityRequest{
			call:       identityCallGroupRoles,
			method:     http.MethodGet,
			url:        fmt.Sprintf("%s/v1/users/%d/groups/roles", s.client.config.GroupsURL, externalID),
			externalID: &externalID,
		},
		&result,
	)
	if err != nil {
		return GroupRole{}, false
	}
	for _, membership := range result.Data {
		if membership.Group.ID == groupID {
			return GroupRole{
				GroupID:  groupID,
				RoleID:   membership.Role.Rank,
				RoleName: membership.Role.Name,
			}, true
		}
	}
	return GroupRole{}, false
}

func (s *identitySession) FetchAvatarURL(ctx context.Context, externalID int64) (string, bool) {
	q := url.Values{}
	q.Set("userIds", strconv.FormatInt(externalID, 10))
	q.Set("size", "420x420")
	q.Set("format", "Png")
	q.Set("isCircular", "false")

	var result struct {
		Data []struct {
			ImageURL string `json:"imageUrl"`
		} `json:"data"`
	}
	err := s.do(
		ctx,
		identityRequest{
			call:       identityCallAvatar,
			method:     http.MethodGet,
			url:        s.client.config.ThumbnailsURL + "/v1/users/avatar-headshot?" + q.Encode(),
			externalID: &externalID,
		},
		&result,
	)
	if err != nil || len(result.Data) == 0 || result.Data[0].ImageURL == "" {
		return "", false
	}
	return result.Data[0].ImageURL, true
}
