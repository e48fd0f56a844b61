package barracks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	ErrAlreadyVerified        = errors.New("already verified")
	ErrNoPendingChallenge     = errors.New("no pending challenge")
	ErrNotChallengeOwner      = errors.New("not the challenge owner")
	ErrChallengeExpired       = errors.New("challenge expired")
	ErrProviderUnavailable    = errors.New("identity provider unavailable")
	ErrUnknownExternalUser    = errors.New("unknown external user")
	ErrCodeNotFound           = errors.New("verification code not found in profile")
	ErrNotInGroup             = errors.New("user is not in the group")
	ErrNicknameUpdateFailed   = errors.New("nickname update failed")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

const (
	attemptOutcomeVerified = "verified"
	attemptOutcomePartial  = "partial"
	attemptOutcomeFailed   = "failed"

	// unknownGuildID is recorded as the origin when a challenge is
	// issued outside a guild
	unknownGuildID = "unknown"
)

// PendingChallenge is an issued, unconsumed verification challenge.
// It only exists in memory.
type PendingChallenge struct {
	UserID           string    `json:"user_id"`
	Code             string    `json:"code"`
	IssuedAt         time.Time `json:"issued_at"`
	ExternalUsername string    `json:"external_username"`
	OriginGuildID    string    `json:"origin_guild_id"`
	Reverify         bool      `json:"reverify"`

	user UserProfile
}

func (p PendingChallenge) Deadline(timeout time.Duration) time.Time {
	return p.IssuedAt.Add(timeout)
}

// PendingChallengeStore holds at most one challenge per user
type PendingChallengeStore interface {
	// Put stores c, replacing any challenge already held for c.UserID
	Put(c PendingChallenge)
	Get(userID string) (PendingChallenge, bool)

	// Consume removes the user's challenge only if its code matches, so
	// a newer challenge issued concurrently isn't discarded
	Consume(userID string, code string) bool
	Len() int
}

type pendingChallenges struct {
	mu         sync.Mutex
	challenges map[string]PendingChallenge
}

func NewPendingChallengeStore() PendingChallengeStore {
	return &pendingChallenges{challenges: map[string]PendingChallenge{}}
}

func (p *pendingChallenges) Put(c PendingChallenge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[c.UserID] = c
}

func (p *pendingChallenges) Get(userID string) (PendingChallenge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.challenges[userID]
	return c, ok
}

func (p *pendingChallenges) Consume(userID string, code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.challenges[userID]
	if !ok || c.Code != code {
		return false
	}
	delete(p.challenges, userID)
	return true
}

func (p *pendingChallenges) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.challenges)
}

// NicknameSetter applies a nickname to a guild member
type NicknameSetter interface {
	SetNickname(ctx context.Context, guildID string, userID string, nickname string) error
}

// ChallengeRequest starts verification for a user
type ChallengeRequest struct {
	User             UserProfile
	ExternalUsername string
	GuildID          string

	// Reverify skips the already-verified check
	Reverify bool
}

// VerificationResult describes a successful, or partially successful,
// proof submission.
type VerificationResult struct {
	ExternalUser    ExternalUser  `json:"external_user"`
	Role            GroupRole     `json:"role"`
	Rank            RankCode      `json:"rank"`
	DisplayName     string        `json:"display_name"`
	NicknameUpdated bool          `json:"nickname_updated"`
	NicknameError   error         `json:"-"`
	Persisted       bool          `json:"persisted"`
	Verification    *Verification `json:"verification,omitempty"`
}

type VerificationCoordinatorConfig struct {
	CodeLength       int
	ChallengeTimeout time.Duration
	GroupID          int64
}

// VerificationCoordinator runs the challenge/response protocol: it
// issues a code, and on submission confirms the code appears in the
// claimed external profile, looks up the user's group role, applies
// the resulting rank nickname and persists the outcome.
type VerificationCoordinator struct {
	config    VerificationCoordinatorConfig
	provider  IdentityProvider
	store     ProfileStore
	nicknames NicknameSetter
	pending   PendingChallengeStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewVerificationCoordinator(
	config VerificationCoordinatorConfig,
	provider IdentityProvider,
	store ProfileStore,
	nicknames NicknameSetter,
	pending PendingChallengeStore,
	logger *slog.Logger,
) *VerificationCoordinator {
	if config.CodeLength <= 0 {
		config.CodeLength = DefaultVerificationCodeLength
	}
	if config.ChallengeTimeout <= 0 {
		config.ChallengeTimeout = DefaultVerificationChallengeTimeout
	}
	if pending == nil {
		pending = NewPendingChallengeStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationCoordinator{
		config:    config,
		provider:  provider,
		store:     store,
		nicknames: nicknames,
		pending:   pending,
		logger:    logger.With(loggerNameKey, "verification"),
		now:       time.Now,
	}
}

func (v *VerificationCoordinator) ChallengeTimeout() time.Duration {
	return v.config.ChallengeTimeout
}

func (v *VerificationCoordinator) GroupID() int64 {
	return v.config.GroupID
}

// Pending returns the user's outstanding challenge, if any
func (v *VerificationCoordinator) Pending(userID string) (PendingChallenge, bool) {
	return v.pending.Get(userID)
}

// IssueChallenge generates a new code for the user, replacing any
// challenge already pending. Unless req.Reverify is set, it fails with
// ErrAlreadyVerified when the user already has a verified record.
func (v *VerificationCoordinator) IssueChallenge(
	ctx context.Context,
	req ChallengeRequest,
) (PendingChallenge, time.Time, error) {
	logger := contextLoggerOr(ctx, v.logger)

	username := strings.TrimSpace(req.ExternalUsername)
	switch {
	case req.User.UserID == "":
		return PendingChallenge{}, time.Time{}, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	case username == "":
		return PendingChallenge{}, time.Time{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	case len([]rune(username)) > maxExternalUsernameLength:
		return PendingChallenge{}, time.Time{}, fmt.Errorf(
			"%w: username must be at most %d characters",
			ErrInvalidInput,
			maxExternalUsernameLength,
		)
	}

	if !req.Reverify {
		existing, err := v.store.GetVerification(ctx, req.User.UserID)
		if err != nil {
			// an unreadable store is treated as empty
			logger.WarnContext(ctx, "unable to check existing verification", tint.Err(err))
		} else if existing != nil && existing.Verified {
			return PendingChallenge{}, time.Time{}, ErrAlreadyVerified
		}
	}

	code, err := generateChallengeCode(v.config.CodeLength)
	if err != nil {
		return PendingChallenge{}, time.Time{}, err
	}

	guildID := req.GuildID
	if guildID == "" {
		guildID = unknownGuildID
	}
	challenge := PendingChallenge{
		UserID:           req.User.UserID,
		Code:             code,
		IssuedAt:         v.now(),
		ExternalUsername: username,
		OriginGuildID:    guildID,
		Reverify:         req.Reverify,
		user:             req.User,
	}
	v.pending.Put(challenge)

	logger.InfoContext(
		ctx,
		"issued verification challenge",
		columnUserID, challenge.UserID,
		"external_username", username,
		"reverify", req.Reverify,
	)
	return challenge, challenge.Deadline(v.config.ChallengeTimeout), nil
}

// SubmitProof checks ownerID's pending challenge on behalf of actorID.
//
// Failures resolving the user, finding the code or finding the group
// role leave the challenge pending, so the user can fix their profile
// and try again before it expires.
//
// A non-nil result is returned alongside ErrNicknameUpdateFailed or
// ErrPersistenceUnavailable, for partial success.
func (v *VerificationCoordinator) SubmitProof(
	ctx context.Context,
	actorID string,
	ownerID string,
) (*VerificationResult, error) {
	logger := contextLoggerOr(ctx, v.logger).With(columnUserID, ownerID)

	if actorID != ownerID {
		return nil, ErrNotChallengeOwner
	}

	challenge, ok := v.pending.Get(ownerID)
	if !ok {
		return nil, ErrNoPendingChallenge
	}

	if v.now().Sub(challenge.IssuedAt) > v.config.ChallengeTimeout {
		v.pending.Consume(ownerID, challenge.Code)
		v.recordAttempt(ctx, challenge, attemptOutcomeFailed, ErrChallengeExpired)
		return nil, ErrChallengeExpired
	}

	if v.provider == nil || !v.provider.Configured() {
		return nil, ErrProviderUnavailable
	}

	result, err := v.checkProof(ctx, challenge)
	if err != nil {
		logger.InfoContext(ctx, "verification failed", tint.Err(err))
		v.recordAttempt(ctx, challenge, attemptOutcomeFailed, err)
		return nil, err
	}

	result.DisplayName = FormatDisplayName(result.Rank, result.ExternalUser.Handle())

	var errs []error
	if v.nicknames == nil {
		result.NicknameError = errors.New("no nickname setter configured")
	} else {
		result.NicknameError = v.nicknames.SetNickname(
			ctx,
			challenge.OriginGuildID,
			ownerID,
			result.DisplayName,
		)
	}
	if result.NicknameError != nil {
		logger.WarnContext(ctx, "unable to update nickname", tint.Err(result.NicknameError))
		errs = append(errs, fmt.Errorf("%w: %w", ErrNicknameUpdateFailed, result.NicknameError))
	} else {
		result.NicknameUpdated = true
	}

	record := &Verification{
		Verified:         true,
		ExternalUsername: result.ExternalUser.Handle(),
		ExternalUserID:   result.ExternalUser.ID,
		RankCode:         result.Rank.String(),
		RankName:         result.Role.RoleName,
		RankRoleID:       result.Role.RoleID,
		VerifiedAt:       v.now().UTC().UnixMilli(),
		OriginGuildID:    challenge.OriginGuildID,
		Nickname:         result.DisplayName,
		NicknameApplied:  result.NicknameUpdated,
	}
	user := challenge.user
	if user.UserID == "" {
		user.UserID = ownerID
	}
	if err = v.store.SaveVerification(ctx, user, record); err != nil {
		errs = append(errs, err)
	} else {
		result.Persisted = true
		result.Verification = record
	}

	v.pending.Consume(ownerID, challenge.Code)

	outcome := attemptOutcomeVerified
	err = errors.Join(errs...)
	if err != nil {
		outcome = attemptOutcomePartial
	}
	v.recordAttempt(ctx, challenge, outcome, err)

	logger.InfoContext(
		ctx,
		"verification completed",
		"external_user_id", result.ExternalUser.ID,
		"rank", result.Rank.String(),
		"nickname_updated", result.NicknameUpdated,
		"persisted", result.Persisted,
	)
	return result, err
}

// checkProof runs the identity provider lookups for a challenge
func (v *VerificationCoordinator) checkProof(
	ctx context.Context,
	challenge PendingChallenge,
) (*VerificationResult, error) {
	session, err := v.provider.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer func() {
		if e := session.Close(); e != nil {
			v.logger.WarnContext(ctx, "error closing identity session", tint.Err(e))
		}
	}()

	user, ok := session.ResolveUsername(ctx, challenge.ExternalUsername)
	if !ok {
		return nil, ErrUnknownExternalUser
	}

	text, ok := session.FetchProfileText(ctx, user.ID)
	if !ok || !strings.Contains(text, challenge.Code) {
		return nil, ErrCodeNotFound
	}

	role, ok := session.FetchGroupRole(ctx, user.ID, v.config.GroupID)
	if !ok {
		return nil, ErrNotInGroup
	}

	return &VerificationResult{
		ExternalUser: user,
		Role:         role,
		Rank:         MapExternalRoleToRank(role.RoleID),
	}, nil
}

func (v *VerificationCoordinator) recordAttempt(
	ctx context.Context,
	challenge PendingChallenge,
	outcome string,
	err error,
) {
	attempt := &VerificationAttempt{
		UserID:           challenge.UserID,
		ExternalUsername: challenge.ExternalUsername,
		Reverify:         challenge.Reverify,
		Outcome:          outcome,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	if e := v.store.RecordAttempt(context.WithoutCancel(ctx), attempt); e != nil {
		v.logger.WarnContext(ctx, "unable to record verification attempt", tint.Err(e))
	}
}
