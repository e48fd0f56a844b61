package barracks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnUserID             = "user_id"
	columnCreatedAt          = "created_at"
	columnScheduledEventKind = "kind"
)

// EventKind distinguishes tryouts from trainings
type EventKind string

const (
	EventKindTryout   EventKind = "tryout"
	EventKindTraining EventKind = "training"
)

// UserProfile is the per-user record. Verification and scheduled events
// are stored in their own tables, keyed by UserID.
type UserProfile struct {
	UserID     string `gorm:"primaryKey" json:"user_id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt  int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// Verification links a Discord user to an external identity. There is
// at most one row per user: re-verification overwrites it in place.
//
//nolint:lll // struct tags can't be split
type Verification struct {
	ModelUintID
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"`

	Verified         bool   `json:"verified"`
	ExternalUsername string `json:"external_username"`
	ExternalUserID   int64  `gorm:"index" json:"external_user_id"`

	// RankCode is the structured rank (ex: OR-5)
	RankCode string `json:"rank_code"`

	// RankName is the role name reported by the external group
	RankName   string `json:"rank_name"`
	RankRoleID int    `json:"rank_role_id"`

	VerifiedAt      int64  `json:"verified_at"`
	OriginGuildID   string `json:"origin_guild_id"`
	Nickname        string `json:"nickname"`
	NicknameApplied bool   `json:"nickname_applied"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// Rank parses RankCode, returning false if it's empty or invalid
func (v Verification) Rank() (RankCode, bool) {
	rank, err := ParseRankCode(v.RankCode)
	if err != nil {
		return RankCode{}, false
	}
	return rank, true
}

// ScheduledEvent is a tryout or training hosted by UserID. Events are
// append-only.
type ScheduledEvent struct {
	ModelUintID
	UserID     string    `gorm:"index;not null" json:"user_id"`
	Kind       EventKind `gorm:"index;not null;check:chk_scheduled_event_kind,kind IN ('tryout','training')" json:"kind"`
	Type       string    `json:"type"`
	StartsText string    `json:"starts"`
	PadNumber  int       `json:"pad_number"`
	GuildID    string    `json:"guild_id"`
	ChannelID  string    `json:"channel_id"`
	CreatedAt  int64     `gorm:"autoCreateTime:milli;index" json:"created_at"`
}

// VerificationAttempt is an audit record of a proof submission
type VerificationAttempt struct {
	ModelUintID
	UserID           string `gorm:"index;not null" json:"user_id"`
	ExternalUsername string `json:"external_username"`
	Reverify         bool   `json:"reverify"`
	Outcome          string `json:"outcome"`
	Error            string `json:"error,omitempty"`
	CreatedAt        int64  `gorm:"autoCreateTime:milli;index" json:"created_at"`
}

// Profile aggregates a user's stored records
type Profile struct {
	User         UserProfile      `json:"user"`
	Verification *Verification    `json:"verification,omitempty"`
	Tryouts      []ScheduledEvent `json:"tryouts"`
	Trainings    []ScheduledEvent `json:"trainings"`
}

// IsVerified reports whether the profile has a verified record
func (p Profile) IsVerified() bool {
	return p.Verification != nil && p.Verification.Verified
}

// ProfileStore is the persistence boundary for user profiles. Reads that
// fail return an error wrapping ErrPersistenceUnavailable, which callers
// treat as an empty profile. Writes are scoped to a single user.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetVerification(ctx context.Context, userID string) (*Verification, error)

	// SaveVerification creates or overwrites the user's verification
	SaveVerification(ctx context.Context, user UserProfile, v *Verification) error

	// DeleteVerification removes the user's verification, if any
	DeleteVerification(ctx context.Context, userID string) (bool, error)

	// AppendEvent adds to the user's tryout or training history
	AppendEvent(ctx context.Context, user UserProfile, e *ScheduledEvent) error
	RecentEvents(ctx context.Context, userID string, kind EventKind, limit int) ([]ScheduledEvent, error)

	RecordAttempt(ctx context.Context, a *VerificationAttempt) error
}

type gormProfileStore struct {
	db     DBI
	logger *slog.Logger
}

func NewProfileStore(db DBI, logger *slog.Logger) ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormProfileStore{db: db, logger: logger.With(loggerNameKey, "profile_store")}
}

// userProfileFromDiscord builds a UserProfile from a Discord user
func userProfileFromDiscord(u *discordgo.User) UserProfile {
	if u == nil {
		return UserProfile{}
	}
	return UserProfile{
		UserID:     u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
	}
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceUnavailable, op, err)
}

// verificationUpsertColumns are overwritten when a user verifies again
var verificationUpsertColumns = []string{
	"verified",
	"external_username",
	"external_user_id",
	"rank_code",
	"rank_name",
	"rank_role_id",
	"verified_at",
	"origin_guild_id",
	"nickname",
	"nickname_applied",
	"updated_at",
}

// upsertUser creates the user's profile row, or refreshes its names
func upsertUser(tx *gorm.DB, user UserProfile) error {
	if user.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	return tx.Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "global_name", "updated_at"}),
		},
	).Create(&user).Error
}

func (s *gormProfileStore) GetVerification(ctx context.Context, userID string) (*Verification, error) {
	var v Verification
	err := s.db.DB().WithContext(ctx).Where(columnUserID+" = ?", userID).Take(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		s.logger.ErrorContext(ctx, "error loading verification", columnUserID, userID, tint.Err(err))
		return nil, persistenceError("load verification", err)
	}
	return &v, nil
}

func (s *gormProfileStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	profile := &Profile{User: UserProfile{UserID: userID}}
	db := s.db.DB().WithContext(ctx)

	var user UserProfile
	err := db.Where(columnUserID+" = ?", userID).Take(&user).Error
	switch {
	case err == nil:
		profile.User = user
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		s.logger.ErrorContext(ctx, "error loading profile", columnUserID, userID, tint.Err(err))
		return profile, persistenceError("load profile", err)
	}

	v, err := s.GetVerification(ctx, userID)
	if err != nil {
		return profile, err
	}
	profile.Verification = v

	var events []ScheduledEvent
	if err = db.Where(columnUserID+" = ?", userID).
		Order(columnCreatedAt + " ASC").Order("id ASC").
		Find(&events).Error; err != nil {
		s.logger.ErrorContext(ctx, "error loading events", columnUserID, userID, tint.Err(err))
		return profile, persistenceError("load events", err)
	}
	for _, e := range events {
		switch e.Kind {
		case EventKindTryout:
			profile.Tryouts = append(profile.Tryouts, e)
		case EventKindTraining:
			profile.Trainings = append(profile.Trainings, e)
		}
	}
	return profile, nil
}

func (s *gormProfileStore) SaveVerification(
	ctx context.Context,
	user UserProfile,
	v *Verification,
) error {
	v.UserID = user.UserID
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := upsertUser(tx, user); err != nil {
				return err
			}
			v.ID = 0
			err := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnUserID}},
					DoUpdates: clause.AssignmentColumns(verificationUpsertColumns),
				},
			).Create(v).Error
			if err != nil {
				return err
			}
			var saved Verification
			if err := tx.Where(columnUserID+" = ?", user.UserID).Take(&saved).Error; err != nil {
				return err
			}
			*v = saved
			return nil
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error saving verification", columnUserID, user.UserID, tint.Err(err))
		return persistenceError("save verification", err)
	}
	return nil
}

func (s *gormProfileStore) DeleteVerification(ctx context.Context, userID string) (bool, error) {
	rows, err := s.db.Delete(ctx, &Verification{}, columnUserID+" = ?", userID)
	if err != nil {
		return false, persistenceError("delete verification", err)
	}
	return rows > 0, nil
}

func (s *gormProfileStore) AppendEvent(ctx context.Context, user UserProfile, e *ScheduledEvent) error {
	e.UserID = user.UserID
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := upsertUser(tx, user); err != nil {
				return err
			}
			return tx.Create(e).Error
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error saving event", columnUserID, user.UserID, tint.Err(err))
		return persistenceError("save event", err)
	}
	return nil
}

// RecentEvents returns up to limit of the user's most recent events of
// the given kind, oldest first
func (s *gormProfileStore) RecentEvents(
	ctx context.Context,
	userID string,
	kind EventKind,
	limit int,
) ([]ScheduledEvent, error) {
	var events []ScheduledEvent
	err := s.db.DB().WithContext(ctx).
		Where(columnUserID+" = ? AND "+columnScheduledEventKind+" = ?", userID, kind).
		Order(columnCreatedAt + " DESC").Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		s.logger.ErrorContext(ctx, "error loading events", columnUserID, userID, tint.Err(err))
		return nil, persistenceError("load events", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *gormProfileStore) RecordAttempt(ctx context.Context, a *VerificationAttempt) error {
	if _, err := s.db.Create(ctx, a); err != nil {
		return persistenceError("record attempt", err)
	}
	return nil
}

// verifiedAtTime converts a stored millisecond timestamp
func verifiedAtTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
