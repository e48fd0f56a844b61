package barracks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProfileStore_EmptyProfile(t *testing.T) {
	t.Parallel()
	store := NewProfileStore(newTestDatabase(t), nil)

	p, err := store.GetProfile(context.Background(), t.Name())
	require.NoError(t, err)
	assert.Equal(t, t.Name(), p.User.UserID)
	assert.False(t, p.IsVerified())
	assert.Empty(t, p.Tryouts)
	assert.Empty(t, p.Trainings)

	v, err := store.GetVerification(context.Background(), t.Name())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestProfileStore_SaveVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	store := NewProfileStore(db, nil)
	user := userProfileFromDiscord(
		&discordgo.User{ID: t.Name(), Username: "smith", GlobalName: "John"},
	)

	require.NoError(
		t,
		store.SaveVerification(
			ctx,
			user,
			&Verification{Verified: true, ExternalUsername: "Smith", RankCode: "OR-5"},
		),
	)
	user.GlobalName = "Johnny"
	require.NoError(
		t,
		store.SaveVerification(
			ctx,
			user,
			&Verification{Verified: true, ExternalUsername: "Smith", RankCode: "OF-2"},
		),
	)

	var count int64
	require.NoError(t, db.DB().Model(&Verification{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	p, err := store.GetProfile(ctx, t.Name())
	require.NoError(t, err)
	require.True(t, p.IsVerified())
	assert.Equal(t, "Johnny", p.User.GlobalName)
	assert.Equal(t, "smith", p.User.Username)

	rank, ok := p.Verification.Rank()
	require.True(t, ok)
	assert.Equal(t, RankCode{Tier: RankTierOfficer, Level: 2}, rank)

	deleted, err := store.DeleteVerification(ctx, t.Name())
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteVerification(ctx, t.Name())
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestProfileStore_SaveVerification_ConcurrentFirstSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gdb := setupTestDB(t)
	store := NewProfileStore(NewDatabase(gdb, nil, true), nil)
	user := userProfileFromDiscord(&discordgo.User{ID: t.Name(), Username: "smith"})

	// another writer commits the user's first verification between
	// the store's transaction starting and its insert
	var raced atomic.Bool
	require.NoError(
		t,
		gdb.Callback().Create().Before("gorm:create").Register(
			"barracks:competing_verification",
			func(tx *gorm.DB) {
				if tx.Statement.Schema == nil || tx.Statement.Schema.Table != "verifications" {
					return
				}
				if !raced.CompareAndSwap(false, true) {
					return
				}
				_, err := tx.Statement.ConnPool.ExecContext(
					tx.Statement.Context,
					"INSERT INTO verifications (user_id, verified, external_username, rank_code, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
					user.UserID, true, "Other", "OR-1", 1000, 1000,
				)
				require.NoError(t, err)
			},
		),
	)

	v := &Verification{Verified: true, ExternalUsername: "Smith", RankCode: "OR-5"}
	require.NoError(t, store.SaveVerification(ctx, user, v))
	require.True(t, raced.Load())

	var rows []Verification
	require.NoError(t, gdb.Where(columnUserID+" = ?", user.UserID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "Smith", rows[0].ExternalUsername)
	assert.Equal(t, "OR-5", rows[0].RankCode)
	assert.Equal(t, int64(1000), rows[0].CreatedAt)

	assert.Equal(t, rows[0].ID, v.ID)
	assert.Equal(t, int64(1000), v.CreatedAt)
}

func TestProfileStore_SaveVerification_MissingUser(t *testing.T) {
	t.Parallel()
	store := NewProfileStore(newTestDatabase(t), nil)
	err := store.SaveVerification(context.Background(), UserProfile{}, &Verification{})
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProfileStore_Events(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewProfileStore(newTestDatabase(t), nil)
	user := UserProfile{UserID: t.Name()}

	for i := 1; i <= 7; i++ {
		require.NoError(
			t,
			store.AppendEvent(
				ctx,
				user,
				&ScheduledEvent{
					Kind:       EventKindTryout,
					Type:       fmt.Sprintf("tryout %d", i),
					StartsText: "now",
					PadNumber:  i,
				},
			),
		)
	}
	require.NoError(
		t,
		store.AppendEvent(ctx, user, &ScheduledEvent{Kind: EventKindTraining, Type: "drill"}),
	)

	recent, err := store.RecentEvents(ctx, t.Name(), EventKindTryout, DefaultScheduleHistorySize)
	require.NoError(t, err)
	require.Len(t, recent, DefaultScheduleHistorySize)
	assert.Equal(t, "tryout 3", recent[0].Type)
	assert.Equal(t, "tryout 7", recent[len(recent)-1].Type)

	p, err := store.GetProfile(ctx, t.Name())
	require.NoError(t, err)
	assert.Len(t, p.Tryouts, 7)
	require.Len(t, p.Trainings, 1)
	assert.Equal(t, "drill", p.Trainings[0].Type)
}

func TestProfileStore_ReadFailure(t *testing.T) {
	t.Parallel()
	db := newTestDatabase(t)
	store := NewProfileStore(db, nil)
	sqlDB, err := db.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	p, err := store.GetProfile(context.Background(), t.Name())
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	require.NotNil(t, p)
	assert.False(t, p.IsVerified())
}
