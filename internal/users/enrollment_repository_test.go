package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupEnrollmentRepositoryTest(t *testing.T) EnrollmentRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, model.AutoMigrate(db))
	return NewEnrollmentRepository(db)
}

func TestEnrollmentRepository_UpsertResetsEnabled(t *testing.T) {
	ctx := context.Background()
	repo := setupEnrollmentRepositoryTest(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, &model.MFAEnrollment{UserID: "u1", Method: "totp", Secret: "s1", EnrolledAt: now}))
	updated, err := repo.MarkVerified(ctx, "u1", "totp", now)
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := repo.Get(ctx, "u1", "totp")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.VerifiedAt)

	require.NoError(t, repo.Upsert(ctx, &model.MFAEnrollment{UserID: "u1", Method: "totp", Secret: "s2", EnrolledAt: now.Add(time.Hour)}))
	got, err = repo.Get(ctx, "u1", "totp")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.VerifiedAt)
	assert.Equal(t, "s2", got.Secret)

	list, err := repo.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnrollmentRepository_MarkVerifiedOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupEnrollmentRepositoryTest(t)
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, &model.MFAEnrollment{UserID: "u1", Method: "sms", Secret: "+15550000000", EnrolledAt: now}))
	first, err := repo.MarkVerified(ctx, "u1", "sms", now)
	require.NoError(t, err)
	second, err := repo.MarkVerified(ctx, "u1", "sms", now)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestEnrollmentRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := setupEnrollmentRepositoryTest(t)

	require.NoError(t, repo.Upsert(ctx, &model.MFAEnrollment{UserID: "u1", Method: "email", Secret: "a@b.c", EnrolledAt: time.Now()}))
	require.NoError(t, repo.Upsert(ctx, &model.MFAEnrollment{UserID: "u1", Method: "totp", Secret: "x", EnrolledAt: time.Now()}))

	deleted, err := repo.Delete(ctx, "u1", "email")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.Delete(ctx, "u1", "email")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Get(ctx, "u1", "email")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	list, err := repo.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "totp", list[0].Method)
}
