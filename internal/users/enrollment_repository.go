package users

import (
	"context"
	"time"

	"github.com/khanghh/kguard/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnrollmentRepository persists MFA enrollments, one row per (user, method).
type EnrollmentRepository interface {
	WithTx(tx *gorm.DB) EnrollmentRepository
	Upsert(ctx context.Context, enrollment *model.MFAEnrollment) error
	Get(ctx context.Context, userID string, method string) (*model.MFAEnrollment, error)
	List(ctx context.Context, userID string) ([]*model.MFAEnrollment, error)
	MarkVerified(ctx context.Context, userID string, method string, at time.Time) (bool, error)
	Delete(ctx context.Context, userID string, method string) (bool, error)
}

type enrollmentRepository struct {
	db *gorm.DB
}

func (r *enrollmentRepository) WithTx(tx *gorm.DB) EnrollmentRepository {
	return NewEnrollmentRepository(tx)
}

// Upsert replaces any previous enrollment for the same (user, method). The
// replacement always starts disabled.
func (r *enrollmentRepository) Upsert(ctx context.Context, enrollment *model.MFAEnrollment) error {
	if enrollment.ID == 0 {
		enrollment.ID = model.GenerateID()
	}
	enrollment.Enabled = false
	enrollment.VerifiedAt = nil
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "method"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret", "enabled", "enrolled_at", "verified_at", "updated_at"}),
		}).
		Create(enrollment).Error
}

func (r *enrollmentRepository) Get(ctx context.Context, userID string, method string) (*model.MFAEnrollment, error) {
	var enrollment model.MFAEnrollment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND method = ?", userID, method).
		First(&enrollment).Error
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func (r *enrollmentRepository) List(ctx context.Context, userID string) ([]*model.MFAEnrollment, error) {
	var enrollments []*model.MFAEnrollment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("method").
		Find(&enrollments).Error
	return enrollments, err
}

func (r *enrollmentRepository) MarkVerified(ctx context.Context, userID string, method string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.MFAEnrollment{}).
		Where("user_id = ? AND method = ? AND enabled = ?", userID, method, false).
		Updates(map[string]interface{}{"enabled": true, "verified_at": at})
	return result.RowsAffected > 0, result.Error
}

func (r *enrollmentRepository) Delete(ctx context.Context, userID string, method string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND method = ?", userID, method).
		Delete(&model.MFAEnrollment{})
	return result.RowsAffected > 0, result.Error
}

func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &enrollmentRepository{db}
}
