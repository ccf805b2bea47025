package model

import (
	"time"
)

type MFAEnrollment struct {
	ID         uint64 `gorm:"primarykey"`
	UserID     string `gorm:"size:64;not null;index:idx_user_method,unique"`
	Method     string `gorm:"size:16;not null;index:idx_user_method,unique"`
	Secret     string `gorm:"size:256;not null"` // sealed totp secret, or the sms/email contact
	Enabled    bool   `gorm:"default:false;not null"`
	EnrolledAt time.Time
	VerifiedAt *time.Time
	UpdatedAt  time.Time
}

func (MFAEnrollment) TableName() string {
	return "mfa_enrollment"
}
