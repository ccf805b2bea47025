package model

import "time"

type ThreatEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement:false"` // snowflake id, insertion ordered
	Type        string    `gorm:"size:64;not null;index"`         // brute_force, rate_limit_exceeded...
	Level       string    `gorm:"size:16;not null;index"`         // LOW, MEDIUM, HIGH, CRITICAL
	IP          string    `gorm:"size:45;index"`                  // IPv4/IPv6
	UserID      string    `gorm:"size:64;index"`                  // (optional)
	Details     string    `gorm:"type:text"`                      // json encoded details
	ActionTaken string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"index"`
}

func (ThreatEvent) TableName() string {
	return "threat_event"
}
