package threat

import "time"

type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

const (
	TypeBruteForce        = "brute_force"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeAnomalousLogin    = "anomalous_login"
	TypeManualBlacklist   = "manual_blacklist"
	TypeManualUnlist      = "manual_unlist"
)

const (
	ActionBlacklisted    = "ip_blacklisted"
	ActionUnlisted       = "ip_unlisted"
	ActionBlocked        = "request_blocked"
	ActionRequireMFA     = "require_mfa"
	ActionLogAndMonitor  = "log_and_monitor"
	ActionBlockAndNotify = "block_and_notify"
)

// Event is immutable once appended.
type Event struct {
	ID          uint64         `json:"id,string"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Level       Level          `json:"level"`
	IP          string         `json:"ip,omitempty"`
	UserID      string         `json:"userID,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ActionTaken string         `json:"actionTaken,omitempty"`
}

type Filter struct {
	Type   string
	Level  Level
	IP     string
	UserID string
	Since  time.Time
}

func (f *Filter) Match(e *Event) bool {
	switch {
	case f.Type != "" && f.Type != e.Type:
		return false
	case f.Level != "" && f.Level != e.Level:
		return false
	case f.IP != "" && f.IP != e.IP:
		return false
	case f.UserID != "" && f.UserID != e.UserID:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}

type Stats struct {
	Total   int64            `json:"total"`
	Stored  int              `json:"stored"`
	ByType  map[string]int64 `json:"byType"`
	ByLevel map[Level]int64  `json:"byLevel"`
}
