package api

import (
	"context"
	"time"

	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/reputation"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/internal/twofactor"
)

type TwoFactorService interface {
	SetupMFA(ctx context.Context, userID string, method twofactor.Method, contact string) (*twofactor.SetupResult, error)
	VerifyMFA(ctx context.Context, userID string, method twofactor.Method, code string) (*twofactor.VerifyResult, error)
	SendChallengeCode(ctx context.Context, userID string, method twofactor.Method) (*twofactor.Dispatch, error)
	VerifyBackupCode(ctx context.Context, userID string, code string) (*twofactor.VerifyResult, error)
	RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error)
	DisableMFA(ctx context.Context, userID string, currentCode string) (bool, error)
	GetMFAStatus(ctx context.Context, userID string) (*twofactor.Status, error)
	ValidateToken(ctx context.Context, token string) (*twofactor.TokenClaims, error)
}

type SecurityGuard interface {
	CheckRequest(ctx context.Context, ip, endpoint, userID string) (*defense.Decision, error)
	RecordLoginAttempt(ctx context.Context, attempt defense.LoginAttempt) (*defense.LoginVerdict, error)
	BlacklistIP(ctx context.Context, ip, reason string, ttl time.Duration, notes string) (*reputation.Entry, error)
	UnlistIP(ctx context.Context, ip string) error
	CheckIP(ctx context.Context, ip string) (bool, *reputation.Entry, error)
	ListBlacklist(ctx context.Context, activeOnly bool) ([]reputation.Entry, error)
	QueryThreats(ctx context.Context, filter threat.Filter, limit int) []threat.Event
	Stats() threat.Stats
}
