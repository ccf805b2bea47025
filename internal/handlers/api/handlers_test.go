package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/reputation"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/internal/twofactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTwoFactorService struct {
	verifyOutcome twofactor.Outcome
	disabled      bool
	calls         []string
}

func (s *fakeTwoFactorService) SetupMFA(ctx context.Context, userID string, method twofactor.Method, contact string) (*twofactor.SetupResult, error) {
	s.calls = append(s.calls, "setup:"+userID+":"+string(method))
	return &twofactor.SetupResult{Method: method, BackupCodes: []string{"ABCDEFGH"}}, nil
}

func (s *fakeTwoFactorService) VerifyMFA(ctx context.Context, userID string, method twofactor.Method, code string) (*twofactor.VerifyResult, error) {
	return &twofactor.VerifyResult{Outcome: s.verifyOutcome}, nil
}

func (s *fakeTwoFactorService) SendChallengeCode(ctx context.Context, userID string, method twofactor.Method) (*twofactor.Dispatch, error) {
	return nil, twofactor.ErrNotEnrolled
}

func (s *fakeTwoFactorService) VerifyBackupCode(ctx context.Context, userID string, code string) (*twofactor.VerifyResult, error) {
	return &twofactor.VerifyResult{Outcome: s.verifyOutcome}, nil
}

func (s *fakeTwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	return []string{"ABCDEFGH", "JKMNPQRS"}, nil
}

func (s *fakeTwoFactorService) DisableMFA(ctx context.Context, userID string, currentCode string) (bool, error) {
	return s.disabled, nil
}

func (s *fakeTwoFactorService) GetMFAStatus(ctx context.Context, userID string) (*twofactor.Status, error) {
	return &twofactor.Status{Enabled: true, BackupCodesRemaining: 9}, nil
}

func (s *fakeTwoFactorService) ValidateToken(ctx context.Context, token string) (*twofactor.TokenClaims, error) {
	if token != "good" {
		return nil, twofactor.ErrTokenInvalid
	}
	return &twofactor.TokenClaims{
		Method: twofactor.MethodTOTP,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Unix(1700000000, 0)),
		},
	}, nil
}

type fakeGuard struct {
	entries  map[string]*reputation.Entry
	filter   threat.Filter
	limit    int
	attempts []defense.LoginAttempt
}

func (g *fakeGuard) CheckRequest(ctx context.Context, ip, endpoint, userID string) (*defense.Decision, error) {
	if _, ok := g.entries[ip]; ok {
		return &defense.Decision{Reason: defense.DecisionBlocked, Entry: g.entries[ip]}, nil
	}
	return &defense.Decision{Allowed: true, Reason: defense.DecisionAllowed}, nil
}

func (g *fakeGuard) RecordLoginAttempt(ctx context.Context, attempt defense.LoginAttempt) (*defense.LoginVerdict, error) {
	g.attempts = append(g.attempts, attempt)
	return &defense.LoginVerdict{Status: defense.StatusAllowed}, nil
}

func (g *fakeGuard) BlacklistIP(ctx context.Context, ip, reason string, ttl time.Duration, notes string) (*reputation.Entry, error) {
	entry := &reputation.Entry{IP: ip, Reason: reason, Notes: notes, Source: reputation.SourceManual}
	if ttl > 0 {
		expiresAt := time.Unix(1700000000, 0).Add(ttl)
		entry.ExpiresAt = &expiresAt
	}
	g.entries[ip] = entry
	return entry, nil
}

func (g *fakeGuard) UnlistIP(ctx context.Context, ip string) error {
	if _, ok := g.entries[ip]; !ok {
		return reputation.ErrNotBlacklisted
	}
	delete(g.entries, ip)
	return nil
}

func (g *fakeGuard) CheckIP(ctx context.Context, ip string) (bool, *reputation.Entry, error) {
	entry, ok := g.entries[ip]
	return ok, entry, nil
}

func (g *fakeGuard) ListBlacklist(ctx context.Context, activeOnly bool) ([]reputation.Entry, error) {
	var list []reputation.Entry
	for _, entry := range g.entries {
		list = append(list, *entry)
	}
	return list, nil
}

func (g *fakeGuard) QueryThreats(ctx context.Context, filter threat.Filter, limit int) []threat.Event {
	g.filter, g.limit = filter, limit
	return nil
}

func (g *fakeGuard) Stats() threat.Stats {
	return threat.Stats{Total: 3}
}

// errorHandler mirrors the status mapping of the server without importing it.
func errorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		code = fiber.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized):
		code = fiber.StatusUnauthorized
	case errors.Is(err, common.ErrNotFound):
		code = fiber.StatusNotFound
	}
	return ctx.Status(code).JSON(NewErrorResponse(code, err.Error()))
}

func newTestApp(tf TwoFactorService, guard SecurityGuard) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	RegisterMFARoutes(app.Group("/mfa"), NewMFAHandler(tf))
	RegisterSecurityRoutes(app.Group("/security"), NewSecurityHandler(guard))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body any) (int, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)

	var out APIResponse
	if resp.StatusCode != fiber.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestMFASetup(t *testing.T) {
	tf := &fakeTwoFactorService{}
	app := newTestApp(tf, &fakeGuard{})

	code, _ := doJSON(t, app, fiber.MethodPost, "/mfa/setup", map[string]string{"userID": "alice", "method": "TOTP"})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, resp := doJSON(t, app, fiber.MethodPost, "/mfa/setup", map[string]string{"userID": "alice", "method": "totp"})
	assert.Equal(t, fiber.StatusCreated, code)
	assert.Equal(t, []string{"setup:alice:totp"}, tf.calls)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "totp", data["method"])

	code, resp = doJSON(t, app, fiber.MethodPost, "/mfa/setup", map[string]string{"method": "totp"})
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Contains(t, resp.Error.Message, "userID is required")
}

func TestMFAVerify(t *testing.T) {
	tf := &fakeTwoFactorService{verifyOutcome: twofactor.Outcome{Reason: twofactor.ReasonExpired}}
	app := newTestApp(tf, &fakeGuard{})
	req := map[string]string{"userID": "alice", "method": "sms", "code": "123456"}

	code, _ := doJSON(t, app, fiber.MethodPost, "/mfa/verify", req)
	assert.Equal(t, fiber.StatusUnauthorized, code)

	tf.verifyOutcome = twofactor.Outcome{Verified: true}
	code, resp := doJSON(t, app, fiber.MethodPost, "/mfa/verify", req)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]any)["verified"])
}

func TestMFAChallengeNotEnrolled(t *testing.T) {
	app := newTestApp(&fakeTwoFactorService{}, &fakeGuard{})

	code, _ := doJSON(t, app, fiber.MethodPost, "/mfa/challenge", map[string]string{"userID": "alice", "method": "email"})
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = doJSON(t, app, fiber.MethodPost, "/mfa/challenge", map[string]string{"userID": "alice", "method": "totp"})
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestMFADisableAndStatus(t *testing.T) {
	tf := &fakeTwoFactorService{}
	app := newTestApp(tf, &fakeGuard{})

	code, _ := doJSON(t, app, fiber.MethodPost, "/mfa/disable", map[string]string{"userID": "alice", "code": "000000"})
	assert.Equal(t, fiber.StatusUnauthorized, code)

	tf.disabled = true
	code, resp := doJSON(t, app, fiber.MethodPost, "/mfa/disable", map[string]string{"userID": "alice", "code": "000000"})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]any)["disabled"])

	code, resp = doJSON(t, app, fiber.MethodGet, "/mfa/status/alice", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.EqualValues(t, 9, resp.Data.(map[string]any)["backupCodesRemaining"])
}

func TestMFAValidateToken(t *testing.T) {
	app := newTestApp(&fakeTwoFactorService{}, &fakeGuard{})

	code, _ := doJSON(t, app, fiber.MethodPost, "/mfa/token/validate", map[string]string{"token": "bad"})
	assert.Equal(t, fiber.StatusUnauthorized, code)

	code, resp := doJSON(t, app, fiber.MethodPost, "/mfa/token/validate", map[string]string{"token": "good"})
	assert.Equal(t, fiber.StatusOK, code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "alice", data["userID"])
	assert.Equal(t, "totp", data["method"])
}

func TestSecurityBlacklistLifecycle(t *testing.T) {
	guard := &fakeGuard{entries: map[string]*reputation.Entry{}}
	app := newTestApp(&fakeTwoFactorService{}, guard)

	code, _ := doJSON(t, app, fiber.MethodPost, "/security/blacklist", map[string]any{"ip": "not-an-ip", "reason": "abuse"})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, resp := doJSON(t, app, fiber.MethodPost, "/security/blacklist", map[string]any{"ip": "203.0.113.9", "reason": "abuse", "ttlSeconds": 3600})
	assert.Equal(t, fiber.StatusCreated, code)
	assert.Equal(t, "203.0.113.9", resp.Data.(map[string]any)["ip"])

	code, resp = doJSON(t, app, fiber.MethodGet, "/security/blacklist/203.0.113.9", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]any)["blacklisted"])

	code, resp = doJSON(t, app, fiber.MethodPost, "/security/check", map[string]string{"ip": "203.0.113.9", "endpoint": "/login"})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, defense.DecisionBlocked, resp.Data.(map[string]any)["reason"])

	code, resp = doJSON(t, app, fiber.MethodGet, "/security/blacklist?active_only=false", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Len(t, resp.Data, 1)

	code, _ = doJSON(t, app, fiber.MethodGet, "/security/blacklist?active_only=maybe", nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = doJSON(t, app, fiber.MethodDelete, "/security/blacklist/203.0.113.9", nil)
	assert.Equal(t, fiber.StatusNoContent, code)

	code, _ = doJSON(t, app, fiber.MethodDelete, "/security/blacklist/203.0.113.9", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestSecurityLoginAttempt(t *testing.T) {
	guard := &fakeGuard{}
	app := newTestApp(&fakeTwoFactorService{}, guard)

	code, resp := doJSON(t, app, fiber.MethodPost, "/security/login-attempts", map[string]any{
		"userID":   "alice",
		"ip":       "198.51.100.7",
		"success":  true,
		"location": map[string]any{"country": "VN"},
	})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, defense.StatusAllowed, resp.Data.(map[string]any)["status"])
	require.Len(t, guard.attempts, 1)
	assert.Equal(t, "VN", guard.attempts[0].Location.Country)
	assert.True(t, guard.attempts[0].Success)
}

func TestSecurityThreatQuery(t *testing.T) {
	guard := &fakeGuard{}
	app := newTestApp(&fakeTwoFactorService{}, guard)

	code, resp := doJSON(t, app, fiber.MethodGet, "/security/threats?type=brute_force&level=CRITICAL&since=2024-03-01T00:00:00Z&limit=5000", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, []any{}, resp.Data)
	assert.Equal(t, "brute_force", guard.filter.Type)
	assert.Equal(t, threat.LevelCritical, guard.filter.Level)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), guard.filter.Since.UTC())
	assert.Equal(t, maxThreatLimit, guard.limit)

	code, _ = doJSON(t, app, fiber.MethodGet, "/security/threats?since=yesterday", nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, resp = doJSON(t, app, fiber.MethodGet, "/security/stats", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.EqualValues(t, 3, resp.Data.(map[string]any)["total"])
}
