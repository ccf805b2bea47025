package guard

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	decision  *defense.Decision
	endpoints []string
	userIDs   []string
}

func (c *stubChecker) CheckRequest(ctx context.Context, ip, endpoint, userID string) (*defense.Decision, error) {
	c.endpoints = append(c.endpoints, endpoint)
	c.userIDs = append(c.userIDs, userID)
	return c.decision, nil
}

func newTestApp(checker RequestChecker) *fiber.App {
	app := fiber.New()
	checkRequest := New(Config{Checker: checker, ExcludePaths: []string{"/public/*"}})
	handler := func(ctx *fiber.Ctx) error { return ctx.SendString("ok") }
	app.Get("/private", checkRequest, handler)
	app.Get("/public/info", checkRequest, handler)
	app.Group("/mfa").Get("/status/:userID", checkRequest, handler)
	return app
}

func TestGuardAllowsAndSetsHeaders(t *testing.T) {
	checker := &stubChecker{decision: &defense.Decision{
		Allowed:   true,
		Reason:    defense.DecisionAllowed,
		RateLimit: &ratelimit.Result{Allowed: true, Limit: 10, Remaining: 9, ResetAt: time.Unix(1700000000, 0)},
	}}
	app := newTestApp(checker)

	req := httptest.NewRequest(fiber.MethodGet, "/private", nil)
	req.Header.Set(DefaultUserIDHeader, "alice")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", resp.Header.Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"/private"}, checker.endpoints)
	assert.Equal(t, []string{"alice"}, checker.userIDs)
}

func TestGuardRejects(t *testing.T) {
	checker := &stubChecker{decision: &defense.Decision{Reason: defense.DecisionBlocked}}
	app := newTestApp(checker)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/private", nil))
	require.NoError(t, err)
	assert.NotEqual(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/public/info", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, checker.endpoints, 1)
}

func TestGuardKeysByRoutePattern(t *testing.T) {
	checker := &stubChecker{decision: &defense.Decision{Allowed: true, Reason: defense.DecisionAllowed}}
	app := newTestApp(checker)

	for _, userID := range []string{"alice", "bob", "carol"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/mfa/status/"+userID, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/mfa/unknown/path", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	assert.Equal(t, []string{"/mfa/status/:userID", "/mfa/status/:userID", "/mfa/status/:userID"}, checker.endpoints)
}
