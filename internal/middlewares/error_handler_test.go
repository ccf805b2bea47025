package middlewares

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/twofactor"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{twofactor.ErrInvalidCode, fiber.StatusBadRequest},
		{fmt.Errorf("%w: bad", common.ErrInvalidInput), fiber.StatusBadRequest},
		{twofactor.ErrNotEnrolled, fiber.StatusNotFound},
		{twofactor.ErrTokenInvalid, fiber.StatusUnauthorized},
		{common.ErrExpired, fiber.StatusUnauthorized},
		{&twofactor.AttemptFailError{Reason: twofactor.ReasonExpired}, fiber.StatusUnauthorized},
		{defense.ErrIPBlocked, fiber.StatusForbidden},
		{defense.ErrRequestRateLimited, fiber.StatusTooManyRequests},
		{fiber.ErrMethodNotAllowed, fiber.StatusMethodNotAllowed},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, StatusCode(tt.err), tt.err.Error())
	}
}

func TestErrorHandlerResponse(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/fail", func(ctx *fiber.Ctx) error {
		return &twofactor.AttemptFailError{Reason: twofactor.ReasonInvalidCode, AttemptsLeft: 2}
	})
	app.Get("/panic", func(ctx *fiber.Ctx) error {
		return errors.New("database is gone")
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/fail", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	var body api.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, api.APIVersion, body.APIVersion)
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "invalid_code", body.Error.Errors[0].Reason)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/panic", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	body = api.APIResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Internal server error", body.Error.Message)
}

func TestRequestMetrics(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(RequestMetrics())
	app.Get("/items/:id", func(ctx *fiber.Ctx) error {
		if ctx.Params("id") == "missing" {
			return common.ErrNotFound
		}
		return ctx.SendString("ok")
	})

	for _, target := range []string{"/items/1", "/items/missing"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, target, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.EqualValues(t, 1, latencySamples(t, "200"))
	assert.EqualValues(t, 1, latencySamples(t, "404"))
}

func latencySamples(t *testing.T, status string) uint64 {
	t.Helper()
	var m dto.Metric
	observer := metrics.APILatency.WithLabelValues(fiber.MethodGet, "/items/:id", status)
	require.NoError(t, observer.(prometheus.Histogram).Write(&m))
	return m.GetHistogram().GetSampleCount()
}
