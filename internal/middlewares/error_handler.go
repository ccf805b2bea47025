package middlewares

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/twofactor"
)

// StatusCode maps an error kind to the HTTP status reported for it.
func StatusCode(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, common.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrExpired):
		return fiber.StatusUnauthorized
	case errors.Is(err, common.ErrBlocked):
		return fiber.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, common.ErrRateLimited):
		return fiber.StatusTooManyRequests
	}
	return fiber.StatusInternalServerError
}

func ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code == fiber.StatusInternalServerError {
		slog.Error("unhandled error", "path", ctx.Path(), "code", code, "error", err)
		return ctx.Status(code).JSON(api.NewErrorResponse(code, "Internal server error"))
	}

	var attemptErr *twofactor.AttemptFailError
	if errors.As(err, &attemptErr) {
		detail := api.APIErrorDetail{
			Domain:  "mfa",
			Reason:  string(attemptErr.Reason),
			Message: "attempts left: " + strconv.Itoa(attemptErr.AttemptsLeft),
		}
		return ctx.Status(code).JSON(api.NewErrorResponse(code, "Verification failed", detail))
	}
	return ctx.Status(code).JSON(api.NewErrorResponse(code, err.Error()))
}
