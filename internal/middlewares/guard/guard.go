// Package guard rejects requests from rate limited or blacklisted addresses.
package guard

import (
	"context"
	"path"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/defense"
)

const DefaultUserIDHeader = "X-User-ID"

type RequestChecker interface {
	CheckRequest(ctx context.Context, ip, endpoint, userID string) (*defense.Decision, error)
}

type Config struct {
	Checker      RequestChecker
	ExcludePaths []string
	UserIDHeader string
}

func setRateLimitHeaders(ctx *fiber.Ctx, decision *defense.Decision) {
	res := decision.RateLimit
	if res == nil {
		return
	}
	ctx.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	ctx.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	ctx.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// New returns a handler that checks every request against config.Checker.
// Requests are keyed by the matched route pattern, so the handler belongs in
// a route's handler chain rather than in Use.
func New(config Config) fiber.Handler {
	if config.UserIDHeader == "" {
		config.UserIDHeader = DefaultUserIDHeader
	}
	return func(ctx *fiber.Ctx) error {
		for _, p := range config.ExcludePaths {
			if ok, _ := path.Match(p, ctx.Path()); ok {
				return ctx.Next()
			}
		}

		endpoint := ctx.Route().Path
		decision, err := config.Checker.CheckRequest(ctx.Context(), ctx.IP(), endpoint, ctx.Get(config.UserIDHeader))
		if err != nil {
			return err
		}
		setRateLimitHeaders(ctx, decision)
		if !decision.Allowed {
			return decision.Err()
		}
		return ctx.Next()
	}
}
