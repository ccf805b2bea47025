package middlewares

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/metrics"
)

// RequestMetrics records the latency of every request by route pattern.
func RequestMetrics() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		start := time.Now()
		err := ctx.Next()

		// the error handler runs after the chain returns
		status := ctx.Response().StatusCode()
		if err != nil {
			status = StatusCode(err)
		}
		metrics.APILatency.
			WithLabelValues(ctx.Method(), ctx.Route().Path, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		return err
	}
}
