package ratelimit

import (
	"fmt"
	"strconv"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"

	"github.com/example/chat-delivery/metrics"
)

// KeyFunc picks the budget a request is charged to. An empty key falls back
// to the client IP.
type KeyFunc func(c *fiber.Ctx) string

// Middleware rejects requests over the limit with 429. Limiter errors let the
// request through so a Redis outage does not take the API down with it.
func Middleware(l Limiter, key KeyFunc, m *metrics.Metrics, logger types.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		k := key(c)
		if k == "" {
			k = "ip:" + c.IP()
		}

		res, err := l.Allow(c.UserContext(), k)
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request", "key", k, "error", err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			if m != nil {
				m.RequestsLimited.Inc()
			}
			return tooManyRequests(c, res)
		}
		return c.Next()
	}
}

func tooManyRequests(c *fiber.Ctx, res *Result) error {
	retryAfter := int(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "RATE_LIMITED",
		"message":     fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", retryAfter),
		"retry_after": retryAfter,
	})
}
