package httpapi

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/pollen-aggregation/internal/cache"
	"github.com/i474232898/pollen-aggregation/internal/observability"
)

const cacheHeader = "X-Cache"

// responseCache serves successful GET responses from c for ttl, keyed by the
// full request URI.
func responseCache(c cache.Cache, ttl time.Duration, metrics *observability.Metrics) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if c == nil || ttl <= 0 || ctx.Method() != fiber.MethodGet {
			return ctx.Next()
		}

		key := strings.Clone(ctx.OriginalURL())
		body, hit, err := c.Get(ctx.UserContext(), key)
		switch {
		case err != nil:
			observeCache(metrics, "error")
		case hit:
			observeCache(metrics, "hit")
			ctx.Set(cacheHeader, "HIT")
			ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return ctx.Send(body)
		default:
			observeCache(metrics, "miss")
		}

		if err := ctx.Next(); err != nil {
			return err
		}
		ctx.Set(cacheHeader, "MISS")
		if ctx.Response().StatusCode() == fiber.StatusOK {
			stored := append([]byte(nil), ctx.Response().Body()...)
			_ = c.Set(ctx.UserContext(), key, stored, ttl)
		}
		return nil
	}
}

func observeCache(m *observability.Metrics, result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}
