package httpapi

import (
	"crypto/subtle"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

const ingestTokenHeader = "x-ingest-token"

func tokenMatches(configured, provided string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

// requireIngestToken admits requests carrying the shared secret in the
// x-ingest-token header. An unset secret rejects everything.
func requireIngestToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !tokenMatches(token, c.Get(ingestTokenHeader)) {
			return &pollen.UnauthorizedError{Reason: "missing or invalid ingest token"}
		}
		return c.Next()
	}
}

// requireCronOrToken admits scheduler calls (any configured trust header
// present) and callers with the token in the header or the token query.
func requireCronOrToken(token string, cronHeaders []string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, h := range cronHeaders {
			if c.Get(h) != "" {
				return c.Next()
			}
		}
		if tokenMatches(token, c.Get(ingestTokenHeader)) || tokenMatches(token, c.Query("token")) {
			return c.Next()
		}
		logger.Warn("unauthorized cron request",
			"path", c.Path(),
			"envTokenPresent", token != "",
			"tokenProvided", c.Get(ingestTokenHeader) != "" || c.Query("token") != "")
		return &pollen.UnauthorizedError{Reason: "not a scheduler call and no valid token"}
	}
}
