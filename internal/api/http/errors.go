package httpapi

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/pollen-aggregation/internal/ingest"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// NewErrorHandler maps domain errors onto HTTP statuses with a uniform
// {"error": true, "message": ...} body.
func NewErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx, err error) error {
		code, message := classify(err)
		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
		}
		return c.Status(code).JSON(fiber.Map{
			"error":   true,
			"message": message,
		})
	}
}

func classify(err error) (int, string) {
	var (
		fe *fiber.Error
		ve *pollen.ValidationError
		ue *pollen.UnauthorizedError
		se *pollen.StorageError
		up *pollen.UpstreamError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.As(err, &ve):
		return fiber.StatusBadRequest, ve.Error()
	case errors.As(err, &ue):
		return fiber.StatusUnauthorized, ue.Error()
	case errors.Is(err, pollen.ErrNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, ingest.ErrJobRunning):
		return fiber.StatusConflict, err.Error()
	case errors.As(err, &se):
		return fiber.StatusInternalServerError, "data unavailable"
	case errors.As(err, &up):
		return fiber.StatusBadGateway, up.Error()
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}
