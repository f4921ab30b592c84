package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxSnapshotBytes int
	MaxEvidenceBytes int
	Logger           *zap.Logger
}

// Middleware enforces boundary limits before a request body reaches a
// handler. Semantic validation of candidates lives in the staging ledger;
// this layer only rejects bodies that should never be parsed at all.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxSnapshotBytes == 0 {
		cfg.MaxSnapshotBytes = 10 * 1024 * 1024
	}
	if cfg.MaxEvidenceBytes == 0 {
		cfg.MaxEvidenceBytes = 64 * 1024
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "application/json") &&
			!strings.Contains(contentType, "application/octet-stream") {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		if strings.Contains(path, "/api/v1/snapshots") {
			if len(c.Body()) > cfg.MaxSnapshotBytes {
				cfg.Logger.Warn("Snapshot payload too large",
					zap.String("ip", c.IP()),
					zap.Int("size", len(c.Body())),
				)
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Snapshot payload exceeds maximum size",
				})
			}
		}

		if strings.Contains(path, "/api/v1/candidates") && strings.Contains(contentType, "application/json") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			if quote, ok := req["evidence_text"].(string); ok && len(quote) > cfg.MaxEvidenceBytes {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Evidence quote exceeds maximum size",
				})
			}
		}

		return c.Next()
	}
}
