package handlers

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/evidence"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

type SnapshotHandler struct {
	store *evidence.Store
}

func NewSnapshotHandler(store *evidence.Store) *SnapshotHandler {
	return &SnapshotHandler{
		store: store,
	}
}

// CaptureSnapshot stores a raw capture. The payload arrives base64-encoded
// so arbitrary bytes survive JSON transport unchanged.
func (h *SnapshotHandler) CaptureSnapshot(c *fiber.Ctx) error {
	var req struct {
		Origin  string `json:"origin"`
		Payload string `json:"payload"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Origin == "" || req.Payload == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Origin and payload are required",
		})
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Payload must be valid base64",
		})
	}

	snapshotID, err := h.store.Put(c.Context(), req.Origin, payload)
	if err != nil {
		logger.Error("Failed to store snapshot", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store snapshot",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"snapshot_id": snapshotID,
	})
}

func (h *SnapshotHandler) GetSnapshot(c *fiber.Ctx) error {
	snapshot, err := h.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Snapshot not found",
			})
		}
		logger.Error("Failed to load snapshot", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load snapshot",
		})
	}

	return c.JSON(fiber.Map{
		"snapshot_id":  snapshot.ID,
		"origin":       snapshot.Origin,
		"content_hash": snapshot.ContentHash,
		"payload":      base64.StdEncoding.EncodeToString(snapshot.Payload),
		"captured_at":  snapshot.CapturedAt,
	})
}
