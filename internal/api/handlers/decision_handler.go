package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/staging"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

type DecisionHandler struct {
	ledger *staging.Ledger
}

func NewDecisionHandler(ledger *staging.Ledger) *DecisionHandler {
	return &DecisionHandler{
		ledger: ledger,
	}
}

// RecordDecision applies a review verb to a pending candidate. A candidate
// that already left pending yields 409 rather than a silent overwrite.
func (h *DecisionHandler) RecordDecision(c *fiber.Ctx) error {
	var req struct {
		Verb          string `json:"verb"`
		Actor         string `json:"actor"`
		Reason        string `json:"reason"`
		MergeTargetID string `json:"merge_target_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Verb == "" || req.Actor == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Verb and actor are required",
		})
	}

	verb := models.DecisionVerb(req.Verb)
	status, ok := verb.StatusFor()
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown decision verb",
		})
	}

	candidateID := c.Params("id")
	decisionID, err := h.ledger.Decide(c.Context(), candidateID, verb, req.Actor, req.Reason, req.MergeTargetID)
	if err != nil {
		switch {
		case errors.Is(err, sqlite.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		case errors.Is(err, staging.ErrInvalidTransition):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to record decision", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record decision",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"decision_id":  decisionID,
		"candidate_id": candidateID,
		"status":       string(status),
	})
}
