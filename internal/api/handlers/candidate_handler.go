package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/cache/redis"
	"github.com/curator-agent/backend/internal/staging"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/internal/verifier"
	"github.com/curator-agent/backend/pkg/logger"
)

type CandidateHandler struct {
	ledger   *staging.Ledger
	verifier *verifier.Verifier
	cache    *redis.Client
}

// NewCandidateHandler builds the staging API handler. cache may be nil when
// no cache is configured; lineage reports are then recomputed per request.
func NewCandidateHandler(ledger *staging.Ledger, v *verifier.Verifier, cache *redis.Client) *CandidateHandler {
	return &CandidateHandler{
		ledger:   ledger,
		verifier: v,
		cache:    cache,
	}
}

func (h *CandidateHandler) StageCandidate(c *fiber.Ctx) error {
	var req staging.StageInput
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	candidateID, err := h.ledger.Stage(c.Context(), req)
	if err != nil {
		var malformed *staging.MalformedCandidateError
		if errors.As(err, &malformed) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "Malformed candidate",
				"problems": malformed.Problems,
			})
		}
		logger.Error("Failed to stage candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to stage candidate",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"candidate_id": candidateID,
		"status":       string(models.StatusPending),
	})
}

func (h *CandidateHandler) ListCandidates(c *fiber.Ctx) error {
	filter := sqlite.CandidateFilter{
		Status:    models.CandidateStatus(c.Query("status")),
		Kind:      models.CandidateKind(c.Query("kind")),
		Ecosystem: c.Query("ecosystem"),
		Band:      models.ConfidenceBand(c.Query("band")),
		Limit:     c.QueryInt("limit", 100),
	}

	candidates, err := h.ledger.List(c.Context(), filter)
	if err != nil {
		logger.Error("Failed to list candidates", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list candidates",
		})
	}

	items := make([]fiber.Map, 0, len(candidates))
	for i := range candidates {
		items = append(items, candidateResponse(&candidates[i]))
	}

	return c.JSON(fiber.Map{
		"candidates": items,
		"count":      len(items),
	})
}

func (h *CandidateHandler) GetCandidate(c *fiber.Ctx) error {
	cand, err := h.ledger.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		}
		logger.Error("Failed to load candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load candidate",
		})
	}

	return c.JSON(candidateResponse(cand))
}

// GetLineage runs the lineage checks for a candidate and returns the report.
// Reports are cached when a cache is configured; the inputs are immutable so
// a hit is always current. ?refresh=true forces a recompute.
func (h *CandidateHandler) GetLineage(c *fiber.Ctx) error {
	candidateID := c.Params("id")

	if h.cache != nil && !c.QueryBool("refresh") {
		if result, ok, err := h.cache.GetLineage(c.Context(), candidateID); err == nil && ok {
			return c.JSON(lineageResponse(result))
		} else if err != nil {
			logger.Warn("Lineage cache lookup failed", zap.Error(err))
		}
	}

	result, err := h.verifier.Verify(c.Context(), candidateID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		}
		logger.Error("Failed to verify candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to verify candidate",
		})
	}

	if err := h.verifier.Record(c.Context(), result); err != nil {
		logger.Warn("Failed to record lineage report", zap.Error(err))
	}

	if h.cache != nil {
		if err := h.cache.SetLineage(c.Context(), candidateID, result); err != nil {
			logger.Warn("Failed to cache lineage report", zap.Error(err))
		}
	}

	return c.JSON(lineageResponse(result))
}

func (h *CandidateHandler) RestageCandidate(c *fiber.Ctx) error {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Actor == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Actor is required",
		})
	}

	newID, err := h.ledger.Restage(c.Context(), c.Params("id"), req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, sqlite.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		case errors.Is(err, staging.ErrInvalidTransition):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Only candidates in needs_context can be restaged",
			})
		}
		logger.Error("Failed to restage candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to restage candidate",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"candidate_id":  newID,
		"restaged_from": c.Params("id"),
		"status":        string(models.StatusPending),
	})
}

func (h *CandidateHandler) ListDecisions(c *fiber.Ctx) error {
	candidateID := c.Params("id")

	if _, err := h.ledger.Get(c.Context(), candidateID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		}
		logger.Error("Failed to load candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load candidate",
		})
	}

	decisions, err := h.ledger.Decisions(c.Context(), candidateID)
	if err != nil {
		logger.Error("Failed to list decisions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list decisions",
		})
	}

	items := make([]fiber.Map, 0, len(decisions))
	for _, d := range decisions {
		item := fiber.Map{
			"decision_id": d.ID,
			"seq":         d.Seq,
			"verb":        string(d.Verb),
			"actor":       d.Actor,
			"reason":      d.Reason,
			"created_at":  d.CreatedAt,
		}
		if d.MergeTargetID != "" {
			item["merge_target_id"] = d.MergeTargetID
		}
		items = append(items, item)
	}

	return c.JSON(fiber.Map{
		"candidate_id": candidateID,
		"decisions":    items,
	})
}

func candidateResponse(cand *models.Candidate) fiber.Map {
	resp := fiber.Map{
		"candidate_id":      cand.ID,
		"kind":              string(cand.Kind),
		"canonical_key":     cand.CanonicalKey,
		"payload":           cand.Payload,
		"ecosystem":         cand.Ecosystem,
		"confidence_score":  cand.ConfidenceScore,
		"confidence_reason": cand.ConfidenceReason,
		"confidence_band":   string(models.BandForScore(cand.ConfidenceScore)),
		"evidence_type":     string(cand.EvidenceType),
		"snapshot_id":       cand.SnapshotID,
		"evidence_start":    cand.EvidenceStart,
		"evidence_end":      cand.EvidenceEnd,
		"evidence_text":     cand.EvidenceText,
		"evidence_checksum": cand.EvidenceChecksum,
		"status":            string(cand.Status),
		"created_at":        cand.CreatedAt,
	}
	if cand.RestagedFrom != "" {
		resp["restaged_from"] = cand.RestagedFrom
	}
	if cand.PromotedToID != "" {
		resp["promoted_to_entity_id"] = cand.PromotedToID
		resp["promoted_at"] = cand.PromotedAt
		resp["promotion_action"] = string(cand.PromotionAction)
	}
	if cand.PromotionError != "" {
		resp["promotion_error"] = cand.PromotionError
	}
	return resp
}

func lineageResponse(r *models.LineageResult) fiber.Map {
	return fiber.Map{
		"candidate_id":  r.CandidateID,
		"score":         r.Score,
		"checks_passed": r.ChecksPassed,
		"checks_failed": r.ChecksFailed,
		"band_expected": r.BandExpected,
		"created_at":    r.CreatedAt,
	}
}
