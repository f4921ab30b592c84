package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/graph/neo4j"
	"github.com/curator-agent/backend/internal/promotion"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

type PromotionHandler struct {
	engine    *promotion.Engine
	db        *sqlite.Client
	graph     *neo4j.Client
	chunkSize int
}

// NewPromotionHandler builds the handler. graph may be nil when the mirror
// is disabled; the neighbors endpoint then reports it as unavailable.
func NewPromotionHandler(engine *promotion.Engine, db *sqlite.Client, graph *neo4j.Client, chunkSize int) *PromotionHandler {
	return &PromotionHandler{
		engine:    engine,
		db:        db,
		graph:     graph,
		chunkSize: chunkSize,
	}
}

// PromoteCandidate promotes one accepted candidate. Re-promoting an already
// promoted candidate returns skipped with the existing entity id.
func (h *PromotionHandler) PromoteCandidate(c *fiber.Ctx) error {
	candidateID := c.Params("id")

	result, err := h.engine.Promote(c.Context(), candidateID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Candidate not found",
			})
		}
		var promoErr *promotion.PromotionError
		if errors.As(err, &promoErr) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"candidate_id": candidateID,
				"action":       string(models.ActionError),
				"error":        promoErr.Message,
			})
		}
		logger.Error("Failed to promote candidate", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to promote candidate",
		})
	}

	return c.JSON(fiber.Map{
		"candidate_id": candidateID,
		"action":       string(result.Action),
		"entity_id":    result.EntityID,
	})
}

// RunPromotions promotes every accepted, unpromoted candidate in chunks and
// returns the per-action tally.
func (h *PromotionHandler) RunPromotions(c *fiber.Ctx) error {
	var req struct {
		ChunkSize int `json:"chunk_size"`
	}
	// Empty body is fine, the configured chunk size applies.
	_ = c.BodyParser(&req)

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = h.chunkSize
	}

	report, err := h.engine.PromoteAccepted(c.Context(), chunkSize)
	if err != nil {
		logger.Error("Batch promotion failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Batch promotion failed",
		})
	}

	byAction := make(map[string]int, len(report.ByAction))
	for action, n := range report.ByAction {
		byAction[string(action)] = n
	}

	return c.JSON(fiber.Map{
		"processed": report.Processed,
		"by_action": byAction,
		"errors":    report.Errors,
	})
}

// GetEntity returns a canonical entity or relationship by id, with its
// version chain metadata.
func (h *PromotionHandler) GetEntity(c *fiber.Ctx) error {
	id := c.Params("id")

	entity, err := h.db.GetCanonicalEntity(c.Context(), id)
	if err == nil {
		resp := fiber.Map{
			"entity_id":     entity.ID,
			"kind":          string(entity.Kind),
			"canonical_key": entity.CanonicalKey,
			"ecosystem":     entity.Ecosystem,
			"payload":       entity.Payload,
			"version":       entity.Version,
			"is_current":    entity.IsCurrent,
			"provenance":    entity.Provenance,
			"created_at":    entity.CreatedAt,
		}
		if entity.SupersededByID != "" {
			resp["superseded_by_id"] = entity.SupersededByID
		}
		if len(entity.ConflictFields) > 0 {
			resp["conflict_fields"] = entity.ConflictFields
		}
		return c.JSON(resp)
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		logger.Error("Failed to load canonical entity", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load canonical entity",
		})
	}

	rel, err := h.db.GetCanonicalRelationship(c.Context(), id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Canonical record not found",
			})
		}
		logger.Error("Failed to load canonical relationship", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load canonical relationship",
		})
	}

	resp := fiber.Map{
		"entity_id":        rel.ID,
		"kind":             string(rel.Kind),
		"source_entity_id": rel.SourceEntityID,
		"dest_entity_id":   rel.DestEntityID,
		"ecosystem":        rel.Ecosystem,
		"payload":          rel.Payload,
		"version":          rel.Version,
		"is_current":       rel.IsCurrent,
		"provenance":       rel.Provenance,
		"created_at":       rel.CreatedAt,
	}
	if rel.SupersededByID != "" {
		resp["superseded_by_id"] = rel.SupersededByID
	}
	if len(rel.ConflictFields) > 0 {
		resp["conflict_fields"] = rel.ConflictFields
	}
	return c.JSON(resp)
}

// GetNeighbors returns the canonical entities directly connected to the
// given entity in the graph mirror.
func (h *PromotionHandler) GetNeighbors(c *fiber.Ctx) error {
	if h.graph == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Graph mirror is disabled",
		})
	}

	id := c.Params("id")
	if _, err := h.db.GetCanonicalEntity(c.Context(), id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Canonical entity not found",
			})
		}
		logger.Error("Failed to load canonical entity", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load canonical entity",
		})
	}

	neighbors, err := h.graph.Neighborhood(c.Context(), id, c.QueryInt("limit"))
	if err != nil {
		logger.Error("Neighborhood query failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Graph mirror query failed",
		})
	}

	return c.JSON(fiber.Map{
		"entity_id": id,
		"neighbors": neighbors,
		"count":     len(neighbors),
	})
}
