package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/resolver"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

type ResolutionHandler struct {
	resolver *resolver.Resolver
	db       *sqlite.Client
}

func NewResolutionHandler(r *resolver.Resolver, db *sqlite.Client) *ResolutionHandler {
	return &ResolutionHandler{
		resolver: r,
		db:       db,
	}
}

// SweepResolutions runs one resolution pass over all open relationships.
// Sweeps are idempotent; a pass over fully settled state returns no events.
func (h *ResolutionHandler) SweepResolutions(c *fiber.Ctx) error {
	resolved, err := h.resolver.ResolvePending(c.Context())
	if err != nil {
		logger.Error("Resolution sweep failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Resolution sweep failed",
		})
	}

	items := make([]fiber.Map, 0, len(resolved))
	for _, ev := range resolved {
		item := fiber.Map{
			"relationship_id": ev.RelationshipID,
			"endpoint":        string(ev.Endpoint),
			"reference":       ev.Reference,
			"outcome":         string(ev.Outcome),
			"new_status":      string(ev.NewStatus),
		}
		if ev.CandidateID != "" {
			item["candidate_id"] = ev.CandidateID
		}
		if len(ev.Matches) > 0 {
			item["matches"] = ev.Matches
		}
		items = append(items, item)
	}

	return c.JSON(fiber.Map{
		"events": items,
		"count":  len(items),
	})
}

// GetRelationship returns the resolution state of an edge candidate.
func (h *ResolutionHandler) GetRelationship(c *fiber.Ctx) error {
	rel, err := h.db.GetRelationship(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Relationship not found",
			})
		}
		logger.Error("Failed to load relationship", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load relationship",
		})
	}

	resp := fiber.Map{
		"candidate_id":      rel.CandidateID,
		"source_ref":        rel.SourceRef,
		"dest_ref":          rel.DestRef,
		"resolution_status": string(rel.ResolutionStatus),
	}
	if rel.SourceCandidateID != "" {
		resp["source_candidate_id"] = rel.SourceCandidateID
	}
	if rel.DestCandidateID != "" {
		resp["dest_candidate_id"] = rel.DestCandidateID
	}
	if len(rel.AmbiguousMatches) > 0 {
		resp["ambiguous_matches"] = rel.AmbiguousMatches
	}
	return c.JSON(resp)
}
