// Package promotion moves accepted candidates into the canonical store,
// exactly once per candidate. Everything here is transactional and built to
// be retried: a candidate is either fully promoted and stamped, or untouched
// with the error recorded.
package promotion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/graph/neo4j"
	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

// PromotionError wraps any failure inside a promotion attempt. The attempt
// rolled back, the message was recorded on the candidate, and the caller may
// retry just that record.
type PromotionError struct {
	CandidateID string
	Message     string
	Err         error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promotion of %s failed: %s", e.CandidateID, e.Message)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}

type Result struct {
	Action   models.PromotionAction `json:"action"`
	EntityID string                 `json:"entity_id,omitempty"`
}

type BatchReport struct {
	Processed int                            `json:"processed"`
	ByAction  map[models.PromotionAction]int `json:"by_action"`
	Errors    map[string]string              `json:"errors,omitempty"`
}

// Sweeper is the resolver hook run after a node-kind promotion, since a
// fresh canonical key may match an open relationship endpoint.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

type Engine struct {
	db      *sqlite.Client
	mirror  *neo4j.Client
	hub     *events.Hub
	sweeper Sweeper
}

// NewEngine builds the promotion engine. mirror may be nil when no graph
// database is configured.
func NewEngine(db *sqlite.Client, mirror *neo4j.Client, hub *events.Hub) *Engine {
	return &Engine{db: db, mirror: mirror, hub: hub}
}

func (e *Engine) SetSweeper(s Sweeper) {
	e.sweeper = s
}

// Promote moves one accepted candidate into the canonical store. Re-running
// on an already-promoted candidate returns skipped and changes nothing,
// which is the guard that makes batch retries safe.
func (e *Engine) Promote(ctx context.Context, candidateID string) (*Result, error) {
	start := time.Now()

	var result *Result
	var kind models.CandidateKind
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		cand, err := e.db.GetCandidateTx(tx, candidateID)
		if err != nil {
			return err
		}
		kind = cand.Kind

		if cand.PromotedToID != "" {
			result = &Result{Action: models.ActionSkipped, EntityID: cand.PromotedToID}
			return nil
		}

		if cand.Status != models.StatusAccepted {
			return &PromotionError{
				CandidateID: candidateID,
				Message:     fmt.Sprintf("status is %s, only accepted candidates promote", cand.Status),
			}
		}

		if cand.Kind.IsEdge() {
			result, err = e.promoteRelationship(tx, cand)
		} else {
			result, err = e.promoteEntity(tx, cand)
		}
		return err
	})

	if err != nil {
		// NotFound is a caller error on an id, not a promotion failure on
		// a real candidate; there is no row to stamp.
		if !errors.Is(err, sqlite.ErrNotFound) {
			if recordErr := e.db.RecordPromotionError(ctx, candidateID, err.Error()); recordErr != nil {
				logger.Error("Failed to record promotion error", zap.Error(recordErr))
			}
			metrics.PromotionsTotal.WithLabelValues(string(models.ActionError)).Inc()
		}
		return nil, err
	}

	metrics.PromotionsTotal.WithLabelValues(string(result.Action)).Inc()
	metrics.PromotionDuration.Observe(time.Since(start).Seconds())

	if result.Action != models.ActionSkipped {
		logger.Info("Candidate promoted",
			zap.String("candidate_id", candidateID),
			zap.String("action", string(result.Action)),
			zap.String("entity_id", result.EntityID),
		)
		e.hub.Publish(events.Event{
			Type:        events.TypePromoted,
			CandidateID: candidateID,
			Detail: map[string]interface{}{
				"action":    string(result.Action),
				"entity_id": result.EntityID,
			},
		})
		e.mirrorPromotion(ctx, result.EntityID)

		// A freshly canonical key may be the missing endpoint of an open
		// relationship.
		if kind.IsNode() && e.sweeper != nil {
			if err := e.sweeper.Sweep(ctx); err != nil {
				logger.Warn("Resolution sweep after promotion failed", zap.Error(err))
			}
		}
	}

	return result, nil
}

// provenanceFor lists the candidate plus every candidate that reviewers
// merged into it, so the canonical record traces all of its sources.
func (e *Engine) provenanceFor(tx *sql.Tx, cand *models.Candidate) ([]string, error) {
	mergedIn, err := e.db.ListMergedSourcesTx(tx, cand.ID)
	if err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	return append([]string{cand.ID}, mergedIn...), nil
}

func (e *Engine) promoteEntity(tx *sql.Tx, cand *models.Candidate) (*Result, error) {
	now := time.Now()

	provenance, err := e.provenanceFor(tx, cand)
	if err != nil {
		return nil, err
	}

	existing, err := e.db.GetCurrentEntityByKeyTx(tx, cand.Kind, cand.CanonicalKey, cand.Ecosystem)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}

	if existing == nil {
		entity := &models.CanonicalEntity{
			ID:           uuid.New().String(),
			Kind:         cand.Kind,
			CanonicalKey: cand.CanonicalKey,
			Ecosystem:    cand.Ecosystem,
			Payload:      cand.Payload,
			Version:      1,
			IsCurrent:    true,
			Provenance:   provenance,
			CreatedAt:    now,
		}
		if err := e.db.InsertCanonicalEntityTx(tx, entity); err != nil {
			return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
		}
		if err := e.db.StampPromotionTx(tx, cand.ID, entity.ID, models.ActionCreated, now); err != nil {
			return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
		}
		metrics.CanonicalEntitiesTotal.Inc()
		return &Result{Action: models.ActionCreated, EntityID: entity.ID}, nil
	}

	// Merge path: a new version supersedes, the old row stays as history.
	payload, conflicts := mergePayloads(existing.Payload, cand.Payload)
	merged := &models.CanonicalEntity{
		ID:             uuid.New().String(),
		Kind:           existing.Kind,
		CanonicalKey:   existing.CanonicalKey,
		Ecosystem:      existing.Ecosystem,
		Payload:        payload,
		Version:        existing.Version + 1,
		IsCurrent:      true,
		Provenance:     append(append([]string{}, existing.Provenance...), provenance...),
		ConflictFields: mergeConflicts(existing.ConflictFields, conflicts),
		CreatedAt:      now,
	}

	if err := e.db.SupersedeEntityTx(tx, existing.ID, merged.ID); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	if err := e.db.InsertCanonicalEntityTx(tx, merged); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	if err := e.db.StampPromotionTx(tx, cand.ID, merged.ID, models.ActionMerged, now); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}

	return &Result{Action: models.ActionMerged, EntityID: merged.ID}, nil
}

func (e *Engine) promoteRelationship(tx *sql.Tx, cand *models.Candidate) (*Result, error) {
	now := time.Now()

	rel, err := e.db.GetRelationshipTx(tx, cand.ID)
	if err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	if rel.ResolutionStatus != models.ResolutionResolved {
		return nil, &PromotionError{
			CandidateID: cand.ID,
			Message:     fmt.Sprintf("relationship is %s, both endpoints must be resolved", rel.ResolutionStatus),
		}
	}

	sourceEntityID, err := e.endpointEntityID(tx, cand.ID, rel.SourceCandidateID)
	if err != nil {
		return nil, err
	}
	destEntityID, err := e.endpointEntityID(tx, cand.ID, rel.DestCandidateID)
	if err != nil {
		return nil, err
	}

	provenance, err := e.provenanceFor(tx, cand)
	if err != nil {
		return nil, err
	}

	existing, err := e.db.GetCurrentRelationshipByEndpointsTx(tx, cand.Kind, sourceEntityID, destEntityID, cand.Ecosystem)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}

	if existing == nil {
		canonical := &models.CanonicalRelationship{
			ID:             uuid.New().String(),
			Kind:           cand.Kind,
			SourceEntityID: sourceEntityID,
			DestEntityID:   destEntityID,
			Ecosystem:      cand.Ecosystem,
			Payload:        cand.Payload,
			Version:        1,
			IsCurrent:      true,
			Provenance:     provenance,
			CreatedAt:      now,
		}
		if err := e.db.InsertCanonicalRelationshipTx(tx, canonical); err != nil {
			return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
		}
		if err := e.db.StampPromotionTx(tx, cand.ID, canonical.ID, models.ActionCreated, now); err != nil {
			return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
		}
		return &Result{Action: models.ActionCreated, EntityID: canonical.ID}, nil
	}

	payload, conflicts := mergePayloads(existing.Payload, cand.Payload)
	merged := &models.CanonicalRelationship{
		ID:             uuid.New().String(),
		Kind:           existing.Kind,
		SourceEntityID: existing.SourceEntityID,
		DestEntityID:   existing.DestEntityID,
		Ecosystem:      existing.Ecosystem,
		Payload:        payload,
		Version:        existing.Version + 1,
		IsCurrent:      true,
		Provenance:     append(append([]string{}, existing.Provenance...), provenance...),
		ConflictFields: mergeConflicts(existing.ConflictFields, conflicts),
		CreatedAt:      now,
	}

	if err := e.db.SupersedeRelationshipTx(tx, existing.ID, merged.ID); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	if err := e.db.InsertCanonicalRelationshipTx(tx, merged); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}
	if err := e.db.StampPromotionTx(tx, cand.ID, merged.ID, models.ActionMerged, now); err != nil {
		return nil, &PromotionError{CandidateID: cand.ID, Message: err.Error(), Err: err}
	}

	return &Result{Action: models.ActionMerged, EntityID: merged.ID}, nil
}

// endpointEntityID requires an edge's endpoint candidate to be accepted and
// already promoted: a canonical relationship can only reference canonical
// entity ids. The error is retryable once the endpoint has been promoted;
// the batch runner orders node kinds first so one pass usually suffices.
func (e *Engine) endpointEntityID(tx *sql.Tx, relationshipID, endpointCandidateID string) (string, error) {
	endpoint, err := e.db.GetCandidateTx(tx, endpointCandidateID)
	if err != nil {
		return "", &PromotionError{CandidateID: relationshipID, Message: err.Error(), Err: err}
	}
	if endpoint.Status != models.StatusAccepted {
		return "", &PromotionError{
			CandidateID: relationshipID,
			Message:     fmt.Sprintf("endpoint candidate %s is %s, not accepted", endpoint.ID, endpoint.Status),
		}
	}
	if endpoint.PromotedToID == "" {
		return "", &PromotionError{
			CandidateID: relationshipID,
			Message:     fmt.Sprintf("endpoint candidate %s is not promoted yet", endpoint.ID),
		}
	}
	return endpoint.PromotedToID, nil
}

// PromoteAccepted promotes every accepted, unpromoted candidate in chunks.
// Each record is independently guarded, so a run interrupted after a partial
// chunk leaves nothing half-promoted and reruns pick up where it stopped.
func (e *Engine) PromoteAccepted(ctx context.Context, chunkSize int) (*BatchReport, error) {
	if chunkSize <= 0 {
		chunkSize = 100
	}

	report := &BatchReport{
		ByAction: make(map[models.PromotionAction]int),
		Errors:   make(map[string]string),
	}

	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		pending, err := e.db.ListAcceptedUnpromoted(ctx, chunkSize)
		if err != nil {
			return report, err
		}
		if len(pending) == 0 {
			break
		}

		progressed := false
		for i := range pending {
			res, err := e.Promote(ctx, pending[i].ID)
			report.Processed++
			if err != nil {
				report.ByAction[models.ActionError]++
				report.Errors[pending[i].ID] = err.Error()
				continue
			}
			report.ByAction[res.Action]++
			progressed = true
		}

		// Failed candidates keep promoted_to_entity_id NULL and would be
		// listed again next round. Bail when a whole chunk failed.
		if !progressed {
			break
		}
	}

	logger.Info("Batch promotion finished",
		zap.Int("processed", report.Processed),
		zap.Int("errors", len(report.Errors)),
	)

	return report, nil
}

// mirrorPromotion pushes the canonical record into the graph database.
// Best-effort: the system of record already committed, a mirror failure is
// logged and repaired by the next full sync, never unwound.
func (e *Engine) mirrorPromotion(ctx context.Context, entityID string) {
	if e.mirror == nil {
		return
	}

	if entity, err := e.db.GetCanonicalEntity(ctx, entityID); err == nil {
		if err := e.mirror.UpsertEntity(ctx, entity); err != nil {
			logger.Warn("Failed to mirror canonical entity", zap.String("entity_id", entityID), zap.Error(err))
		}
		return
	}

	rel, err := e.db.GetCanonicalRelationship(ctx, entityID)
	if err != nil {
		logger.Warn("Promoted record not found for mirroring", zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	if err := e.mirror.UpsertRelationship(ctx, rel); err != nil {
		logger.Warn("Failed to mirror canonical relationship", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// mergePayloads applies the merge policy: fields only one side has are
// taken, equal values stay, disagreements keep the existing value and are
// flagged as conflicts rather than silently overwritten.
func mergePayloads(existing, incoming map[string]interface{}) (map[string]interface{}, []string) {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}

	var conflicts []string
	for k, v := range incoming {
		if v == nil {
			continue
		}
		old, ok := merged[k]
		if !ok || old == nil {
			merged[k] = v
			continue
		}
		if fmt.Sprintf("%v", old) != fmt.Sprintf("%v", v) {
			conflicts = append(conflicts, k)
		}
	}
	return merged, conflicts
}

func mergeConflicts(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, c := range existing {
		seen[c] = true
	}
	for _, c := range fresh {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
