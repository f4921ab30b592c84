// Package staging is the ledger of candidate facts awaiting adjudication.
// Everything enters as pending; only an explicit decision moves it, and every
// transition leaves exactly one immutable decision record behind.
package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
	"github.com/curator-agent/backend/pkg/utils"
)

// ErrInvalidTransition is returned when a decision targets a candidate that
// is no longer pending, including when a concurrent decide won the race.
// Callers re-fetch and retry or abandon.
var ErrInvalidTransition = errors.New("candidate is not pending")

// MalformedCandidateError lists every provenance field missing or invalid at
// the ingestion boundary. Such candidates are never staged or defaulted.
type MalformedCandidateError struct {
	Problems []string
}

func (e *MalformedCandidateError) Error() string {
	return fmt.Sprintf("malformed candidate: %s", strings.Join(e.Problems, "; "))
}

// Sweeper is the resolver hook run after a node-kind candidate is staged.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

type StageInput struct {
	Kind             models.CandidateKind   `json:"kind"`
	CanonicalKey     string                 `json:"canonical_key"`
	Payload          map[string]interface{} `json:"payload"`
	Ecosystem        string                 `json:"ecosystem"`
	ConfidenceScore  *float64               `json:"confidence_score"`
	ConfidenceReason string                 `json:"confidence_reason"`
	EvidenceType     models.EvidenceType    `json:"evidence_type"`
	SnapshotID       string                 `json:"snapshot_id"`
	EvidenceStart    int                    `json:"evidence_start"`
	EvidenceEnd      int                    `json:"evidence_end"`
	EvidenceText     string                 `json:"evidence_text"`
	SourceRef        string                 `json:"source_ref"`
	DestRef          string                 `json:"dest_ref"`
}

type Ledger struct {
	db      *sqlite.Client
	sweeper Sweeper
	hub     *events.Hub
}

func NewLedger(db *sqlite.Client, hub *events.Hub) *Ledger {
	return &Ledger{db: db, hub: hub}
}

// SetSweeper wires the resolver in after construction (the resolver also
// needs the db, so the two are built independently).
func (l *Ledger) SetSweeper(s Sweeper) {
	l.sweeper = s
}

// Stage validates and inserts a candidate with status pending. It never
// auto-accepts, regardless of confidence.
func (l *Ledger) Stage(ctx context.Context, in StageInput) (string, error) {
	if err := l.validate(ctx, in); err != nil {
		metrics.MalformedCandidates.Inc()
		return "", err
	}

	cand := &models.Candidate{
		ID:               uuid.New().String(),
		Kind:             in.Kind,
		CanonicalKey:     in.CanonicalKey,
		Payload:          in.Payload,
		Ecosystem:        in.Ecosystem,
		ConfidenceScore:  *in.ConfidenceScore,
		ConfidenceReason: in.ConfidenceReason,
		EvidenceType:     in.EvidenceType,
		SnapshotID:       in.SnapshotID,
		EvidenceStart:    in.EvidenceStart,
		EvidenceEnd:      in.EvidenceEnd,
		EvidenceText:     in.EvidenceText,
		EvidenceChecksum: utils.EvidenceChecksum(in.EvidenceText),
		Status:           models.StatusPending,
		CreatedAt:        time.Now(),
	}

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := l.db.InsertCandidateTx(tx, cand); err != nil {
			return err
		}
		if in.Kind.IsEdge() {
			rel := &models.StagedRelationship{
				CandidateID:      cand.ID,
				SourceRef:        in.SourceRef,
				DestRef:          in.DestRef,
				ResolutionStatus: models.ResolutionUnresolved,
			}
			return l.db.InsertRelationshipTx(tx, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.CandidatesStaged.WithLabelValues(string(in.Kind), in.Ecosystem).Inc()
	metrics.ExtractionConfidence.Observe(cand.ConfidenceScore)
	logger.Info("Candidate staged",
		zap.String("candidate_id", cand.ID),
		zap.String("kind", string(cand.Kind)),
		zap.String("canonical_key", cand.CanonicalKey),
		zap.Float64("confidence", cand.ConfidenceScore),
	)

	l.hub.Publish(events.Event{
		Type:        events.TypeStaged,
		CandidateID: cand.ID,
		Detail: map[string]interface{}{
			"kind":          string(cand.Kind),
			"canonical_key": cand.CanonicalKey,
			"ecosystem":     cand.Ecosystem,
		},
	})

	// A new node may be the missing endpoint of an earlier relationship.
	if in.Kind.IsNode() && l.sweeper != nil {
		if err := l.sweeper.Sweep(ctx); err != nil {
			logger.Warn("Resolution sweep after staging failed", zap.Error(err))
		}
	}

	return cand.ID, nil
}

// Decide records a review decision and flips the candidate's status in one
// transaction. The status update is a compare-and-swap on pending: of two
// concurrent deciders exactly one wins, the other gets ErrInvalidTransition.
func (l *Ledger) Decide(ctx context.Context, candidateID string, verb models.DecisionVerb, actor, reason, mergeTargetID string) (string, error) {
	status, ok := verb.StatusFor()
	if !ok {
		return "", fmt.Errorf("unknown decision verb %q", verb)
	}
	if actor == "" {
		return "", fmt.Errorf("actor is required")
	}

	if verb == models.VerbMerge {
		if mergeTargetID == "" {
			return "", fmt.Errorf("merge requires a target candidate id")
		}
	} else {
		mergeTargetID = ""
	}

	decision := &models.Decision{
		ID:            uuid.New().String(),
		CandidateID:   candidateID,
		Verb:          verb,
		Actor:         actor,
		Reason:        reason,
		MergeTargetID: mergeTargetID,
		CreatedAt:     time.Now(),
	}

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		// Existence check first so unknown ids report NotFound, not a
		// transition error.
		if _, err := l.db.GetCandidateTx(tx, candidateID); err != nil {
			return err
		}

		// Target state is read inside the same transaction as the status
		// flip, so a concurrent decision on the target cannot slip between
		// the check and the merge.
		if verb == models.VerbMerge {
			target, err := l.db.GetCandidateTx(tx, mergeTargetID)
			if err != nil {
				return err
			}
			if target.Status != models.StatusAccepted {
				return fmt.Errorf("merge target %s is %s, not accepted: %w", mergeTargetID, target.Status, ErrInvalidTransition)
			}
		}

		won, err := l.db.UpdateCandidateStatusTx(tx, candidateID, models.StatusPending, status)
		if err != nil {
			return err
		}
		if !won {
			metrics.InvalidTransitions.Inc()
			return fmt.Errorf("decide %s: %w", candidateID, ErrInvalidTransition)
		}

		seq, err := l.db.NextDecisionSeqTx(tx, candidateID)
		if err != nil {
			return err
		}
		decision.Seq = seq

		return l.db.InsertDecisionTx(tx, decision)
	})
	if err != nil {
		return "", err
	}

	metrics.DecisionsTotal.WithLabelValues(string(verb)).Inc()
	logger.Info("Decision recorded",
		zap.String("candidate_id", candidateID),
		zap.String("verb", string(verb)),
		zap.String("actor", actor),
	)

	l.hub.Publish(events.Event{
		Type:        events.TypeDecided,
		CandidateID: candidateID,
		Detail: map[string]interface{}{
			"verb":  string(verb),
			"actor": actor,
		},
	})

	return decision.ID, nil
}

// Restage takes a needs_context candidate back into review by creating a new
// pending candidate that references the old one. The original is never
// mutated back to pending.
func (l *Ledger) Restage(ctx context.Context, candidateID, actor, reason string) (string, error) {
	orig, err := l.db.GetCandidate(ctx, candidateID)
	if err != nil {
		return "", err
	}
	if orig.Status != models.StatusNeedsContext {
		return "", fmt.Errorf("restage %s: status is %s: %w", candidateID, orig.Status, ErrInvalidTransition)
	}

	fresh := &models.Candidate{
		ID:               uuid.New().String(),
		Kind:             orig.Kind,
		CanonicalKey:     orig.CanonicalKey,
		Payload:          orig.Payload,
		Ecosystem:        orig.Ecosystem,
		ConfidenceScore:  orig.ConfidenceScore,
		ConfidenceReason: orig.ConfidenceReason,
		EvidenceType:     orig.EvidenceType,
		SnapshotID:       orig.SnapshotID,
		EvidenceStart:    orig.EvidenceStart,
		EvidenceEnd:      orig.EvidenceEnd,
		EvidenceText:     orig.EvidenceText,
		EvidenceChecksum: orig.EvidenceChecksum,
		Status:           models.StatusPending,
		RestagedFrom:     orig.ID,
		CreatedAt:        time.Now(),
	}

	err = l.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := l.db.InsertCandidateTx(tx, fresh); err != nil {
			return err
		}

		// The restage record hangs off the fresh candidate: the original
		// keeps exactly the one decision that moved it to needs_context.
		seq, err := l.db.NextDecisionSeqTx(tx, fresh.ID)
		if err != nil {
			return err
		}
		if err := l.db.InsertDecisionTx(tx, &models.Decision{
			ID:          uuid.New().String(),
			CandidateID: fresh.ID,
			Seq:         seq,
			Verb:        models.VerbRestage,
			Actor:       actor,
			Reason:      reason,
			CreatedAt:   time.Now(),
		}); err != nil {
			return err
		}

		if orig.Kind.IsEdge() {
			rel, err := l.db.GetRelationshipTx(tx, orig.ID)
			if err != nil {
				return err
			}
			// Endpoints resolve from scratch; the old resolution may be
			// precisely what needed more context.
			return l.db.InsertRelationshipTx(tx, &models.StagedRelationship{
				CandidateID:      fresh.ID,
				SourceRef:        rel.SourceRef,
				DestRef:          rel.DestRef,
				ResolutionStatus: models.ResolutionUnresolved,
			})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Info("Candidate re-staged",
		zap.String("original_id", orig.ID),
		zap.String("candidate_id", fresh.ID),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)

	l.hub.Publish(events.Event{
		Type:        events.TypeStaged,
		CandidateID: fresh.ID,
		Detail: map[string]interface{}{
			"restaged_from": orig.ID,
		},
	})

	return fresh.ID, nil
}

func (l *Ledger) List(ctx context.Context, f sqlite.CandidateFilter) ([]models.Candidate, error) {
	return l.db.ListCandidates(ctx, f)
}

func (l *Ledger) Get(ctx context.Context, candidateID string) (*models.Candidate, error) {
	return l.db.GetCandidate(ctx, candidateID)
}

func (l *Ledger) Decisions(ctx context.Context, candidateID string) ([]models.Decision, error) {
	return l.db.ListDecisions(ctx, candidateID)
}

func (l *Ledger) validate(ctx context.Context, in StageInput) error {
	var problems []string

	if !in.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("candidate_kind %q is not in the closed set", in.Kind))
	}
	if in.CanonicalKey == "" {
		problems = append(problems, "canonical_key is required")
	}
	if in.Ecosystem == "" {
		problems = append(problems, "ecosystem is required")
	}
	if in.ConfidenceScore == nil {
		problems = append(problems, "confidence_score is required")
	} else if *in.ConfidenceScore < 0.0 || *in.ConfidenceScore > 1.0 {
		problems = append(problems, "confidence_score must be within [0.0, 1.0]")
	}
	if in.ConfidenceReason == "" {
		problems = append(problems, "confidence_reason is required")
	}
	if !in.EvidenceType.Valid() {
		problems = append(problems, fmt.Sprintf("evidence_type %q is not in the closed set", in.EvidenceType))
	}
	if in.EvidenceText == "" {
		problems = append(problems, "evidence_text is required")
	}
	if in.SnapshotID == "" {
		problems = append(problems, "evidence locator: snapshot_id is required")
	}
	if in.EvidenceStart < 0 {
		problems = append(problems, "evidence locator: start must not be negative")
	}
	if in.EvidenceEnd <= in.EvidenceStart {
		problems = append(problems, "evidence locator: range must be non-empty")
	}

	if in.Kind.IsNode() {
		for _, field := range models.RequiredPayloadFields[in.Kind] {
			if v, ok := in.Payload[field]; !ok || v == nil || v == "" {
				problems = append(problems, fmt.Sprintf("payload field %q is required for kind %q", field, in.Kind))
			}
		}
	}
	if in.Kind.IsEdge() {
		if in.SourceRef == "" {
			problems = append(problems, "source_ref is required for edge kinds")
		}
		if in.DestRef == "" {
			problems = append(problems, "dest_ref is required for edge kinds")
		}
	}

	if len(problems) > 0 {
		return &MalformedCandidateError{Problems: problems}
	}

	// Locator must point at a real snapshot; a dangling reference is a
	// boundary rejection, not a later verification failure.
	if _, err := l.db.GetSnapshot(ctx, in.SnapshotID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return &MalformedCandidateError{Problems: []string{fmt.Sprintf("snapshot %s does not exist", in.SnapshotID)}}
		}
		return err
	}

	return nil
}
