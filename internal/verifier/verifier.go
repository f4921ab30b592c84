// Package verifier computes lineage confidence: how verifiably a candidate's
// evidence traces back to its source snapshot. This score is independent of
// the candidate's self-reported extraction confidence; the two can disagree
// and both are kept.
package verifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
	"github.com/curator-agent/backend/pkg/utils"
)

// Check names, in the order they run. Each is worth one fifth of the score.
const (
	CheckCandidateExists   = "candidate_exists"
	CheckSnapshotIntegrity = "snapshot_integrity"
	CheckEvidenceSubstring = "evidence_substring_match"
	CheckEvidenceChecksum  = "evidence_checksum_match"
	CheckRubricBand        = "rubric_band_match"

	totalChecks = 5
)

type Verifier struct {
	db *sqlite.Client
}

func NewVerifier(db *sqlite.Client) *Verifier {
	return &Verifier{db: db}
}

// Verify is a pure read over stored data. It never mutates the candidate;
// integrity violations surface as failed checks, not repairs.
func (v *Verifier) Verify(ctx context.Context, candidateID string) (*models.LineageResult, error) {
	result := &models.LineageResult{
		CandidateID: candidateID,
		CreatedAt:   time.Now(),
	}

	cand, err := v.db.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	pass(result, CheckCandidateExists)
	result.BandExpected = string(models.BandForEvidenceType(cand.EvidenceType))

	snap, err := v.db.GetSnapshot(ctx, cand.SnapshotID)
	if err != nil {
		if !errors.Is(err, sqlite.ErrNotFound) {
			return nil, err
		}
		// Missing snapshot fails both snapshot-dependent checks.
		fail(result, CheckSnapshotIntegrity)
		fail(result, CheckEvidenceSubstring)
		snap = nil
	} else if utils.ContentHash(snap.Payload) == snap.ContentHash {
		pass(result, CheckSnapshotIntegrity)
	} else {
		fail(result, CheckSnapshotIntegrity)
	}

	if snap != nil {
		if sliceContainsQuote(snap.Payload, cand.EvidenceStart, cand.EvidenceEnd, cand.EvidenceText) {
			pass(result, CheckEvidenceSubstring)
		} else {
			// Paraphrase rather than exact excerpt: downgrades, not fatal.
			fail(result, CheckEvidenceSubstring)
		}
	}

	if cand.EvidenceChecksum != "" && utils.EvidenceChecksum(cand.EvidenceText) == cand.EvidenceChecksum {
		pass(result, CheckEvidenceChecksum)
	} else {
		fail(result, CheckEvidenceChecksum)
	}

	if models.BandForScore(cand.ConfidenceScore) == models.BandForEvidenceType(cand.EvidenceType) {
		pass(result, CheckRubricBand)
	} else {
		// Rubric mismatch is flagged for the reviewer, never blocking.
		fail(result, CheckRubricBand)
	}

	result.Score = float64(len(result.ChecksPassed)) / totalChecks
	metrics.LineageScore.Observe(result.Score)

	logger.Debug("Lineage verified",
		zap.String("candidate_id", candidateID),
		zap.Float64("score", result.Score),
		zap.Strings("checks_failed", result.ChecksFailed),
	)

	return result, nil
}

// Record appends the report to the audit log so the lineage score is stored
// alongside (but never inside) the candidate row.
func (v *Verifier) Record(ctx context.Context, result *models.LineageResult) error {
	return v.db.InsertLineageReport(ctx, uuid.New().String(), result)
}

// sliceContainsQuote slices the locator's byte range out of the payload
// (clamped to bounds) and requires the claimed quote verbatim inside it.
func sliceContainsQuote(payload []byte, start, end int, quote string) bool {
	if quote == "" {
		return false
	}
	if start < 0 {
		start = 0
	}
	if end > len(payload) {
		end = len(payload)
	}
	if start >= end {
		return false
	}
	return strings.Contains(string(payload[start:end]), quote)
}

func pass(r *models.LineageResult, check string) {
	r.ChecksPassed = append(r.ChecksPassed, check)
}

func fail(r *models.LineageResult, check string) {
	r.ChecksFailed = append(r.ChecksFailed, check)
}
