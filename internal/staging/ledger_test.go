package staging

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/evidence"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
)

const flightDoc = "The command dispatcher requires the event logger. Dispatch latency is reported in milliseconds."

func newTestLedger(t *testing.T) (*Ledger, *sqlite.Client, string) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	snapshotID, err := evidence.NewStore(db).Put(context.Background(), "https://docs.example.com/flight.html", []byte(flightDoc))
	require.NoError(t, err)

	return NewLedger(db, events.NewHub()), db, snapshotID
}

func validInput(snapshotID string) StageInput {
	score := 0.85
	return StageInput{
		Kind:             models.KindComponent,
		CanonicalKey:     "command_dispatcher",
		Payload:          map[string]interface{}{"name": "command_dispatcher"},
		Ecosystem:        "fprime",
		ConfidenceScore:  &score,
		ConfidenceReason: "named in the formal interface table",
		EvidenceType:     models.EvidenceFormalDefinition,
		SnapshotID:       snapshotID,
		EvidenceStart:    0,
		EvidenceEnd:      len(flightDoc),
		EvidenceText:     "The command dispatcher requires the event logger.",
	}
}

func TestLedger_StageStartsPending(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	in := validInput(snapshotID)
	score := 1.0
	in.ConfidenceScore = &score

	id, err := ledger.Stage(ctx, in)
	require.NoError(t, err)

	cand, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, cand.Status, "full confidence must not auto-accept")
	assert.NotEmpty(t, cand.EvidenceChecksum)
}

func TestLedger_StageRejectsMalformed(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	t.Run("all problems are listed at once", func(t *testing.T) {
		badScore := 1.5
		in := StageInput{
			Kind:            models.CandidateKind("opinion"),
			ConfidenceScore: &badScore,
			EvidenceType:    models.EvidenceType("vibes"),
			SnapshotID:      snapshotID,
			EvidenceEnd:     5,
		}

		_, err := ledger.Stage(ctx, in)
		var malformed *MalformedCandidateError
		require.ErrorAs(t, err, &malformed)

		joined := malformed.Error()
		assert.Contains(t, joined, "candidate_kind")
		assert.Contains(t, joined, "canonical_key")
		assert.Contains(t, joined, "ecosystem")
		assert.Contains(t, joined, "confidence_score")
		assert.Contains(t, joined, "confidence_reason")
		assert.Contains(t, joined, "evidence_type")
		assert.Contains(t, joined, "evidence_text")
	})

	t.Run("missing payload field for the kind", func(t *testing.T) {
		in := validInput(snapshotID)
		in.Kind = models.KindMeasurement
		in.Payload = map[string]interface{}{"name": "dispatch_latency"}

		_, err := ledger.Stage(ctx, in)
		var malformed *MalformedCandidateError
		require.ErrorAs(t, err, &malformed)
		assert.Contains(t, malformed.Error(), `"unit"`)
	})

	t.Run("negative evidence range", func(t *testing.T) {
		in := validInput(snapshotID)
		in.EvidenceStart = -10
		in.EvidenceEnd = -1

		_, err := ledger.Stage(ctx, in)
		var malformed *MalformedCandidateError
		require.ErrorAs(t, err, &malformed)
		assert.Contains(t, malformed.Error(), "start must not be negative")
	})

	t.Run("dangling snapshot reference", func(t *testing.T) {
		in := validInput(snapshotID)
		in.SnapshotID = "no-such-snapshot"

		_, err := ledger.Stage(ctx, in)
		var malformed *MalformedCandidateError
		require.ErrorAs(t, err, &malformed)
		assert.Contains(t, malformed.Error(), "does not exist")
	})

	t.Run("edge without endpoint refs", func(t *testing.T) {
		in := validInput(snapshotID)
		in.Kind = models.KindRequires
		in.Payload = nil

		_, err := ledger.Stage(ctx, in)
		var malformed *MalformedCandidateError
		require.ErrorAs(t, err, &malformed)
		assert.Contains(t, malformed.Error(), "source_ref")
		assert.Contains(t, malformed.Error(), "dest_ref")
	})
}

func TestLedger_StageEdgeCreatesRelationship(t *testing.T) {
	ledger, db, snapshotID := newTestLedger(t)
	ctx := context.Background()

	in := validInput(snapshotID)
	in.Kind = models.KindRequires
	in.CanonicalKey = "command_dispatcher->event_logger"
	in.Payload = nil
	in.SourceRef = "command dispatcher"
	in.DestRef = "event logger"

	id, err := ledger.Stage(ctx, in)
	require.NoError(t, err)

	rel, err := db.GetRelationship(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionUnresolved, rel.ResolutionStatus)
	assert.Equal(t, "command dispatcher", rel.SourceRef)
	assert.Equal(t, "event logger", rel.DestRef)
}

func TestLedger_Decide(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	t.Run("accept", func(t *testing.T) {
		id, err := ledger.Stage(ctx, validInput(snapshotID))
		require.NoError(t, err)

		decisionID, err := ledger.Decide(ctx, id, models.VerbAccept, "reviewer-1", "evidence checks out", "")
		require.NoError(t, err)
		require.NotEmpty(t, decisionID)

		cand, err := ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, cand.Status)
	})

	t.Run("second decision is rejected", func(t *testing.T) {
		id, err := ledger.Stage(ctx, validInput(snapshotID))
		require.NoError(t, err)

		_, err = ledger.Decide(ctx, id, models.VerbReject, "reviewer-1", "bad locator", "")
		require.NoError(t, err)

		_, err = ledger.Decide(ctx, id, models.VerbAccept, "reviewer-2", "looks fine", "")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		cand, err := ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, cand.Status, "the losing decision must not overwrite")
	})

	t.Run("unknown candidate", func(t *testing.T) {
		_, err := ledger.Decide(ctx, "no-such-candidate", models.VerbAccept, "reviewer-1", "", "")
		assert.ErrorIs(t, err, sqlite.ErrNotFound)
	})

	t.Run("merge requires an accepted target", func(t *testing.T) {
		target, err := ledger.Stage(ctx, validInput(snapshotID))
		require.NoError(t, err)
		dup, err := ledger.Stage(ctx, validInput(snapshotID))
		require.NoError(t, err)

		_, err = ledger.Decide(ctx, dup, models.VerbMerge, "reviewer-1", "duplicate", target)
		assert.ErrorIs(t, err, ErrInvalidTransition, "target still pending")

		// The refused merge rolls back whole: no status flip, no audit row.
		cand, err := ledger.Get(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, cand.Status)
		decisions, err := ledger.Decisions(ctx, dup)
		require.NoError(t, err)
		assert.Empty(t, decisions)

		_, err = ledger.Decide(ctx, target, models.VerbAccept, "reviewer-1", "", "")
		require.NoError(t, err)

		_, err = ledger.Decide(ctx, dup, models.VerbMerge, "reviewer-1", "duplicate", target)
		require.NoError(t, err)

		cand, err = ledger.Get(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, models.StatusMerged, cand.Status)
	})

	t.Run("merge without target", func(t *testing.T) {
		id, err := ledger.Stage(ctx, validInput(snapshotID))
		require.NoError(t, err)

		_, err = ledger.Decide(ctx, id, models.VerbMerge, "reviewer-1", "", "")
		assert.Error(t, err)
	})
}

func TestLedger_ConcurrentDecideExactlyOneWins(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	id, err := ledger.Stage(ctx, validInput(snapshotID))
	require.NoError(t, err)

	verbs := []models.DecisionVerb{models.VerbAccept, models.VerbReject, models.VerbNeedsContext, models.VerbAccept}
	errs := make([]error, len(verbs))

	var wg sync.WaitGroup
	for i, verb := range verbs {
		wg.Add(1)
		go func(i int, verb models.DecisionVerb) {
			defer wg.Done()
			_, errs[i] = ledger.Decide(ctx, id, verb, "reviewer", "racing", "")
		}(i, verb)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)

	decisions, err := ledger.Decisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, decisions, 1, "only the winning decision is recorded")
}

func TestLedger_Restage(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	id, err := ledger.Stage(ctx, validInput(snapshotID))
	require.NoError(t, err)

	t.Run("only needs_context restages", func(t *testing.T) {
		_, err := ledger.Restage(ctx, id, "reviewer-1", "want more context")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	_, err = ledger.Decide(ctx, id, models.VerbNeedsContext, "reviewer-1", "surrounding section unclear", "")
	require.NoError(t, err)

	newID, err := ledger.Restage(ctx, id, "reviewer-1", "re-extracted with wider context")
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	t.Run("original keeps its status", func(t *testing.T) {
		orig, err := ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNeedsContext, orig.Status)
	})

	t.Run("fresh candidate is pending and linked back", func(t *testing.T) {
		fresh, err := ledger.Get(ctx, newID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, fresh.Status)
		assert.Equal(t, id, fresh.RestagedFrom)
	})

	t.Run("audit trail covers both candidates", func(t *testing.T) {
		origDecisions, err := ledger.Decisions(ctx, id)
		require.NoError(t, err)
		require.Len(t, origDecisions, 1)
		assert.Equal(t, models.VerbNeedsContext, origDecisions[0].Verb)

		freshDecisions, err := ledger.Decisions(ctx, newID)
		require.NoError(t, err)
		require.Len(t, freshDecisions, 1)
		assert.Equal(t, models.VerbRestage, freshDecisions[0].Verb)
		assert.Equal(t, "re-extracted with wider context", freshDecisions[0].Reason)
	})
}

func TestLedger_ListFilters(t *testing.T) {
	ledger, _, snapshotID := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Stage(ctx, validInput(snapshotID))
	require.NoError(t, err)

	in := validInput(snapshotID)
	in.Kind = models.KindMeasurement
	in.CanonicalKey = "dispatch_latency"
	in.Payload = map[string]interface{}{"name": "dispatch_latency", "unit": "ms"}
	low := 0.3
	in.ConfidenceScore = &low
	in.ConfidenceReason = "inferred from prose"
	in.EvidenceType = models.EvidenceInferred
	_, err = ledger.Stage(ctx, in)
	require.NoError(t, err)

	_, err = ledger.Decide(ctx, first, models.VerbAccept, "reviewer-1", "", "")
	require.NoError(t, err)

	byStatus, err := ledger.List(ctx, sqlite.CandidateFilter{Status: models.StatusAccepted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, first, byStatus[0].ID)

	byKind, err := ledger.List(ctx, sqlite.CandidateFilter{Kind: models.KindMeasurement})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "dispatch_latency", byKind[0].CanonicalKey)

	byBand, err := ledger.List(ctx, sqlite.CandidateFilter{Band: models.BandLow})
	require.NoError(t, err)
	require.Len(t, byBand, 1)
	assert.Equal(t, "dispatch_latency", byBand[0].CanonicalKey)
}

func TestLedger_StatusForCoversVerbs(t *testing.T) {
	for verb, want := range map[models.DecisionVerb]models.CandidateStatus{
		models.VerbAccept:       models.StatusAccepted,
		models.VerbReject:       models.StatusRejected,
		models.VerbMerge:        models.StatusMerged,
		models.VerbNeedsContext: models.StatusNeedsContext,
	} {
		got, ok := verb.StatusFor()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := models.DecisionVerb("promote").StatusFor()
	assert.False(t, ok, "promotion is not a review verb")

	if errors.Is(ErrInvalidTransition, sqlite.ErrNotFound) {
		t.Fatal("sentinel errors must stay distinct")
	}
}
