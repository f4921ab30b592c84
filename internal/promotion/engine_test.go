package promotion

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/evidence"
	"github.com/curator-agent/backend/internal/resolver"
	"github.com/curator-agent/backend/internal/staging"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
)

const powerDoc = "The radio requires the power monitor. Output power is configured at 5W by default."

type fixture struct {
	db       *sqlite.Client
	ledger   *staging.Ledger
	resolver *resolver.Resolver
	engine   *Engine
	snapshot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	snapshotID, err := evidence.NewStore(db).Put(context.Background(), "https://docs.example.com/power.html", []byte(powerDoc))
	require.NoError(t, err)

	hub := events.NewHub()
	return &fixture{
		db:       db,
		ledger:   staging.NewLedger(db, hub),
		resolver: resolver.NewResolver(db, hub),
		engine:   NewEngine(db, nil, hub),
		snapshot: snapshotID,
	}
}

func (f *fixture) stageNode(t *testing.T, key string, payload map[string]interface{}) string {
	t.Helper()
	score := 0.9
	if payload == nil {
		payload = map[string]interface{}{"name": key}
	}
	id, err := f.ledger.Stage(context.Background(), staging.StageInput{
		Kind:             models.KindComponent,
		CanonicalKey:     key,
		Payload:          payload,
		Ecosystem:        "proveskit",
		ConfidenceScore:  &score,
		ConfidenceReason: "listed in the hardware table",
		EvidenceType:     models.EvidenceTable,
		SnapshotID:       f.snapshot,
		EvidenceStart:    0,
		EvidenceEnd:      len(powerDoc),
		EvidenceText:     "The radio requires the power monitor.",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) stageEdge(t *testing.T, sourceRef, destRef string) string {
	t.Helper()
	score := 0.9
	id, err := f.ledger.Stage(context.Background(), staging.StageInput{
		Kind:             models.KindRequires,
		CanonicalKey:     sourceRef + "->" + destRef,
		Ecosystem:        "proveskit",
		ConfidenceScore:  &score,
		ConfidenceReason: "stated dependency",
		EvidenceType:     models.EvidenceTable,
		SnapshotID:       f.snapshot,
		EvidenceStart:    0,
		EvidenceEnd:      len(powerDoc),
		EvidenceText:     "The radio requires the power monitor.",
		SourceRef:        sourceRef,
		DestRef:          destRef,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) accept(t *testing.T, id string) {
	t.Helper()
	_, err := f.ledger.Decide(context.Background(), id, models.VerbAccept, "reviewer-1", "", "")
	require.NoError(t, err)
}

func TestEngine_PromoteCreatesThenSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.stageNode(t, "radio", nil)
	f.accept(t, id)

	first, err := f.engine.Promote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreated, first.Action)
	require.NotEmpty(t, first.EntityID)

	second, err := f.engine.Promote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkipped, second.Action)
	assert.Equal(t, first.EntityID, second.EntityID, "re-promotion returns the existing entity")

	entity, err := f.db.GetCanonicalEntity(ctx, first.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.Version)
	assert.True(t, entity.IsCurrent)
	assert.Equal(t, []string{id}, entity.Provenance)

	cand, err := f.db.GetCandidate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, cand.PromotedToID)
	assert.Equal(t, models.ActionCreated, cand.PromotionAction)
	require.NotNil(t, cand.PromotedAt)
}

func TestEngine_PendingCandidateNeverPromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Full extraction confidence still requires an explicit accept.
	id := f.stageNode(t, "radio", nil)

	_, err := f.engine.Promote(ctx, id)
	var promoErr *PromotionError
	require.ErrorAs(t, err, &promoErr)
	assert.Contains(t, promoErr.Message, "pending")

	cand, err := f.db.GetCandidate(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, cand.PromotedToID)
	assert.NotEmpty(t, cand.PromotionError, "the failure is recorded on the candidate")
}

func TestEngine_MergeSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.stageNode(t, "radio", map[string]interface{}{"name": "radio", "power": "5W"})
	second := f.stageNode(t, "radio", map[string]interface{}{"name": "radio", "power": "10W", "band": "UHF"})
	f.accept(t, first)
	f.accept(t, second)

	res1, err := f.engine.Promote(ctx, first)
	require.NoError(t, err)
	require.Equal(t, models.ActionCreated, res1.Action)

	res2, err := f.engine.Promote(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.ActionMerged, res2.Action)
	require.NotEqual(t, res1.EntityID, res2.EntityID)

	t.Run("old version is closed out", func(t *testing.T) {
		old, err := f.db.GetCanonicalEntity(ctx, res1.EntityID)
		require.NoError(t, err)
		assert.False(t, old.IsCurrent)
		assert.Equal(t, res2.EntityID, old.SupersededByID)
	})

	t.Run("new version carries the merged state", func(t *testing.T) {
		merged, err := f.db.GetCanonicalEntity(ctx, res2.EntityID)
		require.NoError(t, err)
		assert.Equal(t, 2, merged.Version)
		assert.True(t, merged.IsCurrent)
		assert.Equal(t, []string{first, second}, merged.Provenance)
		assert.Equal(t, "5W", merged.Payload["power"], "a disagreement keeps the existing value")
		assert.Equal(t, "UHF", merged.Payload["band"], "a field only one side has is taken")
		assert.Equal(t, []string{"power"}, merged.ConflictFields)
	})
}

func TestEngine_MergedCandidatesJoinProvenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.stageNode(t, "radio", nil)
	dup := f.stageNode(t, "radio", nil)
	f.accept(t, target)

	_, err := f.ledger.Decide(ctx, dup, models.VerbMerge, "reviewer-1", "same component", target)
	require.NoError(t, err)

	result, err := f.engine.Promote(ctx, target)
	require.NoError(t, err)
	require.Equal(t, models.ActionCreated, result.Action)

	entity, err := f.db.GetCanonicalEntity(ctx, result.EntityID)
	require.NoError(t, err)
	assert.Equal(t, []string{target, dup}, entity.Provenance,
		"merged-in candidates trace through the canonical record")

	// The merged candidate itself never promotes.
	dupCand, err := f.db.GetCandidate(ctx, dup)
	require.NoError(t, err)
	assert.Empty(t, dupCand.PromotedToID)
}

func TestEngine_EdgePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sourceID := f.stageNode(t, "radio", nil)
	destID := f.stageNode(t, "power_monitor", nil)
	edgeID := f.stageEdge(t, "radio", "power_monitor")

	f.accept(t, edgeID)

	t.Run("unresolved relationship cannot promote", func(t *testing.T) {
		_, err := f.engine.Promote(ctx, edgeID)
		var promoErr *PromotionError
		require.ErrorAs(t, err, &promoErr)
		assert.Contains(t, promoErr.Message, "resolved")
	})

	f.accept(t, sourceID)
	f.accept(t, destID)
	_, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)

	t.Run("resolved but unpromoted endpoints cannot promote", func(t *testing.T) {
		_, err := f.engine.Promote(ctx, edgeID)
		var promoErr *PromotionError
		require.ErrorAs(t, err, &promoErr)
		assert.Contains(t, promoErr.Message, "not promoted")
	})

	sourceRes, err := f.engine.Promote(ctx, sourceID)
	require.NoError(t, err)
	destRes, err := f.engine.Promote(ctx, destID)
	require.NoError(t, err)

	t.Run("promotes once both endpoints are canonical", func(t *testing.T) {
		res, err := f.engine.Promote(ctx, edgeID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreated, res.Action)

		rel, err := f.db.GetCanonicalRelationship(ctx, res.EntityID)
		require.NoError(t, err)
		assert.Equal(t, sourceRes.EntityID, rel.SourceEntityID)
		assert.Equal(t, destRes.EntityID, rel.DestEntityID)
		assert.Equal(t, models.KindRequires, rel.Kind)
	})
}

func TestEngine_PromoteAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sourceID := f.stageNode(t, "radio", nil)
	destID := f.stageNode(t, "power_monitor", nil)
	edgeID := f.stageEdge(t, "radio", "power_monitor")

	f.accept(t, sourceID)
	f.accept(t, destID)
	f.accept(t, edgeID)
	_, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)

	// Rejected candidates stay out of the batch entirely.
	rejected := f.stageNode(t, "legacy_radio", nil)
	_, err = f.ledger.Decide(ctx, rejected, models.VerbReject, "reviewer-1", "obsolete", "")
	require.NoError(t, err)

	report, err := f.engine.PromoteAccepted(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.ByAction[models.ActionCreated], "node ordering lets the edge promote in the same run")
	assert.Empty(t, report.Errors)

	t.Run("rerun is a no-op", func(t *testing.T) {
		report, err := f.engine.PromoteAccepted(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Processed)
	})
}

func TestMergePayloads(t *testing.T) {
	existing := map[string]interface{}{"name": "radio", "power": "5W"}
	incoming := map[string]interface{}{"name": "radio", "power": "10W", "band": "UHF", "note": nil}

	merged, conflicts := mergePayloads(existing, incoming)

	assert.Equal(t, "radio", merged["name"])
	assert.Equal(t, "5W", merged["power"])
	assert.Equal(t, "UHF", merged["band"])
	assert.NotContains(t, merged, "note")
	assert.Equal(t, []string{"power"}, conflicts)
}
