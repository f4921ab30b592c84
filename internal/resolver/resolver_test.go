package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/evidence"
	"github.com/curator-agent/backend/internal/staging"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
)

const wiringDoc = "The telemetry channel connects to the ground interface. The radio also connects to the ground interface."

type fixture struct {
	db       *sqlite.Client
	ledger   *staging.Ledger
	resolver *Resolver
	snapshot string
}

// newFixture builds a ledger without the reactive sweep hook, so tests
// control exactly when resolution runs.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	snapshotID, err := evidence.NewStore(db).Put(context.Background(), "https://docs.example.com/wiring.html", []byte(wiringDoc))
	require.NoError(t, err)

	hub := events.NewHub()
	return &fixture{
		db:       db,
		ledger:   staging.NewLedger(db, hub),
		resolver: NewResolver(db, hub),
		snapshot: snapshotID,
	}
}

func (f *fixture) stageNode(t *testing.T, key, ecosystem string) string {
	t.Helper()
	score := 0.9
	id, err := f.ledger.Stage(context.Background(), staging.StageInput{
		Kind:             models.KindComponent,
		CanonicalKey:     key,
		Payload:          map[string]interface{}{"name": key},
		Ecosystem:        ecosystem,
		ConfidenceScore:  &score,
		ConfidenceReason: "named in the wiring table",
		EvidenceType:     models.EvidenceTable,
		SnapshotID:       f.snapshot,
		EvidenceStart:    0,
		EvidenceEnd:      len(wiringDoc),
		EvidenceText:     "connects to the ground interface",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) stageEdge(t *testing.T, sourceRef, destRef, ecosystem string) string {
	t.Helper()
	score := 0.8
	id, err := f.ledger.Stage(context.Background(), staging.StageInput{
		Kind:             models.KindConnectsTo,
		CanonicalKey:     sourceRef + "->" + destRef,
		Ecosystem:        ecosystem,
		ConfidenceScore:  &score,
		ConfidenceReason: "stated connection",
		EvidenceType:     models.EvidenceTable,
		SnapshotID:       f.snapshot,
		EvidenceStart:    0,
		EvidenceEnd:      len(wiringDoc),
		EvidenceText:     "connects to the ground interface",
		SourceRef:        sourceRef,
		DestRef:          destRef,
	})
	require.NoError(t, err)
	return id
}

func TestResolver_ForwardReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The edge arrives before either endpoint exists.
	edgeID := f.stageEdge(t, "Telemetry Channel", "Ground Interface", "fprime")

	swept, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept, "nothing to match yet")

	sourceID := f.stageNode(t, "telemetry_channel", "fprime")

	swept, err = f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, EndpointSource, swept[0].Endpoint)
	assert.Equal(t, sourceID, swept[0].CandidateID)
	assert.Equal(t, string(models.ResolutionPartiallyResolved), swept[0].NewStatus)

	destID := f.stageNode(t, "ground_interface", "fprime")

	swept, err = f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, EndpointDest, swept[0].Endpoint)
	assert.Equal(t, string(models.ResolutionResolved), swept[0].NewStatus)

	rel, err := f.db.GetRelationship(ctx, edgeID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionResolved, rel.ResolutionStatus)
	assert.Equal(t, sourceID, rel.SourceCandidateID)
	assert.Equal(t, destID, rel.DestCandidateID)
}

func TestResolver_NormalizedMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	edgeID := f.stageEdge(t, "Telemetry-Channel", "GroundInterface", "fprime")
	f.stageNode(t, "telemetry_channel", "fprime")
	f.stageNode(t, "ground_interface", "fprime")

	swept, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Len(t, swept, 2)

	rel, err := f.db.GetRelationship(ctx, edgeID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionResolved, rel.ResolutionStatus)
}

func TestResolver_AmbiguityIsNeverTieBroken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	edgeID := f.stageEdge(t, "Ground Interface", "radio", "fprime")
	f.stageNode(t, "radio", "fprime")
	// Two distinct proposals normalize to the same reference.
	f.stageNode(t, "ground_interface", "fprime")
	f.stageNode(t, "GroundInterface", "fprime")

	swept, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, OutcomeAmbiguous, swept[0].Outcome)
	assert.Len(t, swept[0].Matches, 2)

	rel, err := f.db.GetRelationship(ctx, edgeID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionAmbiguous, rel.ResolutionStatus)
	assert.Empty(t, rel.SourceCandidateID)
	assert.Empty(t, rel.DestCandidateID, "an ambiguous relationship is frozen whole")
	assert.Len(t, rel.AmbiguousMatches, 2)
}

func TestResolver_SweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stageEdge(t, "telemetry_channel", "ground_interface", "fprime")
	f.stageNode(t, "telemetry_channel", "fprime")
	f.stageNode(t, "ground_interface", "fprime")

	first, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, second, "a settled state sweeps without events")
}

func TestResolver_EcosystemScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	edgeID := f.stageEdge(t, "radio", "ground_interface", "fprime")
	f.stageNode(t, "radio", "proveskit")
	f.stageNode(t, "ground_interface", "proveskit")

	swept, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept, "candidates from another ecosystem never match")

	rel, err := f.db.GetRelationship(ctx, edgeID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionUnresolved, rel.ResolutionStatus)
}

func TestResolver_RejectedCandidatesAreNotMatchable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodeID := f.stageNode(t, "radio", "fprime")
	_, err := f.ledger.Decide(ctx, nodeID, models.VerbReject, "reviewer-1", "wrong extraction", "")
	require.NoError(t, err)

	f.stageEdge(t, "radio", "ground_interface", "fprime")

	swept, err := f.resolver.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestNormalizeReference(t *testing.T) {
	assert.Equal(t, "linuxi2cdriver", normalizeReference("Linux I2C-Driver"))
	assert.Equal(t, "linuxi2cdriver", normalizeReference("LinuxI2cDriver"))
	assert.Equal(t, "", normalizeReference("---"))
}
