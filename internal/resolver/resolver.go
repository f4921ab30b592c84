// Package resolver links relationship endpoints expressed as text references
// to actual staged candidates. Relationships can name entities that are
// extracted later, in another batch; each sweep picks up whatever matches
// exist now and leaves the rest for the next one.
package resolver

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/internal/storage/sqlite"
	"github.com/curator-agent/backend/pkg/logger"
)

type Endpoint string

const (
	EndpointSource Endpoint = "source"
	EndpointDest   Endpoint = "dest"
)

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// ResolutionEvent describes one endpoint the sweep changed.
type ResolutionEvent struct {
	RelationshipID string   `json:"relationship_id"`
	Endpoint       Endpoint `json:"endpoint"`
	Reference      string   `json:"reference"`
	Outcome        Outcome  `json:"outcome"`
	CandidateID    string   `json:"candidate_id,omitempty"`
	Matches        []string `json:"matches,omitempty"`
	NewStatus      string   `json:"new_status"`
}

type Resolver struct {
	db  *sqlite.Client
	hub *events.Hub
}

func NewResolver(db *sqlite.Client, hub *events.Hub) *Resolver {
	return &Resolver{db: db, hub: hub}
}

// Sweep satisfies the ledger's reactive hook.
func (r *Resolver) Sweep(ctx context.Context) error {
	_, err := r.ResolvePending(ctx)
	return err
}

// ResolvePending attempts to match every open endpoint. Re-running it is
// idempotent: endpoints already resolved keep their link, ambiguous
// relationships wait for a human, so a no-change sweep emits no events.
func (r *Resolver) ResolvePending(ctx context.Context) ([]ResolutionEvent, error) {
	open, err := r.db.ListOpenRelationships(ctx)
	if err != nil {
		return nil, err
	}

	var swept []ResolutionEvent
	keyCache := make(map[string][]sqlite.KeyRef)

	for i := range open {
		rel := &open[i]

		cand, err := r.db.GetCandidate(ctx, rel.CandidateID)
		if err != nil {
			return nil, err
		}

		refs, ok := keyCache[cand.Ecosystem]
		if !ok {
			refs, err = r.matchableRefs(ctx, cand.Ecosystem)
			if err != nil {
				return nil, err
			}
			keyCache[cand.Ecosystem] = refs
		}

		changed := false
		var relEvents []ResolutionEvent

		if rel.SourceCandidateID == "" {
			ev, didChange := matchEndpoint(rel, EndpointSource, rel.SourceRef, refs)
			if didChange {
				changed = true
				relEvents = append(relEvents, ev)
			}
		}
		// An ambiguity on one endpoint freezes the whole relationship for
		// human disambiguation; skip the other side.
		if rel.ResolutionStatus != models.ResolutionAmbiguous && rel.DestCandidateID == "" {
			ev, didChange := matchEndpoint(rel, EndpointDest, rel.DestRef, refs)
			if didChange {
				changed = true
				relEvents = append(relEvents, ev)
			}
		}

		if !changed {
			continue
		}

		if rel.ResolutionStatus != models.ResolutionAmbiguous {
			rel.ResolutionStatus = advance(rel)
		}
		for j := range relEvents {
			relEvents[j].NewStatus = string(rel.ResolutionStatus)
		}

		err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
			return r.db.UpdateRelationshipResolutionTx(tx, rel)
		})
		if err != nil {
			return nil, err
		}

		for _, ev := range relEvents {
			metrics.ResolutionEvents.WithLabelValues(string(ev.Outcome)).Inc()
			r.hub.Publish(events.Event{
				Type:        events.TypeResolved,
				CandidateID: ev.RelationshipID,
				Detail: map[string]interface{}{
					"endpoint":  string(ev.Endpoint),
					"reference": ev.Reference,
					"outcome":   string(ev.Outcome),
					"status":    ev.NewStatus,
				},
			})
		}
		swept = append(swept, relEvents...)
	}

	if len(swept) > 0 {
		logger.Info("Resolution sweep completed", zap.Int("events", len(swept)))
	}

	return swept, nil
}

// matchableRefs merges candidate key proposals with canonical keys, mapped
// back to candidate ids and deduplicated.
func (r *Resolver) matchableRefs(ctx context.Context, ecosystem string) ([]sqlite.KeyRef, error) {
	staged, err := r.db.ListMatchableKeys(ctx, ecosystem)
	if err != nil {
		return nil, err
	}
	canonical, err := r.db.ListCanonicalKeys(ctx, ecosystem)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(staged)+len(canonical))
	out := make([]sqlite.KeyRef, 0, len(staged)+len(canonical))
	for _, ref := range append(staged, canonical...) {
		if seen[ref.CandidateID] {
			continue
		}
		seen[ref.CandidateID] = true
		out = append(out, ref)
	}
	return out, nil
}

// matchEndpoint mutates rel in place and reports what it did. Exactly one
// match links the endpoint; more than one is recorded as ambiguous and never
// silently tie-broken; zero leaves the endpoint for a later sweep.
func matchEndpoint(rel *models.StagedRelationship, endpoint Endpoint, reference string, refs []sqlite.KeyRef) (ResolutionEvent, bool) {
	matches := matchReference(reference, refs)

	switch len(matches) {
	case 0:
		return ResolutionEvent{}, false
	case 1:
		if endpoint == EndpointSource {
			rel.SourceCandidateID = matches[0]
		} else {
			rel.DestCandidateID = matches[0]
		}
		return ResolutionEvent{
			RelationshipID: rel.CandidateID,
			Endpoint:       endpoint,
			Reference:      reference,
			Outcome:        OutcomeResolved,
			CandidateID:    matches[0],
		}, true
	default:
		rel.ResolutionStatus = models.ResolutionAmbiguous
		rel.AmbiguousMatches = matches
		return ResolutionEvent{
			RelationshipID: rel.CandidateID,
			Endpoint:       endpoint,
			Reference:      reference,
			Outcome:        OutcomeAmbiguous,
			Matches:        matches,
		}, true
	}
}

// matchReference tries an exact case-insensitive match first, then a
// normalized-token match. The broader pass only runs when the strict one
// found nothing, so an exact hit is never diluted into an ambiguity.
func matchReference(reference string, refs []sqlite.KeyRef) []string {
	var exact []string
	lower := strings.ToLower(strings.TrimSpace(reference))
	for _, ref := range refs {
		if strings.ToLower(ref.CanonicalKey) == lower {
			exact = append(exact, ref.CandidateID)
		}
	}
	if len(exact) > 0 {
		sort.Strings(exact)
		return exact
	}

	var normalized []string
	norm := normalizeReference(reference)
	if norm == "" {
		return nil
	}
	for _, ref := range refs {
		if normalizeReference(ref.CanonicalKey) == norm {
			normalized = append(normalized, ref.CandidateID)
		}
	}
	sort.Strings(normalized)
	return normalized
}

// normalizeReference lowercases and strips everything but letters and
// digits, so "Linux I2C-Driver" and "LinuxI2cDriver" collide.
func normalizeReference(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func advance(rel *models.StagedRelationship) models.ResolutionStatus {
	switch {
	case rel.SourceCandidateID != "" && rel.DestCandidateID != "":
		return models.ResolutionResolved
	case rel.SourceCandidateID != "" || rel.DestCandidateID != "":
		return models.ResolutionPartiallyResolved
	default:
		return models.ResolutionUnresolved
	}
}
