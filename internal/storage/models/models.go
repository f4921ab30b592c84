package models

import "time"

// CandidateKind is the closed set of fact kinds the pipeline accepts.
// Node kinds describe entities, edge kinds describe relationships whose
// endpoints arrive as text references.
type CandidateKind string

const (
	KindComponent          CandidateKind = "component"
	KindInterfacePoint     CandidateKind = "interface_point"
	KindOperation          CandidateKind = "operation"
	KindMeasurement        CandidateKind = "measurement"
	KindEvent              CandidateKind = "event"
	KindConfigurationValue CandidateKind = "configuration_value"
	KindTypeDefinition     CandidateKind = "type_definition"

	KindRequires   CandidateKind = "requires"
	KindConnectsTo CandidateKind = "connects_to"
	KindExtends    CandidateKind = "extends"
)

func (k CandidateKind) IsNode() bool {
	switch k {
	case KindComponent, KindInterfacePoint, KindOperation, KindMeasurement,
		KindEvent, KindConfigurationValue, KindTypeDefinition:
		return true
	}
	return false
}

func (k CandidateKind) IsEdge() bool {
	switch k {
	case KindRequires, KindConnectsTo, KindExtends:
		return true
	}
	return false
}

func (k CandidateKind) Valid() bool {
	return k.IsNode() || k.IsEdge()
}

type EvidenceType string

const (
	EvidenceFormalDefinition EvidenceType = "formal_definition"
	EvidenceContract         EvidenceType = "contract"
	EvidenceExample          EvidenceType = "example"
	EvidenceNarrative        EvidenceType = "narrative"
	EvidenceTable            EvidenceType = "table"
	EvidenceInferred         EvidenceType = "inferred"
)

func (e EvidenceType) Valid() bool {
	switch e {
	case EvidenceFormalDefinition, EvidenceContract, EvidenceExample,
		EvidenceNarrative, EvidenceTable, EvidenceInferred:
		return true
	}
	return false
}

type CandidateStatus string

const (
	StatusPending      CandidateStatus = "pending"
	StatusAccepted     CandidateStatus = "accepted"
	StatusRejected     CandidateStatus = "rejected"
	StatusMerged       CandidateStatus = "merged"
	StatusNeedsContext CandidateStatus = "needs_context"
)

type DecisionVerb string

const (
	VerbAccept       DecisionVerb = "accept"
	VerbReject       DecisionVerb = "reject"
	VerbMerge        DecisionVerb = "merge"
	VerbNeedsContext DecisionVerb = "needs_context"
	VerbRestage      DecisionVerb = "restage"
)

// StatusFor maps a decision verb to the terminal candidate status it commits.
func (v DecisionVerb) StatusFor() (CandidateStatus, bool) {
	switch v {
	case VerbAccept:
		return StatusAccepted, true
	case VerbReject:
		return StatusRejected, true
	case VerbMerge:
		return StatusMerged, true
	case VerbNeedsContext:
		return StatusNeedsContext, true
	}
	return "", false
}

type ResolutionStatus string

const (
	ResolutionUnresolved        ResolutionStatus = "unresolved"
	ResolutionPartiallyResolved ResolutionStatus = "partially_resolved"
	ResolutionResolved          ResolutionStatus = "resolved"
	ResolutionAmbiguous         ResolutionStatus = "ambiguous"
)

type PromotionAction string

const (
	ActionCreated PromotionAction = "created"
	ActionMerged  PromotionAction = "merged"
	ActionSkipped PromotionAction = "skipped"
	ActionError   PromotionAction = "error"
)

// Snapshot is an immutable raw capture. Superseding content means inserting
// a new snapshot with a new hash, never touching this one.
type Snapshot struct {
	ID          string
	Origin      string
	ContentHash string
	Payload     []byte
	CapturedAt  time.Time
}

// Candidate is a staged, not-yet-trusted fact. Once a decision is recorded
// everything except the status/decision/promotion columns is frozen.
type Candidate struct {
	ID               string
	Kind             CandidateKind
	CanonicalKey     string
	Payload          map[string]interface{}
	Ecosystem        string
	ConfidenceScore  float64
	ConfidenceReason string
	EvidenceType     EvidenceType
	SnapshotID       string
	EvidenceStart    int
	EvidenceEnd      int
	EvidenceText     string
	EvidenceChecksum string
	Status           CandidateStatus
	RestagedFrom     string
	PromotedToID     string
	PromotedAt       *time.Time
	PromotionAction  PromotionAction
	PromotionError   string
	CreatedAt        time.Time
}

// StagedRelationship carries the endpoint text references for an edge-kind
// candidate and the resolver's progress linking them to real candidates.
type StagedRelationship struct {
	CandidateID       string
	SourceRef         string
	DestRef           string
	SourceCandidateID string
	DestCandidateID   string
	ResolutionStatus  ResolutionStatus
	AmbiguousMatches  []string
}

// Decision is the immutable audit record of one status transition.
type Decision struct {
	ID            string
	CandidateID   string
	Seq           int
	Verb          DecisionVerb
	Actor         string
	Reason        string
	MergeTargetID string
	CreatedAt     time.Time
}

// LineageResult is the verifier's report: how verifiably the candidate's
// evidence traces to its snapshot. Distinct from the candidate's own
// extraction confidence; the two can disagree.
type LineageResult struct {
	CandidateID  string
	Score        float64
	ChecksPassed []string
	ChecksFailed []string
	BandExpected string
	CreatedAt    time.Time
}

type CanonicalEntity struct {
	ID             string
	Kind           CandidateKind
	CanonicalKey   string
	Ecosystem      string
	Payload        map[string]interface{}
	Version        int
	IsCurrent      bool
	SupersededByID string
	Provenance     []string
	ConflictFields []string
	CreatedAt      time.Time
}

type CanonicalRelationship struct {
	ID             string
	Kind           CandidateKind
	SourceEntityID string
	DestEntityID   string
	Ecosystem      string
	Payload        map[string]interface{}
	Version        int
	IsCurrent      bool
	SupersededByID string
	Provenance     []string
	ConflictFields []string
	CreatedAt      time.Time
}

// RequiredPayloadFields is the per-kind schema for node candidate payloads.
// Edge kinds carry endpoint references instead of payload fields.
var RequiredPayloadFields = map[CandidateKind][]string{
	KindComponent:          {"name"},
	KindInterfacePoint:     {"name", "protocol"},
	KindOperation:          {"name"},
	KindMeasurement:        {"name", "unit"},
	KindEvent:              {"name", "severity"},
	KindConfigurationValue: {"name", "value"},
	KindTypeDefinition:     {"name", "definition"},
}

// ConfidenceBand buckets a self-reported extraction confidence per the
// review rubric.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

func BandForScore(score float64) ConfidenceBand {
	switch {
	case score >= 0.80:
		return BandHigh
	case score >= 0.50:
		return BandMedium
	default:
		return BandLow
	}
}

// BandForEvidenceType gives the band a candidate's stated evidence type
// implies: formal sources sit high, examples mid, narrative and inference low.
func BandForEvidenceType(et EvidenceType) ConfidenceBand {
	switch et {
	case EvidenceFormalDefinition, EvidenceContract, EvidenceTable:
		return BandHigh
	case EvidenceExample:
		return BandMedium
	default:
		return BandLow
	}
}
