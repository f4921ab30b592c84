package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/pkg/logger"
)

// ErrNotFound is returned for unknown snapshot, candidate, relationship or
// entity ids. Caller error, never retried automatically.
var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	// _txlock=immediate makes write transactions take the write lock up
	// front, so concurrent promoters serialize instead of failing mid-tx.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evidence_snapshots (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		payload BLOB NOT NULL,
		captured_at INTEGER NOT NULL,
		UNIQUE (origin, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_origin ON evidence_snapshots(origin);

	CREATE TABLE IF NOT EXISTS staging_candidates (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		canonical_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		ecosystem TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		confidence_reason TEXT NOT NULL,
		evidence_type TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		evidence_start INTEGER NOT NULL,
		evidence_end INTEGER NOT NULL,
		evidence_text TEXT NOT NULL,
		evidence_checksum TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		restaged_from TEXT,
		promoted_to_entity_id TEXT,
		promoted_at INTEGER,
		promotion_action TEXT,
		promotion_error TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES evidence_snapshots(id)
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_status ON staging_candidates(status);
	CREATE INDEX IF NOT EXISTS idx_candidates_kind ON staging_candidates(kind);
	CREATE INDEX IF NOT EXISTS idx_candidates_key ON staging_candidates(canonical_key);
	CREATE INDEX IF NOT EXISTS idx_candidates_ecosystem ON staging_candidates(ecosystem);

	CREATE TABLE IF NOT EXISTS staging_relationships (
		candidate_id TEXT PRIMARY KEY,
		source_ref TEXT NOT NULL,
		dest_ref TEXT NOT NULL,
		source_candidate_id TEXT,
		dest_candidate_id TEXT,
		resolution_status TEXT NOT NULL DEFAULT 'unresolved',
		ambiguous_matches TEXT,
		FOREIGN KEY (candidate_id) REFERENCES staging_candidates(id)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_resolution ON staging_relationships(resolution_status);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		verb TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		merge_target_id TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (candidate_id, seq),
		FOREIGN KEY (candidate_id) REFERENCES staging_candidates(id)
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_candidate ON decisions(candidate_id);

	CREATE TABLE IF NOT EXISTS lineage_reports (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		score REAL NOT NULL,
		checks_passed TEXT NOT NULL,
		checks_failed TEXT NOT NULL,
		band_expected TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (candidate_id) REFERENCES staging_candidates(id)
	);
	CREATE INDEX IF NOT EXISTS idx_lineage_candidate ON lineage_reports(candidate_id);

	CREATE TABLE IF NOT EXISTS canonical_entities (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		canonical_key TEXT NOT NULL,
		ecosystem TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		is_current INTEGER NOT NULL DEFAULT 1,
		superseded_by_id TEXT,
		provenance TEXT NOT NULL,
		conflict_fields TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_current_key
		ON canonical_entities(kind, canonical_key, ecosystem) WHERE is_current = 1;
	CREATE INDEX IF NOT EXISTS idx_entities_key ON canonical_entities(canonical_key);

	CREATE TABLE IF NOT EXISTS canonical_relationships (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source_entity_id TEXT NOT NULL,
		dest_entity_id TEXT NOT NULL,
		ecosystem TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		is_current INTEGER NOT NULL DEFAULT 1,
		superseded_by_id TEXT,
		provenance TEXT NOT NULL,
		conflict_fields TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_current_key
		ON canonical_relationships(kind, source_entity_id, dest_entity_id, ecosystem) WHERE is_current = 1;
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// WithTx runs fn inside a single transaction, rolling back on error.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- evidence snapshots (append-only) ---

func (c *Client) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	query := `INSERT INTO evidence_snapshots (id, origin, content_hash, payload, captured_at) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, s.ID, s.Origin, s.ContentHash, s.Payload, s.CapturedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	query := `SELECT id, origin, content_hash, payload, captured_at FROM evidence_snapshots WHERE id = ?`

	var s models.Snapshot
	var capturedAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Origin, &s.ContentHash, &s.Payload, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	s.CapturedAt = time.Unix(capturedAt, 0)
	return &s, nil
}

func (c *Client) FindSnapshotByHash(ctx context.Context, origin, contentHash string) (string, bool, error) {
	query := `SELECT id FROM evidence_snapshots WHERE origin = ? AND content_hash = ?`

	var id string
	err := c.db.QueryRowContext(ctx, query, origin, contentHash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up snapshot by hash: %w", err)
	}
	return id, true, nil
}

// --- staging candidates ---

func (c *Client) InsertCandidateTx(tx *sql.Tx, cand *models.Candidate) error {
	payloadJSON, err := json.Marshal(cand.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO staging_candidates (
			id, kind, canonical_key, payload, ecosystem,
			confidence_score, confidence_reason, evidence_type,
			snapshot_id, evidence_start, evidence_end, evidence_text, evidence_checksum,
			status, restaged_from, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.Exec(
		query,
		cand.ID,
		string(cand.Kind),
		cand.CanonicalKey,
		string(payloadJSON),
		cand.Ecosystem,
		cand.ConfidenceScore,
		cand.ConfidenceReason,
		string(cand.EvidenceType),
		cand.SnapshotID,
		cand.EvidenceStart,
		cand.EvidenceEnd,
		cand.EvidenceText,
		cand.EvidenceChecksum,
		string(cand.Status),
		nullable(cand.RestagedFrom),
		cand.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert candidate: %w", err)
	}
	return nil
}

const candidateColumns = `
	id, kind, canonical_key, payload, ecosystem,
	confidence_score, confidence_reason, evidence_type,
	snapshot_id, evidence_start, evidence_end, evidence_text, evidence_checksum,
	status, restaged_from, promoted_to_entity_id, promoted_at, promotion_action, promotion_error,
	created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCandidate(row rowScanner) (*models.Candidate, error) {
	var cand models.Candidate
	var payloadJSON string
	var restagedFrom, promotedTo, promotionAction, promotionError sql.NullString
	var promotedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&cand.ID,
		&cand.Kind,
		&cand.CanonicalKey,
		&payloadJSON,
		&cand.Ecosystem,
		&cand.ConfidenceScore,
		&cand.ConfidenceReason,
		&cand.EvidenceType,
		&cand.SnapshotID,
		&cand.EvidenceStart,
		&cand.EvidenceEnd,
		&cand.EvidenceText,
		&cand.EvidenceChecksum,
		&cand.Status,
		&restagedFrom,
		&promotedTo,
		&promotedAt,
		&promotionAction,
		&promotionError,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &cand.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidate payload: %w", err)
	}

	cand.RestagedFrom = restagedFrom.String
	cand.PromotedToID = promotedTo.String
	cand.PromotionAction = models.PromotionAction(promotionAction.String)
	cand.PromotionError = promotionError.String
	if promotedAt.Valid {
		t := time.Unix(promotedAt.Int64, 0)
		cand.PromotedAt = &t
	}
	cand.CreatedAt = time.Unix(createdAt, 0)

	return &cand, nil
}

func (c *Client) GetCandidate(ctx context.Context, id string) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM staging_candidates WHERE id = ?`

	cand, err := scanCandidate(c.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return cand, nil
}

func (c *Client) GetCandidateTx(tx *sql.Tx, id string) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM staging_candidates WHERE id = ?`

	cand, err := scanCandidate(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return cand, nil
}

// CandidateFilter narrows List queries. Zero values mean "no filter".
type CandidateFilter struct {
	Status    models.CandidateStatus
	Kind      models.CandidateKind
	Ecosystem string
	Band      models.ConfidenceBand
	Limit     int
}

func (c *Client) ListCandidates(ctx context.Context, f CandidateFilter) ([]models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM staging_candidates WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Ecosystem != "" {
		query += ` AND ecosystem = ?`
		args = append(args, f.Ecosystem)
	}
	switch f.Band {
	case models.BandHigh:
		query += ` AND confidence_score >= 0.80`
	case models.BandMedium:
		query += ` AND confidence_score >= 0.50 AND confidence_score < 0.80`
	case models.BandLow:
		query += ` AND confidence_score < 0.50`
	}

	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		out = append(out, *cand)
	}
	return out, rows.Err()
}

// UpdateCandidateStatusTx is the compare-and-swap on status: it only commits
// when the row is still in `from`, so concurrent deciders cannot both win.
func (c *Client) UpdateCandidateStatusTx(tx *sql.Tx, id string, from, to models.CandidateStatus) (bool, error) {
	res, err := tx.Exec(
		`UPDATE staging_candidates SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update candidate status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// --- decisions ---

func (c *Client) NextDecisionSeqTx(tx *sql.Tx, candidateID string) (int, error) {
	var seq int
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM decisions WHERE candidate_id = ?`,
		candidateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute decision seq: %w", err)
	}
	return seq, nil
}

func (c *Client) InsertDecisionTx(tx *sql.Tx, d *models.Decision) error {
	query := `
		INSERT INTO decisions (id, candidate_id, seq, verb, actor, reason, merge_target_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.Exec(
		query,
		d.ID,
		d.CandidateID,
		d.Seq,
		string(d.Verb),
		d.Actor,
		d.Reason,
		nullable(d.MergeTargetID),
		d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (c *Client) ListDecisions(ctx context.Context, candidateID string) ([]models.Decision, error) {
	query := `
		SELECT id, candidate_id, seq, verb, actor, COALESCE(reason, ''), COALESCE(merge_target_id, ''), created_at
		FROM decisions WHERE candidate_id = ? ORDER BY seq ASC
	`

	rows, err := c.db.QueryContext(ctx, query, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.CandidateID, &d.Seq, &d.Verb, &d.Actor, &d.Reason, &d.MergeTargetID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		d.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListMergedSourcesTx returns the ids of candidates that were closed with a
// merge decision pointing at the given target.
func (c *Client) ListMergedSourcesTx(tx *sql.Tx, targetID string) ([]string, error) {
	query := `
		SELECT d.candidate_id
		FROM decisions d
		JOIN staging_candidates sc ON sc.id = d.candidate_id
		WHERE d.merge_target_id = ? AND d.verb = ? AND sc.status = ?
		ORDER BY d.created_at ASC, d.candidate_id ASC
	`

	rows, err := tx.Query(query, targetID, string(models.VerbMerge), string(models.StatusMerged))
	if err != nil {
		return nil, fmt.Errorf("failed to list merged sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan merged source row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- staged relationships ---

func (c *Client) InsertRelationshipTx(tx *sql.Tx, r *models.StagedRelationship) error {
	query := `
		INSERT INTO staging_relationships (candidate_id, source_ref, dest_ref, resolution_status)
		VALUES (?, ?, ?, ?)
	`

	_, err := tx.Exec(query, r.CandidateID, r.SourceRef, r.DestRef, string(r.ResolutionStatus))
	if err != nil {
		return fmt.Errorf("failed to insert relationship: %w", err)
	}
	return nil
}

func scanRelationship(row rowScanner) (*models.StagedRelationship, error) {
	var r models.StagedRelationship
	var sourceID, destID, ambiguous sql.NullString

	err := row.Scan(&r.CandidateID, &r.SourceRef, &r.DestRef, &sourceID, &destID, &r.ResolutionStatus, &ambiguous)
	if err != nil {
		return nil, err
	}

	r.SourceCandidateID = sourceID.String
	r.DestCandidateID = destID.String
	if ambiguous.Valid && ambiguous.String != "" {
		if err := json.Unmarshal([]byte(ambiguous.String), &r.AmbiguousMatches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ambiguous matches: %w", err)
		}
	}
	return &r, nil
}

const relationshipColumns = `candidate_id, source_ref, dest_ref, source_candidate_id, dest_candidate_id, resolution_status, ambiguous_matches`

func (c *Client) GetRelationship(ctx context.Context, candidateID string) (*models.StagedRelationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM staging_relationships WHERE candidate_id = ?`

	r, err := scanRelationship(c.db.QueryRowContext(ctx, query, candidateID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("relationship %s: %w", candidateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return r, nil
}

func (c *Client) GetRelationshipTx(tx *sql.Tx, candidateID string) (*models.StagedRelationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM staging_relationships WHERE candidate_id = ?`

	r, err := scanRelationship(tx.QueryRow(query, candidateID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("relationship %s: %w", candidateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return r, nil
}

// ListOpenRelationships returns relationships the resolver still works on:
// unresolved or partially resolved, never resolved or ambiguous ones.
func (c *Client) ListOpenRelationships(ctx context.Context) ([]models.StagedRelationship, error) {
	query := `
		SELECT ` + relationshipColumns + `
		FROM staging_relationships
		WHERE resolution_status IN ('unresolved', 'partially_resolved')
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open relationships: %w", err)
	}
	defer rows.Close()

	var out []models.StagedRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (c *Client) UpdateRelationshipResolutionTx(tx *sql.Tx, r *models.StagedRelationship) error {
	var ambiguous interface{}
	if len(r.AmbiguousMatches) > 0 {
		data, err := json.Marshal(r.AmbiguousMatches)
		if err != nil {
			return fmt.Errorf("failed to marshal ambiguous matches: %w", err)
		}
		ambiguous = string(data)
	}

	query := `
		UPDATE staging_relationships
		SET source_candidate_id = ?, dest_candidate_id = ?, resolution_status = ?, ambiguous_matches = ?
		WHERE candidate_id = ?
	`

	_, err := tx.Exec(
		query,
		nullable(r.SourceCandidateID),
		nullable(r.DestCandidateID),
		string(r.ResolutionStatus),
		ambiguous,
		r.CandidateID,
	)
	if err != nil {
		return fmt.Errorf("failed to update relationship resolution: %w", err)
	}
	return nil
}

// KeyRef is a (candidate id, canonical key) pair the resolver matches
// endpoint text references against.
type KeyRef struct {
	CandidateID  string
	CanonicalKey string
}

// ListMatchableKeys returns key proposals of pending/accepted node-kind
// candidates within one ecosystem, ordered for deterministic match sets.
func (c *Client) ListMatchableKeys(ctx context.Context, ecosystem string) ([]KeyRef, error) {
	query := `
		SELECT id, canonical_key
		FROM staging_candidates
		WHERE ecosystem = ?
		  AND status IN ('pending', 'accepted')
		  AND kind IN ('component', 'interface_point', 'operation', 'measurement', 'event', 'configuration_value', 'type_definition')
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, ecosystem)
	if err != nil {
		return nil, fmt.Errorf("failed to list matchable keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRef
	for rows.Next() {
		var kr KeyRef
		if err := rows.Scan(&kr.CandidateID, &kr.CanonicalKey); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		out = append(out, kr)
	}
	return out, rows.Err()
}

// ListCanonicalKeys returns the current canonical entity keys in an
// ecosystem, each mapped back to the newest provenance candidate so the
// resolver always links endpoints to candidate ids.
func (c *Client) ListCanonicalKeys(ctx context.Context, ecosystem string) ([]KeyRef, error) {
	query := `
		SELECT canonical_key, provenance
		FROM canonical_entities
		WHERE ecosystem = ? AND is_current = 1
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, ecosystem)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRef
	for rows.Next() {
		var key, provenanceJSON string
		if err := rows.Scan(&key, &provenanceJSON); err != nil {
			return nil, fmt.Errorf("failed to scan canonical key row: %w", err)
		}
		var provenance []string
		if err := json.Unmarshal([]byte(provenanceJSON), &provenance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
		}
		if len(provenance) == 0 {
			continue
		}
		out = append(out, KeyRef{CandidateID: provenance[len(provenance)-1], CanonicalKey: key})
	}
	return out, rows.Err()
}

// --- canonical entities ---

func scanEntity(row rowScanner) (*models.CanonicalEntity, error) {
	var e models.CanonicalEntity
	var payloadJSON, provenanceJSON string
	var supersededBy, conflictJSON sql.NullString
	var isCurrent int
	var createdAt int64

	err := row.Scan(
		&e.ID, &e.Kind, &e.CanonicalKey, &e.Ecosystem, &payloadJSON,
		&e.Version, &isCurrent, &supersededBy, &provenanceJSON, &conflictJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity payload: %w", err)
	}
	if err := json.Unmarshal([]byte(provenanceJSON), &e.Provenance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity provenance: %w", err)
	}
	if conflictJSON.Valid && conflictJSON.String != "" {
		if err := json.Unmarshal([]byte(conflictJSON.String), &e.ConflictFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict fields: %w", err)
		}
	}

	e.IsCurrent = isCurrent == 1
	e.SupersededByID = supersededBy.String
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

const entityColumns = `id, kind, canonical_key, ecosystem, payload, version, is_current, superseded_by_id, provenance, conflict_fields, created_at`

func (c *Client) GetCanonicalEntity(ctx context.Context, id string) (*models.CanonicalEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM canonical_entities WHERE id = ?`

	e, err := scanEntity(c.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("canonical entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical entity: %w", err)
	}
	return e, nil
}

func (c *Client) GetCurrentEntityByKeyTx(tx *sql.Tx, kind models.CandidateKind, key, ecosystem string) (*models.CanonicalEntity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM canonical_entities
		WHERE kind = ? AND canonical_key = ? AND ecosystem = ? AND is_current = 1
	`

	e, err := scanEntity(tx.QueryRow(query, string(kind), key, ecosystem))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current entity by key: %w", err)
	}
	return e, nil
}

func (c *Client) InsertCanonicalEntityTx(tx *sql.Tx, e *models.CanonicalEntity) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal entity payload: %w", err)
	}
	provenanceJSON, err := json.Marshal(e.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal entity provenance: %w", err)
	}
	var conflictJSON interface{}
	if len(e.ConflictFields) > 0 {
		data, err := json.Marshal(e.ConflictFields)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict fields: %w", err)
		}
		conflictJSON = string(data)
	}

	query := `
		INSERT INTO canonical_entities (id, kind, canonical_key, ecosystem, payload, version, is_current, provenance, conflict_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.Exec(
		query,
		e.ID, string(e.Kind), e.CanonicalKey, e.Ecosystem, string(payloadJSON),
		e.Version, boolToInt(e.IsCurrent), string(provenanceJSON), conflictJSON, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert canonical entity: %w", err)
	}
	return nil
}

// SupersedeEntityTx retires the old version. The old row stays queryable as
// history; is_current is a query filter, not a destructive update.
func (c *Client) SupersedeEntityTx(tx *sql.Tx, oldID, newID string) error {
	_, err := tx.Exec(
		`UPDATE canonical_entities SET is_current = 0, superseded_by_id = ? WHERE id = ?`,
		newID, oldID,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede canonical entity: %w", err)
	}
	return nil
}

// --- canonical relationships ---

func scanCanonicalRelationship(row rowScanner) (*models.CanonicalRelationship, error) {
	var r models.CanonicalRelationship
	var payloadJSON, provenanceJSON string
	var supersededBy, conflictJSON sql.NullString
	var isCurrent int
	var createdAt int64

	err := row.Scan(
		&r.ID, &r.Kind, &r.SourceEntityID, &r.DestEntityID, &r.Ecosystem, &payloadJSON,
		&r.Version, &isCurrent, &supersededBy, &provenanceJSON, &conflictJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relationship payload: %w", err)
	}
	if err := json.Unmarshal([]byte(provenanceJSON), &r.Provenance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relationship provenance: %w", err)
	}
	if conflictJSON.Valid && conflictJSON.String != "" {
		if err := json.Unmarshal([]byte(conflictJSON.String), &r.ConflictFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict fields: %w", err)
		}
	}

	r.IsCurrent = isCurrent == 1
	r.SupersededByID = supersededBy.String
	r.CreatedAt = time.Unix(createdAt, 0)
	return &r, nil
}

const canonicalRelColumns = `id, kind, source_entity_id, dest_entity_id, ecosystem, payload, version, is_current, superseded_by_id, provenance, conflict_fields, created_at`

func (c *Client) GetCanonicalRelationship(ctx context.Context, id string) (*models.CanonicalRelationship, error) {
	query := `SELECT ` + canonicalRelColumns + ` FROM canonical_relationships WHERE id = ?`

	r, err := scanCanonicalRelationship(c.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("canonical relationship %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical relationship: %w", err)
	}
	return r, nil
}

func (c *Client) GetCurrentRelationshipByEndpointsTx(tx *sql.Tx, kind models.CandidateKind, sourceID, destID, ecosystem string) (*models.CanonicalRelationship, error) {
	query := `
		SELECT ` + canonicalRelColumns + `
		FROM canonical_relationships
		WHERE kind = ? AND source_entity_id = ? AND dest_entity_id = ? AND ecosystem = ? AND is_current = 1
	`

	r, err := scanCanonicalRelationship(tx.QueryRow(query, string(kind), sourceID, destID, ecosystem))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current relationship: %w", err)
	}
	return r, nil
}

func (c *Client) InsertCanonicalRelationshipTx(tx *sql.Tx, r *models.CanonicalRelationship) error {
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relationship payload: %w", err)
	}
	provenanceJSON, err := json.Marshal(r.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal relationship provenance: %w", err)
	}
	var conflictJSON interface{}
	if len(r.ConflictFields) > 0 {
		data, err := json.Marshal(r.ConflictFields)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict fields: %w", err)
		}
		conflictJSON = string(data)
	}

	query := `
		INSERT INTO canonical_relationships (id, kind, source_entity_id, dest_entity_id, ecosystem, payload, version, is_current, provenance, conflict_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.Exec(
		query,
		r.ID, string(r.Kind), r.SourceEntityID, r.DestEntityID, r.Ecosystem, string(payloadJSON),
		r.Version, boolToInt(r.IsCurrent), string(provenanceJSON), conflictJSON, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert canonical relationship: %w", err)
	}
	return nil
}

func (c *Client) SupersedeRelationshipTx(tx *sql.Tx, oldID, newID string) error {
	_, err := tx.Exec(
		`UPDATE canonical_relationships SET is_current = 0, superseded_by_id = ? WHERE id = ?`,
		newID, oldID,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede canonical relationship: %w", err)
	}
	return nil
}

// --- promotion bookkeeping ---

func (c *Client) StampPromotionTx(tx *sql.Tx, candidateID, entityID string, action models.PromotionAction, at time.Time) error {
	query := `
		UPDATE staging_candidates
		SET promoted_to_entity_id = ?, promoted_at = ?, promotion_action = ?, promotion_error = NULL
		WHERE id = ?
	`

	_, err := tx.Exec(query, entityID, at.Unix(), string(action), candidateID)
	if err != nil {
		return fmt.Errorf("failed to stamp promotion: %w", err)
	}
	return nil
}

// RecordPromotionError runs in its own transaction so the error survives the
// rollback of the failed promotion attempt.
func (c *Client) RecordPromotionError(ctx context.Context, candidateID, message string) error {
	_, err := c.db.ExecContext(
		ctx,
		`UPDATE staging_candidates SET promotion_action = ?, promotion_error = ? WHERE id = ?`,
		string(models.ActionError), message, candidateID,
	)
	if err != nil {
		return fmt.Errorf("failed to record promotion error: %w", err)
	}
	return nil
}

// ListAcceptedUnpromoted feeds batch promotion. Node kinds come first so
// edge promotions find their endpoints already promoted within one pass.
func (c *Client) ListAcceptedUnpromoted(ctx context.Context, limit int) ([]models.Candidate, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM staging_candidates
		WHERE status = 'accepted' AND promoted_to_entity_id IS NULL
		ORDER BY (CASE WHEN kind IN ('requires', 'connects_to', 'extends') THEN 1 ELSE 0 END) ASC, created_at ASC
	`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accepted candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		out = append(out, *cand)
	}
	return out, rows.Err()
}

// --- lineage reports ---

func (c *Client) InsertLineageReport(ctx context.Context, id string, r *models.LineageResult) error {
	passedJSON, err := json.Marshal(r.ChecksPassed)
	if err != nil {
		return fmt.Errorf("failed to marshal checks passed: %w", err)
	}
	failedJSON, err := json.Marshal(r.ChecksFailed)
	if err != nil {
		return fmt.Errorf("failed to marshal checks failed: %w", err)
	}

	query := `
		INSERT INTO lineage_reports (id, candidate_id, score, checks_passed, checks_failed, band_expected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx, query, id, r.CandidateID, r.Score, string(passedJSON), string(failedJSON), r.BandExpected, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert lineage report: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
