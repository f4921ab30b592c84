// Package evidence is the append-only store of raw captured payloads.
// Snapshots are identified by content hash and never updated or deleted;
// superseding content means inserting a new snapshot with a new hash.
package evidence

import (
	"context"
	"fmt"
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

type Store struct {
	db *sqlite.Client
}

func NewStore(db *sqlite.Client) *Store {
	return &Store{db: db}
}

// Put stores a payload and returns its snapshot id. Identical payloads for
// the same origin deduplicate to the existing id instead of inserting.
func (s *Store) Put(ctx context.Context, origin string, payload []byte) (string, error) {
	if origin == "" {
		return "", fmt.Errorf("origin is required")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is required")
	}

	hash := utils.ContentHash(payload)

	existing, found, err := s.db.FindSnapshotByHash(ctx, origin, hash)
	if err != nil {
		return "", err
	}
	if found {
		logger.Debug("Snapshot deduplicated",
			zap.String("snapshot_id", existing),
			zap.String("origin", origin),
		)
		return existing, nil
	}

	snap := &models.Snapshot{
		ID:          uuid.New().String(),
		Origin:      origin,
		ContentHash: hash,
		Payload:     payload,
		CapturedAt:  time.Now(),
	}

	err = s.db.InsertSnapshot(ctx, snap)
	if err != nil {
		// A concurrent Put of the same payload can win the unique
		// constraint race; the existing row is the correct answer.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, found, lookupErr := s.db.FindSnapshotByHash(ctx, origin, hash)
			if lookupErr == nil && found {
				return existing, nil
			}
		}
		return "", err
	}

	metrics.SnapshotsStored.Inc()
	logger.Info("Snapshot stored",
		zap.String("snapshot_id", snap.ID),
		zap.String("origin", origin),
		zap.Int("bytes", len(payload)),
	)

	return snap.ID, nil
}

// Get returns the snapshot bit-for-bit as stored.
func (s *Store) Get(ctx context.Context, snapshotID string) (*models.Snapshot, error) {
	return s.db.GetSnapshot(ctx, snapshotID)
}
