// Package neo4j mirrors the canonical store into a property graph for
// traversal queries. SQLite stays the system of record; this mirror is
// rebuilt from it and may lag behind.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/pkg/circuitbreaker"
	"github.com/curator-agent/backend/pkg/logger"
	"github.com/curator-agent/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j mirror initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// UpsertEntity writes one canonical entity node, keyed by id. A superseded
// version keeps its own node; consumers follow is_current.
func (c *Client) UpsertEntity(ctx context.Context, entity *models.CanonicalEntity) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (e:Entity {id: $id})
			SET e.kind = $kind,
			    e.canonical_key = $canonical_key,
			    e.ecosystem = $ecosystem,
			    e.name = $name,
			    e.version = $version,
			    e.is_current = $is_current,
			    e.updated_at = timestamp()
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"id":            entity.ID,
			"kind":          string(entity.Kind),
			"canonical_key": entity.CanonicalKey,
			"ecosystem":     entity.Ecosystem,
			"name":          payloadName(entity.Payload, entity.CanonicalKey),
			"version":       entity.Version,
			"is_current":    entity.IsCurrent,
		})
		return err
	})

	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	logger.Debug("Entity mirrored",
		zap.String("entity_id", entity.ID),
		zap.String("canonical_key", entity.CanonicalKey),
	)

	return nil
}

// UpsertRelationship writes one canonical relationship edge between two
// mirrored entity nodes. The relationship type is the uppercased kind, so
// requires becomes (s)-[:REQUIRES]->(d).
func (c *Client) UpsertRelationship(ctx context.Context, rel *models.CanonicalRelationship) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := fmt.Sprintf(`
			MATCH (s:Entity {id: $source_id})
			MATCH (d:Entity {id: $dest_id})
			MERGE (s)-[r:%s {id: $id}]->(d)
			SET r.ecosystem = $ecosystem,
			    r.version = $version,
			    r.is_current = $is_current,
			    r.updated_at = timestamp()
		`, relationshipType(rel.Kind))

		_, err := session.Run(ctx, query, map[string]interface{}{
			"id":         rel.ID,
			"source_id":  rel.SourceEntityID,
			"dest_id":    rel.DestEntityID,
			"ecosystem":  rel.Ecosystem,
			"version":    rel.Version,
			"is_current": rel.IsCurrent,
		})
		return err
	})

	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}

	logger.Debug("Relationship mirrored",
		zap.String("relationship_id", rel.ID),
		zap.String("source", rel.SourceEntityID),
		zap.String("dest", rel.DestEntityID),
	)

	return nil
}

// Neighborhood returns the current entities directly connected to the given
// entity, with the connecting relationship type.
func (c *Client) Neighborhood(ctx context.Context, entityID string, limit int) ([]Neighbor, error) {
	if limit <= 0 {
		limit = 25
	}

	var neighbors []Neighbor
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (e:Entity {id: $id})-[r]-(n:Entity)
			WHERE n.is_current = true
			RETURN n.id, n.kind, n.canonical_key, n.name, type(r)
			ORDER BY n.canonical_key
			LIMIT $limit
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"id":    entityID,
			"limit": limit,
		})
		if err != nil {
			return fmt.Errorf("failed to query neighborhood: %w", err)
		}

		neighbors = neighbors[:0]
		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("n.id")
			kind, _ := record.Get("n.kind")
			key, _ := record.Get("n.canonical_key")
			name, _ := record.Get("n.name")
			relType, _ := record.Get("type(r)")

			neighbors = append(neighbors, Neighbor{
				EntityID:     asString(id),
				Kind:         asString(kind),
				CanonicalKey: asString(key),
				Name:         asString(name),
				Relationship: asString(relType),
			})
		}

		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return neighbors, nil
}

type Neighbor struct {
	EntityID     string `json:"entity_id"`
	Kind         string `json:"kind"`
	CanonicalKey string `json:"canonical_key"`
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
}

func relationshipType(kind models.CandidateKind) string {
	return strings.ToUpper(strings.ReplaceAll(string(kind), "-", "_"))
}

func payloadName(payload map[string]interface{}, fallback string) string {
	if name, ok := payload["name"].(string); ok && name != "" {
		return name
	}
	return fallback
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
