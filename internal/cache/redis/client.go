package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/curator-agent/backend/internal/metrics"
	"github.com/curator-agent/backend/internal/storage/models"
	"github.com/curator-agent/backend/pkg/logger"
)

// Client caches lineage reports keyed by candidate id. The inputs to a
// lineage check are frozen at staging time, so a cached report never goes
// stale; the TTL just bounds memory.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) SetLineage(ctx context.Context, candidateID string, result *models.LineageResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal lineage report: %w", err)
	}

	if err := c.client.Set(ctx, lineageKey(candidateID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set lineage cache: %w", err)
	}

	logger.Debug("Lineage report cached", zap.String("candidate_id", candidateID))
	return nil
}

func (c *Client) GetLineage(ctx context.Context, candidateID string) (*models.LineageResult, bool, error) {
	data, err := c.client.Get(ctx, lineageKey(candidateID)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("lineage").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get lineage cache: %w", err)
	}

	var result models.LineageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal lineage report: %w", err)
	}

	metrics.CacheHits.WithLabelValues("lineage").Inc()
	logger.Debug("Lineage cache hit", zap.String("candidate_id", candidateID))
	return &result, true, nil
}

func lineageKey(candidateID string) string {
	return fmt.Sprintf("lineage:%s", candidateID)
}
