package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDecisionCache implements DecisionCache for Redis
type RedisDecisionCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisDecisionCache creates a new Redis decision cache
func NewRedisDecisionCache(host string, port int, password string, db int, logger *zap.Logger) (*RedisDecisionCache, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisDecisionCache(client, logger), nil
}

func newRedisDecisionCache(client *redis.Client, logger *zap.Logger) *RedisDecisionCache {
	return &RedisDecisionCache{
		client: client,
		prefix: "bynar:decision:",
		logger: logger,
	}
}

// Get retrieves a cached decision
func (c *RedisDecisionCache) Get(ctx context.Context, correlationID string) (*CachedDecision, error) {
	data, err := c.client.Get(ctx, c.prefix+correlationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var decision CachedDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &decision, nil
}

// Set stores a decision with TTL
func (c *RedisDecisionCache) Set(ctx context.Context, correlationID string, decision *CachedDecision, ttl time.Duration) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return c.client.Set(ctx, c.prefix+correlationID, data, ttl).Err()
}

// Delete removes a cached decision
func (c *RedisDecisionCache) Delete(ctx context.Context, correlationID string) error {
	return c.client.Del(ctx, c.prefix+correlationID).Err()
}

// Ping checks the Redis connection
func (c *RedisDecisionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (c *RedisDecisionCache) Close() error {
	return c.client.Close()
}
