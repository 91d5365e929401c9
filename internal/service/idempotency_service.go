package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/store"
)

// IdempotencyService answers repeated deliveries of a correlation id from a
// cache in front of the durable store. Only terminal decisions are cached:
// they can never change, so a cached reply is always the recorded one.
type IdempotencyService struct {
	cache  store.DecisionCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service. cache may be nil,
// in which case every lookup misses and replays are served from the store.
func NewIdempotencyService(cache store.DecisionCache, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached decision for correlationID, or nil on a miss.
// Cache errors are logged and treated as misses.
func (s *IdempotencyService) Get(ctx context.Context, correlationID string) *store.CachedDecision {
	if s.cache == nil || correlationID == "" {
		return nil
	}

	cached, err := s.cache.Get(ctx, correlationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read decision cache",
				zap.String("correlation_id", correlationID),
				zap.Error(err))
		}
		return nil
	}
	return cached
}

// Record caches the decision for op if it is terminal
func (s *IdempotencyService) Record(ctx context.Context, correlationID string, op *model.Operation) {
	if s.cache == nil || op == nil || !op.Status.IsTerminal() {
		return
	}

	entry := &store.CachedDecision{
		CorrelationID: correlationID,
		OperationID:   op.OperationID,
		Decision:      op.Decision(),
		Reason:        op.Reason,
		Status:        op.Status,
	}
	if err := s.cache.Set(ctx, correlationID, entry, s.ttl); err != nil {
		s.logger.Warn("Failed to cache decision",
			zap.String("correlation_id", correlationID),
			zap.String("operation_id", op.OperationID),
			zap.Error(err))
	}
}

// Forget drops the cached decision for correlationID
func (s *IdempotencyService) Forget(ctx context.Context, correlationID string) {
	if s.cache == nil || correlationID == "" {
		return
	}
	if err := s.cache.Delete(ctx, correlationID); err != nil {
		s.logger.Warn("Failed to evict cached decision",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

// Ping checks the cache backend
func (s *IdempotencyService) Ping(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}
