package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
)

// HealthSource provides cluster health snapshots
type HealthSource interface {
	Snapshot(ctx context.Context) (*model.ClusterHealthSnapshot, error)
}

// ClusterHealthService keeps the latest cluster health snapshot. It refreshes
// on a ticker and on demand; concurrent refreshes share one fetch.
type ClusterHealthService struct {
	source          HealthSource
	refreshInterval time.Duration
	timeout         time.Duration
	staleness       time.Duration
	metrics         *metrics.CoordinatorMetrics
	logger          *zap.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	snapshot *model.ClusterHealthSnapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewClusterHealthService creates a new cluster health service
func NewClusterHealthService(
	source HealthSource,
	refreshInterval, timeout, staleness time.Duration,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *ClusterHealthService {
	return &ClusterHealthService{
		source:          source,
		refreshInterval: refreshInterval,
		timeout:         timeout,
		staleness:       staleness,
		metrics:         m,
		logger:          logger,
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
}

// Start begins periodic refreshes
func (s *ClusterHealthService) Start(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("Initial cluster health refresh failed", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Refresh(ctx); err != nil {
					s.logger.Warn("Cluster health refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops periodic refreshes. It is safe to call more than once.
func (s *ClusterHealthService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Refresh fetches a snapshot and stores it if it is newer than the current one.
// The fetch is shared by concurrent callers, so it runs detached from the
// caller's cancellation and is bounded by the refresh timeout instead.
func (s *ClusterHealthService) Refresh(ctx context.Context) (*model.ClusterHealthSnapshot, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, s.timeout)
			defer cancel()
		}

		snap, err := s.source.Snapshot(fetchCtx)
		if err != nil {
			s.record("error", 0)
			return nil, err
		}

		s.mu.Lock()
		if s.snapshot == nil || !snap.Timestamp.Before(s.snapshot.Timestamp) {
			s.snapshot = snap
		}
		current := s.snapshot
		s.mu.Unlock()

		s.record("success", current.Age(s.now()).Seconds())
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ClusterHealthSnapshot), nil
}

func (s *ClusterHealthService) record(status string, age float64) {
	if s.metrics != nil {
		s.metrics.RecordSnapshotRefresh(status, age)
	}
}

// Current returns the latest snapshot, or nil if none was ever fetched.
// Snapshots are never mutated after they are stored.
func (s *ClusterHealthService) Current() *model.ClusterHealthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Fresh returns the current snapshot, refreshing first when it is missing or
// older than the staleness threshold. The result may still be stale if the
// refresh fails; the safety evaluator defers in that case.
func (s *ClusterHealthService) Fresh(ctx context.Context) *model.ClusterHealthSnapshot {
	snap := s.Current()
	if snap != nil && snap.Age(s.now()) <= s.staleness {
		return snap
	}

	refreshed, err := s.Refresh(ctx)
	if err != nil {
		s.logger.Warn("On-demand cluster health refresh failed", zap.Error(err))
		return snap
	}
	return refreshed
}

// Check reports an error when the snapshot is missing or stale
func (s *ClusterHealthService) Check(ctx context.Context) error {
	snap := s.Current()
	if snap == nil {
		return fmt.Errorf("no cluster health snapshot")
	}
	if age := snap.Age(s.now()); age > s.staleness {
		return fmt.Errorf("cluster health snapshot is %v old", age.Truncate(time.Second))
	}
	return nil
}
