package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/safety"
	"github.com/devrev/bynar/internal/store"
	"github.com/devrev/bynar/internal/util/workerpool"
)

// fakeSource serves a configurable snapshot, stamped with the current time
// unless a fixed age is set
type fakeSource struct {
	mu     sync.Mutex
	groups []model.PlacementGroup
	age    time.Duration
	err    error
	calls  atomic.Int32
}

func (f *fakeSource) Snapshot(ctx context.Context) (*model.ClusterHealthSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.ClusterHealthSnapshot{
		Timestamp:       time.Now().Add(-f.age),
		PlacementGroups: append([]model.PlacementGroup(nil), f.groups...),
	}, nil
}

func (f *fakeSource) set(age time.Duration, groups ...model.PlacementGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.age = age
	f.groups = groups
}

// fakeSink records ticket calls
type fakeSink struct {
	mu        sync.Mutex
	created   []string
	updates   map[string]int
	closed    []string
	createErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{updates: make(map[string]int)}
}

func (f *fakeSink) CreateTicket(ctx context.Context, dedupeKey, diskID, title, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("TKT-%d", len(f.created)+1)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeSink) UpdateTicket(ctx context.Context, externalID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[externalID]++
	return nil
}

func (f *fakeSink) CloseTicket(ctx context.Context, externalID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, externalID)
	return nil
}

func (f *fakeSink) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeNotifier counts notifications
type fakeNotifier struct {
	sent atomic.Int32
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent.Add(1)
	return nil
}

// flakyStore fails every transaction while fail is set
type flakyStore struct {
	store.Store
	fail atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (f *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.fail.Load() {
		return errStoreDown
	}
	return f.Store.InTx(ctx, fn)
}

type harness struct {
	store    *flakyStore
	pool     *workerpool.WorkerPool
	source   *fakeSource
	sink     *fakeSink
	notifier *fakeNotifier
	metrics  *metrics.CoordinatorMetrics
	cache    store.DecisionCache
	svc      *CoordinatorService
}

func newHarness(t *testing.T, opts CoordinatorOptions) *harness {
	t.Helper()

	logger := zap.NewNop()
	h := &harness{
		store:    &flakyStore{Store: store.NewMemoryStore()},
		source:   &fakeSource{},
		sink:     newFakeSink(),
		notifier: &fakeNotifier{},
		metrics:  metrics.NewCoordinatorMetricsWith(prometheus.NewRegistry()),
		cache:    store.NewMemoryDecisionCache(1024),
	}
	h.pool = workerpool.NewWorkerPool(&workerpool.Config{Name: "test", MaxWorkers: 4, QueueSize: 64, Logger: logger})
	t.Cleanup(func() { _ = h.pool.Stop(5 * time.Second) })

	if opts.Policy.MinRedundancy == 0 {
		opts.Policy = safety.Policy{MinRedundancy: 2, StalenessThreshold: 30 * time.Second}
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 10 * time.Second
	}

	health := NewClusterHealthService(h.source, time.Minute, time.Second, opts.Policy.StalenessThreshold, h.metrics, logger)
	escalation := NewEscalationService(h.store, h.sink, h.notifier, h.metrics, logger)
	idempotency := NewIdempotencyService(h.cache, time.Hour, logger)
	h.svc = NewCoordinatorService(h.store, h.pool, health, escalation, idempotency, opts, h.metrics, logger)
	return h
}

// drain waits until every task queued for diskID so far has run
func (h *harness) drain(t *testing.T, diskID string) {
	t.Helper()
	require.NoError(t, h.pool.Run(context.Background(), diskID, func(context.Context) error { return nil }))
}

func (h *harness) putDisk(t *testing.T, diskID string, state model.DiskState) {
	t.Helper()
	require.NoError(t, h.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.PutDisk(context.Background(), &model.Disk{
			DiskID: diskID,
			NodeID: "node-1",
			State:  state,
			Role:   model.DiskRoleData,
		})
	}))
}

func (h *harness) disk(t *testing.T, diskID string) *model.Disk {
	t.Helper()
	d, err := h.store.GetDisk(context.Background(), diskID)
	require.NoError(t, err)
	return d
}

func (h *harness) operations(t *testing.T, diskID string) []*model.Operation {
	t.Helper()
	ops, err := h.store.ListOperations(context.Background(), store.Filter{DiskID: diskID})
	require.NoError(t, err)
	return ops
}

func (h *harness) tickets(t *testing.T, diskID string) []*model.Ticket {
	t.Helper()
	tickets, err := h.store.ListTickets(context.Background(), store.Filter{DiskID: diskID})
	require.NoError(t, err)
	return tickets
}

// pg builds a placement group with live replicas on the given disks
func pg(id string, disks ...string) model.PlacementGroup {
	return model.PlacementGroup{PGID: id, LiveReplicas: len(disks), Members: disks}
}

func remove(correlationID, diskID string) *Proposal {
	return &Proposal{CorrelationID: correlationID, DiskID: diskID, NodeID: "node-1", Kind: model.OperationRemove}
}
