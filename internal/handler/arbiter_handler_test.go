package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/safety"
	"github.com/devrev/bynar/internal/service"
	"github.com/devrev/bynar/internal/store"
	"github.com/devrev/bynar/internal/util/workerpool"
	"github.com/devrev/bynar/internal/wire"
)

type staticSource struct {
	groups []model.PlacementGroup
}

func (s *staticSource) Snapshot(ctx context.Context) (*model.ClusterHealthSnapshot, error) {
	return &model.ClusterHealthSnapshot{Timestamp: time.Now(), PlacementGroups: s.groups}, nil
}

type nopSink struct{}

func (nopSink) CreateTicket(ctx context.Context, dedupeKey, diskID, title, body string) (string, error) {
	return "TKT-" + dedupeKey, nil
}
func (nopSink) UpdateTicket(ctx context.Context, externalID, note string) error { return nil }
func (nopSink) CloseTicket(ctx context.Context, externalID, note string) error  { return nil }
func (nopSink) Notify(ctx context.Context, message string) error               { return nil }

func startArbiter(t *testing.T, groups ...model.PlacementGroup) (wire.ArbiterClient, *store.MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewCoordinatorMetricsWith(prometheus.NewRegistry())
	st := store.NewMemoryStore()

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "handler-test", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	t.Cleanup(func() { _ = pool.Stop(5 * time.Second) })

	policy := safety.Policy{MinRedundancy: 2, StalenessThreshold: time.Minute}
	health := service.NewClusterHealthService(&staticSource{groups: groups}, time.Minute, time.Second, policy.StalenessThreshold, m, logger)
	escalation := service.NewEscalationService(st, nopSink{}, nopSink{}, m, logger)
	idempotency := service.NewIdempotencyService(nil, time.Hour, logger)
	coordinator := service.NewCoordinatorService(st, pool, health, escalation, idempotency,
		service.CoordinatorOptions{Policy: policy, AddRatePerMinute: 6, AddBurst: 1, RetryAfter: 15 * time.Second}, m, logger)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	wire.RegisterArbiterServer(s, NewArbiterHandler(coordinator, m, logger))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return wire.NewArbiterClient(conn), st
}

func TestArbiterHandler_ProposeAndReport(t *testing.T) {
	client, st := startArbiter(t, model.PlacementGroup{PGID: "1.a", LiveReplicas: 3, Members: []string{"d1", "d2", "d3"}})
	ctx := context.Background()

	hb, err := client.Heartbeat(ctx, &wire.Heartbeat{
		NodeID: "node-1",
		Disks:  []wire.DiskReport{{DiskID: "d1", State: model.DiskStateFailed, DevicePath: "/dev/sdc"}},
	})
	require.NoError(t, err)
	assert.Empty(t, hb.Directives)

	reply, err := client.Propose(ctx, &wire.ProposeRequest{
		CorrelationID: "c-1",
		DiskID:        "d1",
		NodeID:        "node-1",
		Kind:          model.OperationRemove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, reply.Decision)
	assert.Equal(t, "c-1", reply.CorrelationID)
	assert.Equal(t, model.OperationApproved, reply.Status)

	ack, err := client.ReportOutcome(ctx, &wire.OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationCompleted})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	d, err := st.GetDisk(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DiskStateRemoved, d.State)

	status, err := client.Status(ctx, &wire.StatusQuery{DiskID: "d1"})
	require.NoError(t, err)
	require.Len(t, status.Disks, 1)
	require.Len(t, status.Operations, 1)
	assert.Equal(t, model.OperationCompleted, status.Operations[0].Status)
}

func TestArbiterHandler_DeferCarriesRetryAfter(t *testing.T) {
	client, _ := startArbiter(t)
	ctx := context.Background()

	reply, err := client.Propose(ctx, &wire.ProposeRequest{CorrelationID: "a-0", DiskID: "d9", NodeID: "node-1", Kind: model.OperationAdd})
	require.NoError(t, err)
	require.Equal(t, model.DecisionApprove, reply.Decision)

	reply, err = client.Propose(ctx, &wire.ProposeRequest{CorrelationID: "a-1", DiskID: "d8", NodeID: "node-1", Kind: model.OperationAdd})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDefer, reply.Decision)
	assert.Equal(t, uint32(15), reply.RetryAfterSeconds)
}

func TestArbiterHandler_ErrorMapping(t *testing.T) {
	client, _ := startArbiter(t)
	ctx := context.Background()

	_, err := client.Propose(ctx, &wire.ProposeRequest{DiskID: "d1", NodeID: "node-1", Kind: model.OperationRemove})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ReportOutcome(ctx, &wire.OutcomeReport{CorrelationID: "nope", DiskID: "d1", Status: model.OperationCompleted})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.ResolveTicket(ctx, &wire.ResolveRequest{DiskID: "d1", Action: model.ResolveReset, Operator: "alice"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Heartbeat(ctx, &wire.Heartbeat{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
