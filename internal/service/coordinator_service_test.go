package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/store"
)

func TestPropose_ApprovesRemovalAndCompletes(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	// Healthy -> Suspect -> Failed through monitor reports
	for _, state := range []model.DiskState{model.DiskStateHealthy, model.DiskStateSuspect, model.DiskStateFailed} {
		directives, err := h.svc.Heartbeat(ctx, &HeartbeatRequest{
			NodeID: "node-1",
			Disks:  []DiskReport{{DiskID: "d1", DevicePath: "/dev/sdb", State: state}},
		})
		require.NoError(t, err)
		assert.Empty(t, directives)
	}
	assert.Equal(t, model.DiskStateFailed, h.disk(t, "d1").State)

	result, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, result.Decision)
	assert.Equal(t, model.OperationApproved, result.Status)
	assert.NotEmpty(t, result.OperationID)
	assert.False(t, result.Replayed)
	assert.Equal(t, model.DiskStatePendingRemoval, h.disk(t, "d1").State)

	ack, err := h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationInProgress})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	ack, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationCompleted})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	assert.Equal(t, model.DiskStateRemoved, h.disk(t, "d1").State)
	ops := h.operations(t, "d1")
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationCompleted, ops[0].Status)
	assert.Equal(t, 0, h.sink.createdCount())
}

func TestPropose_DeniesOnceForRetriedCorrelation(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	var first *DecisionResult
	for i := 0; i < 3; i++ {
		result, err := h.svc.Propose(ctx, remove("c-2", "d2"))
		require.NoError(t, err)
		assert.Equal(t, model.DecisionDeny, result.Decision)
		if first == nil {
			first = result
			continue
		}
		assert.True(t, result.Replayed)
		assert.Equal(t, first.OperationID, result.OperationID)
		assert.Equal(t, first.Reason, result.Reason)
	}
	h.drain(t, "d2")

	assert.Equal(t, model.DiskStateError, h.disk(t, "d2").State)
	assert.Equal(t, 1, h.sink.createdCount())
	assert.Equal(t, int32(1), h.notifier.sent.Load())

	tickets := h.tickets(t, "d2")
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketOpen, tickets[0].Status)
	assert.Equal(t, first.OperationID, tickets[0].OperationID)

	ops := h.operations(t, "d2")
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Escalated)
}

func TestPropose_DefersOnStaleSnapshotThenApproves(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d3", model.DiskStateFailed)
	h.source.set(time.Minute, pg("3.c", "d3", "d4", "d5"))

	result, err := h.svc.Propose(ctx, remove("c-3", "d3"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDefer, result.Decision)
	assert.Equal(t, model.OperationPending, result.Status)
	assert.Equal(t, 10*time.Second, result.RetryAfter)
	assert.Contains(t, result.Reason, "stale")

	h.source.set(0, pg("3.c", "d3", "d4", "d5"))

	retried, err := h.svc.Propose(ctx, remove("c-3", "d3"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, retried.Decision)
	assert.Equal(t, result.OperationID, retried.OperationID)
	assert.Len(t, h.operations(t, "d3"), 1)
}

func TestPropose_ConcurrentRemovesShareOneOperation(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	const n = 20
	results := make([]*DecisionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.svc.Propose(ctx, remove(fmt.Sprintf("c-%d", i), "d1"))
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	ops := h.operations(t, "d1")
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationApproved, ops[0].Status)

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, model.DecisionApprove, r.Decision)
		assert.Equal(t, ops[0].OperationID, r.OperationID)
		assert.Equal(t, ops[0].CorrelationID, r.CorrelationID)
	}
}

func TestPropose_DifferentKindWhileActiveDefers(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	_, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)

	result, err := h.svc.Propose(ctx, &Proposal{CorrelationID: "c-2", DiskID: "d1", NodeID: "node-1", Kind: model.OperationReplace})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDefer, result.Decision)
	assert.Contains(t, result.Reason, "operation already active")
	assert.Len(t, h.operations(t, "d1"), 1)
}

func TestPropose_SupersededWhenDiskRecovered(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	h.putDisk(t, "d1", model.DiskStateHealthy)
	h.source.set(0)

	result, err := h.svc.Propose(context.Background(), remove("c-1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDefer, result.Decision)
	assert.Contains(t, result.Reason, "superseded")
	assert.Empty(t, h.operations(t, "d1"))
	assert.Equal(t, model.DiskStateHealthy, h.disk(t, "d1").State)
}

func TestPropose_DiscoversUnknownDisk(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	h.source.set(0)

	result, err := h.svc.Propose(context.Background(), remove("c-1", "new"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, result.Decision)
	assert.Equal(t, model.DiskStatePendingRemoval, h.disk(t, "new").State)
}

func TestPropose_CorrelationReusedForOtherDisk(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(time.Hour)

	_, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)

	_, err = h.svc.Propose(ctx, remove("c-1", "d2"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidArgument))
}

func TestPropose_InvalidRequest(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})

	tests := []struct {
		name string
		p    *Proposal
	}{
		{"missing correlation", &Proposal{DiskID: "d1", NodeID: "n", Kind: model.OperationRemove}},
		{"missing disk", &Proposal{CorrelationID: "c", NodeID: "n", Kind: model.OperationRemove}},
		{"missing node", &Proposal{CorrelationID: "c", DiskID: "d1", Kind: model.OperationRemove}},
		{"bad kind", &Proposal{CorrelationID: "c", DiskID: "d1", NodeID: "n", Kind: "wipe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Propose(context.Background(), tt.p)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidArgument))
		})
	}
}

func TestPropose_PersistenceFailureDefers(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	h.store.fail.Store(true)
	result, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDefer, result.Decision)
	assert.Empty(t, result.OperationID)
	assert.Contains(t, result.Reason, "decision not recorded")

	h.drain(t, "d2")
	assert.Equal(t, 0, h.sink.createdCount())

	h.store.fail.Store(false)
	assert.Empty(t, h.operations(t, "d2"))
	assert.Equal(t, model.DiskStateFailed, h.disk(t, "d2").State)

	result, err = h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, result.Decision)
}

func TestPropose_AddIsRateLimitedPerNode(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{AddRatePerMinute: 1, AddBurst: 1})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateReplacing)
	h.putDisk(t, "d2", model.DiskStateReplacing)
	h.putDisk(t, "d3", model.DiskStateReplacing)
	h.source.set(0)

	add := func(corr, disk, node string) *DecisionResult {
		result, err := h.svc.Propose(ctx, &Proposal{CorrelationID: corr, DiskID: disk, NodeID: node, Kind: model.OperationAdd})
		require.NoError(t, err)
		return result
	}

	assert.Equal(t, model.DecisionApprove, add("a-1", "d1", "node-1").Decision)

	throttled := add("a-2", "d2", "node-1")
	assert.Equal(t, model.DecisionDefer, throttled.Decision)
	assert.Contains(t, throttled.Reason, "rate limit")

	// Another node has its own budget
	assert.Equal(t, model.DecisionApprove, add("a-3", "d3", "node-2").Decision)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	_, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)

	ack, err := h.svc.Cancel(ctx, &CancelRequest{CorrelationID: "c-1", DiskID: "d1", Reason: "disk recovered"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, model.DiskStateFailed, h.disk(t, "d1").State)

	ops := h.operations(t, "d1")
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationCancelled, ops[0].Status)

	ack, err = h.svc.Cancel(ctx, &CancelRequest{CorrelationID: "c-1", DiskID: "d1"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "already cancelled", ack.Reason)

	ack, err = h.svc.Cancel(ctx, &CancelRequest{CorrelationID: "unknown", DiskID: "d1"})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)

	// A retried proposal replays the cancellation rather than re-evaluating
	replayed, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, model.OperationCancelled, replayed.Status)
}

func TestCancel_RejectedOnceStarted(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	_, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)
	_, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationInProgress})
	require.NoError(t, err)

	ack, err := h.svc.Cancel(ctx, &CancelRequest{CorrelationID: "c-1", DiskID: "d1"})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "operation is in_progress", ack.Reason)
}

func TestReportOutcome_FailureEscalates(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	_, err := h.svc.Propose(ctx, remove("c-1", "d1"))
	require.NoError(t, err)

	ack, err := h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationFailed, Detail: "ceph osd out: timeout"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	h.drain(t, "d1")

	assert.Equal(t, model.DiskStateError, h.disk(t, "d1").State)
	ops := h.operations(t, "d1")
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationFailed, ops[0].Status)
	assert.Contains(t, ops[0].Reason, "ceph osd out: timeout")
	assert.True(t, ops[0].Escalated)
	assert.Equal(t, 1, h.sink.createdCount())

	// A late completion cannot resurrect a failed operation
	ack, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationCompleted})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
}

func TestReportOutcome_Errors(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()

	_, err := h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationApproved})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidArgument))

	_, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "d1", Status: model.OperationCompleted})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestReportOutcome_ReplaceThenAdd(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "d1", "d2", "d3"))

	result, err := h.svc.Propose(ctx, &Proposal{CorrelationID: "r-1", DiskID: "d1", NodeID: "node-1", Kind: model.OperationReplace})
	require.NoError(t, err)
	require.Equal(t, model.DecisionApprove, result.Decision)

	_, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "r-1", DiskID: "d1", Status: model.OperationCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.DiskStateReplacing, h.disk(t, "d1").State)

	result, err = h.svc.Propose(ctx, &Proposal{CorrelationID: "a-1", DiskID: "d1", NodeID: "node-1", Kind: model.OperationAdd})
	require.NoError(t, err)
	require.Equal(t, model.DecisionApprove, result.Decision)

	_, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "a-1", DiskID: "d1", Status: model.OperationCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.DiskStateHealthy, h.disk(t, "d1").State)
}

func TestHeartbeat_Directives(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d1", model.DiskStateError)
	h.putDisk(t, "d2", model.DiskStateHealthy)

	directives, err := h.svc.Heartbeat(ctx, &HeartbeatRequest{
		NodeID:   "node-1",
		Hostname: "storage-01",
		Disks: []DiskReport{
			{DiskID: "d2", State: model.DiskStateSuspect, CapacityBytes: 4 << 40},
			{DiskID: "d1", State: model.DiskStateFailed},
			{DiskID: "d3", State: model.DiskStateReplacing},
		},
	})
	require.NoError(t, err)

	// d1 is gated by an operator; d3 is new and starts healthy
	assert.Equal(t, []Directive{
		{DiskID: "d1", State: model.DiskStateError},
		{DiskID: "d3", State: model.DiskStateHealthy},
	}, directives)

	d2 := h.disk(t, "d2")
	assert.Equal(t, model.DiskStateSuspect, d2.State)
	assert.Equal(t, uint64(4<<40), d2.CapacityBytes)

	status, err := h.svc.Status(ctx, store.Filter{NodeID: "node-1"})
	require.NoError(t, err)
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, "storage-01", status.Nodes[0].Hostname)
	assert.Len(t, status.Disks, 3)
}

func TestHeartbeat_PersistenceFailure(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	h.store.fail.Store(true)

	_, err := h.svc.Heartbeat(context.Background(), &HeartbeatRequest{NodeID: "node-1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodePersistenceFailure))
}

func TestOverride_ForceApproveTakesPrecedence(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(time.Hour, pg("2.b", "d2", "d7"))

	deferred, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	require.Equal(t, model.DecisionDefer, deferred.Decision)

	result, err := h.svc.Override(ctx, &OverrideRequest{
		DiskID:   "d2",
		Kind:     model.OperationRemove,
		Action:   model.OverrideForceApprove,
		Operator: "alice",
		Reason:   "data already migrated",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, result.Decision)
	assert.Equal(t, deferred.OperationID, result.OperationID)

	// The agent's retry sees the operator's verdict, even though the
	// evaluator would deny it now
	h.source.set(0, pg("2.b", "d2", "d7"))
	retried, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, retried.Decision)
	assert.True(t, retried.Replayed)

	ops := h.operations(t, "d2")
	require.Len(t, ops, 1)
	assert.Equal(t, model.DecidedByOperator, ops[0].DecidedBy)
}

func TestOverride_TwoDenialsOneTicket(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	denied, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	require.Equal(t, model.DecisionDeny, denied.Decision)

	result, err := h.svc.Override(ctx, &OverrideRequest{
		DiskID:   "d2",
		Kind:     model.OperationRemove,
		Action:   model.OverrideForceDeny,
		Operator: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, result.Decision)
	assert.NotEqual(t, denied.OperationID, result.OperationID)
	h.drain(t, "d2")

	tickets := h.tickets(t, "d2")
	require.Len(t, tickets, 1)
	assert.Equal(t, 1, tickets[0].Updates)
	assert.Equal(t, 1, h.sink.createdCount())
	assert.Equal(t, int32(1), h.notifier.sent.Load())
	assert.Equal(t, 1, h.sink.updates[tickets[0].ExternalID])
}

func TestOverride_ForceApproveReleasesGatedDisk(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	denied, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	require.Equal(t, model.DecisionDeny, denied.Decision)
	h.drain(t, "d2")
	require.Equal(t, model.DiskStateError, h.disk(t, "d2").State)
	require.Len(t, h.tickets(t, "d2"), 1)

	result, err := h.svc.Override(ctx, &OverrideRequest{
		DiskID:   "d2",
		Kind:     model.OperationRemove,
		Action:   model.OverrideForceApprove,
		Operator: "alice",
		Reason:   "replica rebuilt elsewhere",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, result.Decision)
	assert.NotEqual(t, denied.OperationID, result.OperationID)

	assert.Equal(t, model.DiskStatePendingRemoval, h.disk(t, "d2").State)
	tickets := h.tickets(t, "d2")
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketClosed, tickets[0].Status)
	assert.Equal(t, []string{tickets[0].ExternalID}, h.sink.closed)
}

func TestOverride_Errors(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "healthy", model.DiskStateHealthy)
	h.putDisk(t, "busy", model.DiskStateFailed)
	h.source.set(0, pg("1.a", "busy", "d2", "d3"))

	_, err := h.svc.Propose(ctx, remove("c-1", "busy"))
	require.NoError(t, err)
	_, err = h.svc.ReportOutcome(ctx, &OutcomeReport{CorrelationID: "c-1", DiskID: "busy", Status: model.OperationInProgress})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *OverrideRequest
		code apperrors.ErrorCode
	}{
		{"missing operator", &OverrideRequest{DiskID: "healthy", Kind: model.OperationRemove, Action: model.OverrideForceApprove}, apperrors.ErrCodeInvalidArgument},
		{"bad action", &OverrideRequest{DiskID: "healthy", Kind: model.OperationRemove, Action: "maybe", Operator: "op"}, apperrors.ErrCodeInvalidArgument},
		{"unknown disk", &OverrideRequest{DiskID: "nope", Kind: model.OperationRemove, Action: model.OverrideForceApprove, Operator: "op"}, apperrors.ErrCodeNotFound},
		{"healthy disk", &OverrideRequest{DiskID: "healthy", Kind: model.OperationRemove, Action: model.OverrideForceApprove, Operator: "op"}, apperrors.ErrCodeInvalidTransition},
		{"in progress", &OverrideRequest{DiskID: "busy", Kind: model.OperationRemove, Action: model.OverrideForceDeny, Operator: "op"}, apperrors.ErrCodeConflict},
		{"other kind", &OverrideRequest{DiskID: "busy", Kind: model.OperationReplace, Action: model.OverrideForceDeny, Operator: "op"}, apperrors.ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Override(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}
}

func TestResolveTicket(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	_, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	h.drain(t, "d2")
	require.Len(t, h.tickets(t, "d2"), 1)
	_, err = h.cache.Get(ctx, "c-2")
	require.NoError(t, err)

	ack, err := h.svc.ResolveTicket(ctx, &ResolveRequest{DiskID: "d2", Action: model.ResolveReplaced, Operator: "alice", Note: "swapped bay 4"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	// The resolved disk's cached denial is evicted; a replay reads the store
	_, err = h.cache.Get(ctx, "c-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	replay, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, replay.Decision)
	assert.True(t, replay.Replayed)

	assert.Equal(t, model.DiskStateReplacing, h.disk(t, "d2").State)
	tickets := h.tickets(t, "d2")
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketClosed, tickets[0].Status)
	require.NotNil(t, tickets[0].ClosedAt)
	assert.Equal(t, []string{tickets[0].ExternalID}, h.sink.closed)

	_, err = h.svc.ResolveTicket(ctx, &ResolveRequest{DiskID: "d2", Action: model.ResolveReset, Operator: "alice"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))
}

func TestSweepEscalations_RetriesFailedEscalation(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{})
	ctx := context.Background()
	h.putDisk(t, "d2", model.DiskStateFailed)
	h.source.set(0, pg("2.b", "d2", "d7"))

	h.sink.mu.Lock()
	h.sink.createErr = fmt.Errorf("tracker unavailable")
	h.sink.mu.Unlock()

	_, err := h.svc.Propose(ctx, remove("c-2", "d2"))
	require.NoError(t, err)
	h.drain(t, "d2")

	pending, err := h.store.PendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.sink.mu.Lock()
	h.sink.createErr = nil
	h.sink.mu.Unlock()

	n, err := h.svc.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.sink.createdCount())

	pending, err = h.store.PendingEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = h.svc.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
