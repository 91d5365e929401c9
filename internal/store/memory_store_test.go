package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/bynar/internal/model"
)

func newOp(id, corr, disk string, status model.OperationStatus) *model.Operation {
	at := time.Unix(1700000000, 0)
	return &model.Operation{
		OperationID:   id,
		CorrelationID: corr,
		DiskID:        disk,
		NodeID:        "node-1",
		Kind:          model.OperationRemove,
		Status:        status,
		DecidedBy:     model.DecidedByAuto,
		RequestedAt:   at,
		UpdatedAt:     at,
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutDisk(ctx, &model.Disk{DiskID: "d1", State: model.DiskStateFailed}))
		require.NoError(t, tx.CreateOperation(ctx, newOp("op-1", "c1", "d1", model.OperationApproved)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetDisk(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	ops, err := s.ListOperations(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMemoryStore_OneActiveOperationPerDisk(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateOperation(ctx, newOp("op-1", "c1", "d1", model.OperationApproved))
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreateOperation(ctx, newOp("op-2", "c2", "d1", model.OperationPending))
	})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.CreateOperation(ctx, newOp("op-3", "c1", "d2", model.OperationPending))
	})
	assert.ErrorIs(t, err, ErrConflict, "correlation ids are unique")

	// once terminal, a new operation may start
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		op, err := tx.GetActiveOperation(ctx, "d1")
		if err != nil {
			return err
		}
		op.Status = model.OperationCompleted
		if err := tx.UpdateOperation(ctx, op); err != nil {
			return err
		}
		return tx.CreateOperation(ctx, newOp("op-4", "c4", "d1", model.OperationPending))
	}))

	history, err := s.OperationHistory(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.OperationApproved, history[0].Status)
	assert.Equal(t, model.OperationCompleted, history[1].Status)
}

func TestMemoryStore_LookupByCorrelation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateOperation(ctx, newOp("op-1", "corr-1", "d1", model.OperationDenied))
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		op, err := tx.GetOperationByCorrelation(ctx, "corr-1")
		require.NoError(t, err)
		assert.Equal(t, "op-1", op.OperationID)

		_, err = tx.GetActiveOperation(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = tx.GetOperationByCorrelation(ctx, "corr-x")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestMemoryStore_OneOpenTicketPerDisk(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateTicket(ctx, &model.Ticket{ExternalID: "T-1", DiskID: "d1", Status: model.TicketOpen, OpenedAt: at, UpdatedAt: at})
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreateTicket(ctx, &model.Ticket{ExternalID: "T-2", DiskID: "d1", Status: model.TicketOpen, OpenedAt: at, UpdatedAt: at})
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ticket, err := tx.GetOpenTicket(ctx, "d1")
		if err != nil {
			return err
		}
		closed := at.Add(time.Hour)
		ticket.Status = model.TicketClosed
		ticket.ClosedAt = &closed
		if err := tx.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		return tx.CreateTicket(ctx, &model.Ticket{ExternalID: "T-2", DiskID: "d1", Status: model.TicketOpen, OpenedAt: closed, UpdatedAt: closed})
	}))

	tickets, err := s.ListTickets(ctx, Filter{DiskID: "d1"})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.False(t, tickets[0].IsOpen())
	assert.True(t, tickets[1].IsOpen())
}

func TestMemoryStore_PendingEscalations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	escalated := newOp("op-3", "c3", "d3", model.OperationDenied)
	escalated.Escalated = true

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, op := range []*model.Operation{
			newOp("op-1", "c1", "d1", model.OperationDenied),
			newOp("op-2", "c2", "d2", model.OperationFailed),
			escalated,
			newOp("op-4", "c4", "d4", model.OperationApproved),
		} {
			if err := tx.CreateOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := s.PendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []string{"op-1", "op-2"}, []string{pending[0].OperationID, pending[1].OperationID})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.PutDisk(ctx, &model.Disk{DiskID: "d1", NodeID: "n1", State: model.DiskStateHealthy})
	}))

	d, err := s.GetDisk(ctx, "d1")
	require.NoError(t, err)
	d.State = model.DiskStateRemoved

	again, err := s.GetDisk(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DiskStateHealthy, again.State)

	disks, err := s.ListDisks(ctx, Filter{NodeID: "n2"})
	require.NoError(t, err)
	assert.Empty(t, disks)
}

func TestMemoryDecisionCache_Expiry(t *testing.T) {
	c := NewMemoryDecisionCache(2)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "c1", &CachedDecision{OperationID: "op-1", Decision: model.DecisionDeny}, time.Minute))
	got, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, got.Decision)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDecisionCache_EvictsWhenFull(t *testing.T) {
	c := NewMemoryDecisionCache(2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "c1", &CachedDecision{}, time.Minute))
	require.NoError(t, c.Set(ctx, "c2", &CachedDecision{}, time.Hour))
	require.NoError(t, c.Set(ctx, "c3", &CachedDecision{}, time.Hour))

	assert.Equal(t, 2, c.Size())
	_, err := c.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, "c2"))
	assert.Equal(t, 1, c.Size())
}
