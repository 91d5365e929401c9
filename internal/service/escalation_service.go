package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/store"
)

// TicketSink opens and updates tickets in an external tracker
type TicketSink interface {
	// CreateTicket opens a ticket; dedupeKey makes a retried creation idempotent
	CreateTicket(ctx context.Context, dedupeKey, diskID, title, body string) (string, error)
	UpdateTicket(ctx context.Context, externalID, note string) error
	CloseTicket(ctx context.Context, externalID, note string) error
}

// Notifier sends a chat notification
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// EscalationService hands denied and failed operations to a human. Each disk
// has at most one open ticket: the first escalation opens it and sends one
// notification, later ones append updates.
//
// Escalate must be called on the disk's worker so escalations for the same
// disk are serialized.
type EscalationService struct {
	store    store.Store
	sink     TicketSink
	notifier Notifier
	metrics  *metrics.CoordinatorMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewEscalationService creates a new escalation service
func NewEscalationService(
	st store.Store,
	sink TicketSink,
	notifier Notifier,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *EscalationService {
	return &EscalationService{
		store:    st,
		sink:     sink,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Escalate escalates the operation if it is denied or failed and has not been
// escalated yet. The operation's escalated flag is set only after the ticket
// has been opened or updated, so a failure here is retried by the sweeper.
func (s *EscalationService) Escalate(ctx context.Context, operationID string) error {
	var op *model.Operation
	var open *model.Ticket
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		op, err = tx.GetOperation(ctx, operationID)
		if err != nil {
			return err
		}
		open, err = tx.GetOpenTicket(ctx, op.DiskID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load escalation state for %s: %w", operationID, err)
	}

	if !op.NeedsEscalation() {
		return nil
	}

	if open != nil {
		return s.updateTicket(ctx, op, open)
	}
	return s.openTicket(ctx, op)
}

func (s *EscalationService) openTicket(ctx context.Context, op *model.Operation) error {
	title := fmt.Sprintf("Disk %s on node %s needs operator attention", op.DiskID, op.NodeID)
	externalID, err := s.sink.CreateTicket(ctx, op.OperationID, op.DiskID, title, describe(op))
	if err != nil {
		s.recordEscalation("failed")
		return fmt.Errorf("failed to open ticket for disk %s: %w", op.DiskID, err)
	}

	now := s.now()
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOperation(ctx, op.OperationID)
		if err != nil {
			return err
		}
		ticket := &model.Ticket{
			ExternalID:  externalID,
			DiskID:      op.DiskID,
			OperationID: op.OperationID,
			Status:      model.TicketOpen,
			OpenedAt:    now,
			UpdatedAt:   now,
		}
		if err := tx.CreateTicket(ctx, ticket); err != nil {
			return err
		}
		current.Escalated = true
		current.UpdatedAt = now
		return tx.UpdateOperation(ctx, current)
	})
	if err != nil {
		s.recordEscalation("failed")
		return fmt.Errorf("failed to record ticket %s for disk %s: %w", externalID, op.DiskID, err)
	}

	// One notification per opened ticket, sent only once the ticket is
	// recorded so a retried escalation cannot notify twice. A failed
	// notification does not block the escalation: the ticket is the durable
	// record.
	message := fmt.Sprintf("[bynar] %s %s for disk %s on %s: %s (ticket %s)",
		op.Kind, op.Status, op.DiskID, op.NodeID, op.Reason, externalID)
	if err := s.notifier.Notify(ctx, message); err != nil {
		s.logger.Error("Failed to send notification",
			zap.String("disk_id", op.DiskID),
			zap.String("ticket_id", externalID),
			zap.Error(err))
		s.recordNotification("failed")
	} else {
		s.recordNotification("sent")
	}

	s.recordEscalation("ticket_opened")
	s.logger.Info("Escalated operation",
		zap.String("operation_id", op.OperationID),
		zap.String("disk_id", op.DiskID),
		zap.String("ticket_id", externalID),
		zap.String("status", string(op.Status)))
	return nil
}

func (s *EscalationService) updateTicket(ctx context.Context, op *model.Operation, open *model.Ticket) error {
	if err := s.sink.UpdateTicket(ctx, open.ExternalID, describe(op)); err != nil {
		s.recordEscalation("failed")
		return fmt.Errorf("failed to update ticket %s: %w", open.ExternalID, err)
	}

	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOperation(ctx, op.OperationID)
		if err != nil {
			return err
		}
		ticket, err := tx.GetOpenTicket(ctx, op.DiskID)
		if err != nil {
			return err
		}
		ticket.Updates++
		ticket.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		current.Escalated = true
		current.UpdatedAt = now
		return tx.UpdateOperation(ctx, current)
	})
	if err != nil {
		s.recordEscalation("failed")
		return fmt.Errorf("failed to record update of ticket %s: %w", open.ExternalID, err)
	}

	s.recordEscalation("ticket_updated")
	s.logger.Info("Appended to open ticket",
		zap.String("operation_id", op.OperationID),
		zap.String("disk_id", op.DiskID),
		zap.String("ticket_id", open.ExternalID))
	return nil
}

// CloseExternal closes a ticket in the tracker after it was closed in the
// store. Failures are logged; the stored state is authoritative.
func (s *EscalationService) CloseExternal(ctx context.Context, ticket *model.Ticket, note string) {
	if err := s.sink.CloseTicket(ctx, ticket.ExternalID, note); err != nil {
		s.logger.Error("Failed to close ticket in tracker",
			zap.String("ticket_id", ticket.ExternalID),
			zap.String("disk_id", ticket.DiskID),
			zap.Error(err))
		return
	}
	s.recordEscalation("ticket_closed")
}

func describe(op *model.Operation) string {
	return fmt.Sprintf("Operation %s (%s, correlation %s) on disk %s was %s by %s: %s",
		op.OperationID, op.Kind, op.CorrelationID, op.DiskID, op.Status, op.DecidedBy, op.Reason)
}

func (s *EscalationService) recordEscalation(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordEscalation(outcome)
	}
}

func (s *EscalationService) recordNotification(status string) {
	if s.metrics != nil {
		s.metrics.RecordNotification(status)
	}
}
