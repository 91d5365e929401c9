package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/safety"
	"github.com/devrev/bynar/internal/store"
	"github.com/devrev/bynar/internal/util/workerpool"
)

// SnapshotProvider supplies the cluster health snapshot used for decisions
type SnapshotProvider interface {
	Fresh(ctx context.Context) *model.ClusterHealthSnapshot
}

// CoordinatorService is the arbiter. Every disk-scoped request runs on the
// worker pool keyed by disk id, so requests for one disk are strictly
// ordered while different disks are decided in parallel. A reply is built
// only after the decision has been committed to the store.
type CoordinatorService struct {
	store       store.Store
	pool        *workerpool.WorkerPool
	health      SnapshotProvider
	escalation  *EscalationService
	idempotency *IdempotencyService
	addLimits   *nodeLimiter
	opts        CoordinatorOptions
	metrics     *metrics.CoordinatorMetrics
	logger      *zap.Logger

	now   func() time.Time
	newID func() string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinatorService creates a new coordinator service
func NewCoordinatorService(
	st store.Store,
	pool *workerpool.WorkerPool,
	health SnapshotProvider,
	escalation *EscalationService,
	idempotency *IdempotencyService,
	opts CoordinatorOptions,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *CoordinatorService {
	if opts.EscalationTimeout <= 0 {
		opts.EscalationTimeout = 30 * time.Second
	}
	return &CoordinatorService{
		store:       st,
		pool:        pool,
		health:      health,
		escalation:  escalation,
		idempotency: idempotency,
		addLimits:   newNodeLimiter(opts.AddRatePerMinute, opts.AddBurst),
		opts:        opts,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		stopCh:      make(chan struct{}),
	}
}

// Start sweeps operations whose escalation did not complete before the last
// shutdown, then keeps sweeping on an interval
func (s *CoordinatorService) Start(ctx context.Context) {
	if n, err := s.SweepEscalations(ctx); err != nil {
		s.logger.Error("Startup escalation sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("Startup escalation sweep completed", zap.Int("escalated", n))
	}

	if s.opts.SweepInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepEscalations(ctx); err != nil {
					s.logger.Warn("Escalation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the background sweeper
func (s *CoordinatorService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Propose decides on a remediation request
func (s *CoordinatorService) Propose(ctx context.Context, p *Proposal) (*DecisionResult, error) {
	if err := validateProposal(p); err != nil {
		return nil, err
	}

	start := s.now()
	var result *DecisionResult
	err := s.pool.Run(ctx, p.DiskID, func(ctx context.Context) error {
		var err error
		result, err = s.propose(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.metrics.RecordDecision(string(p.Kind), string(result.Decision), string(model.DecidedByAuto), s.now().Sub(start).Seconds())
	}
	return result, nil
}

func (s *CoordinatorService) propose(ctx context.Context, p *Proposal) (*DecisionResult, error) {
	if cached := s.idempotency.Get(ctx, p.CorrelationID); cached != nil {
		s.metrics.RecordReplay("cache")
		return &DecisionResult{
			CorrelationID: cached.CorrelationID,
			OperationID:   cached.OperationID,
			Decision:      cached.Decision,
			Reason:        cached.Reason,
			Status:        cached.Status,
			Replayed:      true,
		}, nil
	}

	snapshot := s.health.Fresh(ctx)
	now := s.now()

	var (
		result      *DecisionResult
		decided     *model.Operation
		reservation *rate.Reservation
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		result, decided, reservation = nil, nil, nil

		op, err := s.findOperation(ctx, tx, p)
		if err != nil {
			return err
		}
		if op != nil && op.Kind != p.Kind {
			result = s.deferResult(p.CorrelationID, op.OperationID,
				fmt.Sprintf("operation already active: %s %s", op.Kind, op.OperationID))
			return nil
		}
		// Decided operations include those decided by an operator while this
		// request was queued behind the override on the disk's worker.
		if op != nil && op.IsDecided() {
			result = replay(op)
			decided = op
			return nil
		}

		disk, err := tx.GetDisk(ctx, p.DiskID)
		if errors.Is(err, store.ErrNotFound) {
			disk = discoveredDisk(p, now)
		} else if err != nil {
			return err
		}
		disk.Health = p.Health

		created := false
		if op == nil {
			if !admits(p.Kind, disk.State) {
				result = s.deferResult(p.CorrelationID, "",
					fmt.Sprintf("superseded: disk %s is %s", disk.DiskID, disk.State))
				return nil
			}
			op = &model.Operation{
				OperationID:   s.newID(),
				CorrelationID: p.CorrelationID,
				DiskID:        p.DiskID,
				NodeID:        p.NodeID,
				Kind:          p.Kind,
				Status:        model.OperationPending,
				DecidedBy:     model.DecidedByAuto,
				RequestedAt:   now,
			}
			if p.Kind.TakesCapacity() {
				if err := transition(disk, model.DiskStatePendingRemoval, now); err != nil {
					return err
				}
			}
			created = true
		}

		in := safety.Input{
			Kind:     op.Kind,
			DiskID:   op.DiskID,
			NodeID:   op.NodeID,
			Snapshot: snapshot,
			Now:      now,
		}
		if op.Kind == model.OperationAdd {
			reservation = s.addLimits.reserve(op.NodeID, now)
			in.NodeThrottled = reservation.DelayFrom(now) > 0
		}
		verdict := safety.Evaluate(in, s.opts.Policy)

		previous := *op
		op.Reason = verdict.Reason
		op.DecidedBy = model.DecidedByAuto
		switch verdict.Decision {
		case model.DecisionApprove:
			op.Status = model.OperationApproved
		case model.DecisionDeny:
			op.Status = model.OperationDenied
			if err := transition(disk, model.DiskStateError, now); err != nil {
				return err
			}
		}

		if created {
			op.UpdatedAt = now
			if err := tx.CreateOperation(ctx, op); err != nil {
				return err
			}
		} else if op.Status != previous.Status || op.Reason != previous.Reason {
			op.UpdatedAt = now
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return err
			}
		}
		if err := tx.PutDisk(ctx, disk); err != nil {
			return err
		}

		result = &DecisionResult{
			CorrelationID: op.CorrelationID,
			OperationID:   op.OperationID,
			Decision:      verdict.Decision,
			Reason:        verdict.Reason,
			Status:        op.Status,
		}
		if verdict.Decision == model.DecisionDefer {
			result.RetryAfter = s.opts.RetryAfter
		}
		decided = op
		return nil
	})

	if reservation != nil && (err != nil || result.Decision != model.DecisionApprove) {
		reservation.CancelAt(now)
	}

	if err != nil {
		if apperrors.IsArbiterError(err) {
			return nil, err
		}
		return s.persistenceFailure("propose", p.CorrelationID, p.DiskID, err), nil
	}

	if result.Replayed {
		s.metrics.RecordReplay("store")
	}
	if decided != nil {
		s.idempotency.Record(ctx, p.CorrelationID, decided)
		if decided.NeedsEscalation() && !result.Replayed {
			s.scheduleEscalation(decided)
		}
	}

	s.logger.Info("Decided proposal",
		zap.String("correlation_id", p.CorrelationID),
		zap.String("disk_id", p.DiskID),
		zap.String("node_id", p.NodeID),
		zap.String("operation_id", result.OperationID),
		zap.String("kind", string(p.Kind)),
		zap.String("decision", string(result.Decision)),
		zap.Bool("replayed", result.Replayed),
		zap.String("reason", result.Reason))
	return result, nil
}

// findOperation resolves the operation a proposal refers to: the one recorded
// under its correlation id, else the disk's active operation, else nil
func (s *CoordinatorService) findOperation(ctx context.Context, tx store.Tx, p *Proposal) (*model.Operation, error) {
	op, err := tx.GetOperationByCorrelation(ctx, p.CorrelationID)
	if err == nil {
		if op.DiskID != p.DiskID {
			return nil, apperrors.InvalidArgument(
				fmt.Sprintf("correlation id %s belongs to disk %s", p.CorrelationID, op.DiskID), nil)
		}
		return op, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	op, err = tx.GetActiveOperation(ctx, p.DiskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return op, err
}

// Cancel withdraws an operation that has not started on the device
func (s *CoordinatorService) Cancel(ctx context.Context, req *CancelRequest) (*AckResult, error) {
	if req.CorrelationID == "" || req.DiskID == "" {
		return nil, apperrors.InvalidArgument("correlation_id and disk_id are required", nil)
	}

	var ack *AckResult
	var cancelled *model.Operation
	err := s.pool.Run(ctx, req.DiskID, func(ctx context.Context) error {
		now := s.now()
		return s.store.InTx(ctx, func(tx store.Tx) error {
			ack, cancelled = nil, nil

			op, err := tx.GetOperationByCorrelation(ctx, req.CorrelationID)
			if errors.Is(err, store.ErrNotFound) {
				ack = &AckResult{Accepted: false, Reason: "no operation for correlation id"}
				return nil
			}
			if err != nil {
				return err
			}
			if op.DiskID != req.DiskID {
				return apperrors.InvalidArgument(
					fmt.Sprintf("correlation id %s belongs to disk %s", req.CorrelationID, op.DiskID), nil)
			}

			switch op.Status {
			case model.OperationCancelled:
				ack = &AckResult{Accepted: true, Reason: "already cancelled"}
				return nil
			case model.OperationPending, model.OperationApproved:
			default:
				ack = &AckResult{Accepted: false, Reason: fmt.Sprintf("operation is %s", op.Status)}
				return nil
			}

			op.Status = model.OperationCancelled
			op.Reason = "cancelled: " + req.Reason
			op.UpdatedAt = now
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return err
			}

			if op.Kind.TakesCapacity() {
				disk, err := tx.GetDisk(ctx, op.DiskID)
				if err != nil {
					return err
				}
				if disk.State == model.DiskStatePendingRemoval {
					if err := transition(disk, model.DiskStateFailed, now); err != nil {
						return err
					}
					if err := tx.PutDisk(ctx, disk); err != nil {
						return err
					}
				}
			}

			ack = &AckResult{Accepted: true}
			cancelled = op
			return nil
		})
	})
	if err != nil {
		if apperrors.IsArbiterError(err) {
			return nil, err
		}
		s.metrics.RecordPersistenceFailure("cancel")
		return nil, apperrors.PersistenceFailure("failed to record cancellation", err)
	}

	if cancelled != nil {
		s.idempotency.Record(ctx, req.CorrelationID, cancelled)
		s.logger.Info("Cancelled operation",
			zap.String("operation_id", cancelled.OperationID),
			zap.String("correlation_id", req.CorrelationID),
			zap.String("disk_id", req.DiskID),
			zap.String("reason", req.Reason))
	}
	return ack, nil
}

// ReportOutcome records progress or completion of an approved operation
func (s *CoordinatorService) ReportOutcome(ctx context.Context, report *OutcomeReport) (*AckResult, error) {
	if report.CorrelationID == "" || report.DiskID == "" {
		return nil, apperrors.InvalidArgument("correlation_id and disk_id are required", nil)
	}
	switch report.Status {
	case model.OperationInProgress, model.OperationCompleted, model.OperationFailed:
	default:
		return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid outcome status %q", report.Status), nil)
	}

	var ack *AckResult
	var updated *model.Operation
	err := s.pool.Run(ctx, report.DiskID, func(ctx context.Context) error {
		now := s.now()
		return s.store.InTx(ctx, func(tx store.Tx) error {
			ack, updated = nil, nil

			op, err := tx.GetOperationByCorrelation(ctx, report.CorrelationID)
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.NotFound("operation", report.CorrelationID)
			}
			if err != nil {
				return err
			}
			if op.DiskID != report.DiskID {
				return apperrors.InvalidArgument(
					fmt.Sprintf("correlation id %s belongs to disk %s", report.CorrelationID, op.DiskID), nil)
			}

			if op.Status == report.Status {
				ack = &AckResult{Accepted: true, Reason: "already recorded"}
				return nil
			}
			startable := op.Status == model.OperationApproved
			finishable := op.Status == model.OperationApproved || op.Status == model.OperationInProgress
			if (report.Status == model.OperationInProgress && !startable) || !finishable {
				ack = &AckResult{Accepted: false, Reason: fmt.Sprintf("operation is %s", op.Status)}
				return nil
			}

			op.Status = report.Status
			op.UpdatedAt = now
			if report.Status == model.OperationFailed {
				op.Reason = apperrors.DeviceActionFailure(op.DiskID, errors.New(report.Detail)).Error()
			} else if report.Detail != "" {
				op.Reason = report.Detail
			}
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return err
			}

			if report.Status != model.OperationInProgress {
				disk, err := tx.GetDisk(ctx, op.DiskID)
				if err != nil {
					return err
				}
				if err := transition(disk, outcomeState(op.Kind, report.Status), now); err != nil {
					return err
				}
				if err := tx.PutDisk(ctx, disk); err != nil {
					return err
				}
			}

			ack = &AckResult{Accepted: true}
			updated = op
			return nil
		})
	})
	if err != nil {
		if apperrors.IsArbiterError(err) {
			return nil, err
		}
		s.metrics.RecordPersistenceFailure("report_outcome")
		return nil, apperrors.PersistenceFailure("failed to record outcome", err)
	}

	if updated != nil {
		s.idempotency.Record(ctx, updated.CorrelationID, updated)
		if updated.NeedsEscalation() {
			s.scheduleEscalation(updated)
		}
		s.logger.Info("Recorded operation outcome",
			zap.String("operation_id", updated.OperationID),
			zap.String("correlation_id", report.CorrelationID),
			zap.String("disk_id", report.DiskID),
			zap.String("status", string(report.Status)))
	}
	return ack, nil
}

// outcomeState is the disk state after an operation of kind ends with status
func outcomeState(kind model.OperationKind, status model.OperationStatus) model.DiskState {
	if status == model.OperationFailed {
		return model.DiskStateError
	}
	switch kind {
	case model.OperationRemove:
		return model.DiskStateRemoved
	case model.OperationReplace:
		return model.DiskStateReplacing
	default:
		return model.DiskStateHealthy
	}
}

// Heartbeat records a node's liveness and its monitor's view of each disk,
// returning directives for disks whose authoritative state differs
func (s *CoordinatorService) Heartbeat(ctx context.Context, hb *HeartbeatRequest) ([]Directive, error) {
	if hb.NodeID == "" {
		return nil, apperrors.InvalidArgument("node_id is required", nil)
	}
	for _, r := range hb.Disks {
		if r.DiskID == "" || !r.State.IsValid() {
			return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid disk report %q state %q", r.DiskID, r.State), nil)
		}
	}

	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.PutNode(ctx, &model.Node{NodeID: hb.NodeID, Hostname: hb.Hostname, LastSeen: now})
	})
	if err != nil {
		s.metrics.RecordPersistenceFailure("heartbeat")
		return nil, apperrors.PersistenceFailure("failed to record node", err)
	}

	var mu sync.Mutex
	directives := make([]Directive, 0)
	g, gctx := errgroup.WithContext(ctx)
	for _, report := range hb.Disks {
		g.Go(func() error {
			return s.pool.Run(gctx, report.DiskID, func(ctx context.Context) error {
				d, err := s.applyReport(ctx, hb.NodeID, report)
				if err != nil || d == nil {
					return err
				}
				mu.Lock()
				directives = append(directives, *d)
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.RecordPersistenceFailure("heartbeat")
		return nil, apperrors.PersistenceFailure("failed to record disk reports", err)
	}

	sort.Slice(directives, func(i, j int) bool { return directives[i].DiskID < directives[j].DiskID })
	return directives, nil
}

// TouchNode records liveness observed outside a heartbeat
func (s *CoordinatorService) TouchNode(ctx context.Context, node *model.Node) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.PutNode(ctx, node)
	})
}

// applyReport applies a monitor state only while both the stored and the
// reported state are monitor-owned; every other state belongs to operations
// and operators
func (s *CoordinatorService) applyReport(ctx context.Context, nodeID string, r DiskReport) (*Directive, error) {
	now := s.now()
	var directive *Directive
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		directive = nil

		disk, err := tx.GetDisk(ctx, r.DiskID)
		if errors.Is(err, store.ErrNotFound) {
			state := r.State
			if !state.IsMonitorOwned() {
				state = model.DiskStateHealthy
			}
			disk = &model.Disk{DiskID: r.DiskID, State: state, LastTransitionTime: now}
			s.logger.Info("Discovered disk",
				zap.String("disk_id", r.DiskID),
				zap.String("node_id", nodeID),
				zap.String("state", string(state)))
		} else if err != nil {
			return err
		}

		disk.NodeID = nodeID
		disk.DevicePath = r.DevicePath
		disk.Health = r.Health
		disk.CapacityBytes = r.CapacityBytes
		if r.Role != "" {
			disk.Role = r.Role
		}

		if r.State != disk.State && r.State.IsMonitorOwned() && disk.State.IsMonitorOwned() {
			from := disk.State
			if err := disk.Transition(r.State, now); err != nil {
				s.logger.Debug("Ignoring monitor state",
					zap.String("disk_id", r.DiskID),
					zap.String("state", string(from)),
					zap.String("reported", string(r.State)))
			} else {
				s.logger.Info("Disk state changed by monitor",
					zap.String("disk_id", r.DiskID),
					zap.String("node_id", nodeID),
					zap.String("from", string(from)),
					zap.String("to", string(r.State)))
			}
		}

		if disk.State != r.State {
			directive = &Directive{DiskID: disk.DiskID, State: disk.State}
		}
		return tx.PutDisk(ctx, disk)
	})
	return directive, err
}

// Override applies an operator decision. It runs on the disk's worker, so it
// is ordered against automatic decisions for the same disk; proposals that
// run after it find the operation decided and replay the operator's verdict.
func (s *CoordinatorService) Override(ctx context.Context, req *OverrideRequest) (*DecisionResult, error) {
	if req.DiskID == "" || req.Operator == "" {
		return nil, apperrors.InvalidArgument("disk_id and operator are required", nil)
	}
	if !req.Action.IsValid() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid override action %q", req.Action), nil)
	}
	if !req.Kind.IsValid() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid operation kind %q", req.Kind), nil)
	}

	start := s.now()
	var result *DecisionResult
	var decided *model.Operation
	var closed *model.Ticket
	err := s.pool.Run(ctx, req.DiskID, func(ctx context.Context) error {
		now := s.now()
		return s.store.InTx(ctx, func(tx store.Tx) error {
			result, decided, closed = nil, nil, nil

			disk, err := tx.GetDisk(ctx, req.DiskID)
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.NotFound("disk", req.DiskID)
			}
			if err != nil {
				return err
			}

			op, err := tx.GetActiveOperation(ctx, req.DiskID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}

			target := model.OperationApproved
			if req.Action == model.OverrideForceDeny {
				target = model.OperationDenied
			}
			reason := fmt.Sprintf("%s by %s: %s", req.Action, req.Operator, req.Reason)

			created := false
			if op != nil {
				if op.Kind != req.Kind {
					return apperrors.Conflict(fmt.Sprintf("disk %s has an active %s operation %s", req.DiskID, op.Kind, op.OperationID))
				}
				if op.Status == model.OperationInProgress {
					return apperrors.Conflict(fmt.Sprintf("operation %s is already in progress", op.OperationID))
				}
			} else {
				if err := overrideAdmits(req, disk.State); err != nil {
					return err
				}
				nodeID := req.NodeID
				if nodeID == "" {
					nodeID = disk.NodeID
				}
				op = &model.Operation{
					OperationID:   s.newID(),
					CorrelationID: "override-" + s.newID(),
					DiskID:        req.DiskID,
					NodeID:        nodeID,
					Kind:          req.Kind,
					Status:        model.OperationPending,
					RequestedAt:   now,
				}
				created = true
				if req.Kind.TakesCapacity() && disk.State == model.DiskStateFailed {
					if err := transition(disk, model.DiskStatePendingRemoval, now); err != nil {
						return err
					}
				}
				// Approving a gated disk is the operator's way out of Error
				if target == model.OperationApproved && disk.State == model.DiskStateError {
					next := model.DiskStateReplacing
					if req.Kind.TakesCapacity() {
						next = model.DiskStatePendingRemoval
					}
					if err := transition(disk, next, now); err != nil {
						return err
					}
					closed, err = closeOpenTicket(ctx, tx, req.DiskID, now)
					if err != nil {
						return err
					}
				}
			}

			if target == model.OperationDenied && disk.State != model.DiskStateError {
				if err := transition(disk, model.DiskStateError, now); err != nil {
					return err
				}
			}

			op.Status = target
			op.Reason = reason
			op.DecidedBy = model.DecidedByOperator
			op.UpdatedAt = now
			if created {
				err = tx.CreateOperation(ctx, op)
			} else {
				err = tx.UpdateOperation(ctx, op)
			}
			if err != nil {
				return err
			}
			if err := tx.PutDisk(ctx, disk); err != nil {
				return err
			}

			result = &DecisionResult{
				CorrelationID: op.CorrelationID,
				OperationID:   op.OperationID,
				Decision:      op.Decision(),
				Reason:        reason,
				Status:        op.Status,
			}
			decided = op
			return nil
		})
	})
	if err != nil {
		if apperrors.IsArbiterError(err) {
			return nil, err
		}
		s.metrics.RecordPersistenceFailure("override")
		return nil, apperrors.PersistenceFailure("failed to record override", err)
	}

	s.metrics.RecordDecision(string(req.Kind), string(result.Decision), string(model.DecidedByOperator), s.now().Sub(start).Seconds())
	s.idempotency.Record(ctx, decided.CorrelationID, decided)
	if decided.NeedsEscalation() {
		s.scheduleEscalation(decided)
	}
	if closed != nil {
		note := fmt.Sprintf("Force approved by %s: %s", req.Operator, req.Reason)
		s.escalation.CloseExternal(ctx, closed, note)
	}

	s.logger.Info("Applied operator override",
		zap.String("disk_id", req.DiskID),
		zap.String("operation_id", decided.OperationID),
		zap.String("action", string(req.Action)),
		zap.String("operator", req.Operator))
	return result, nil
}

// overrideAdmits checks the disk state when an override has to create the
// operation itself. A gated disk admits either action.
func overrideAdmits(req *OverrideRequest, state model.DiskState) error {
	if req.Action == model.OverrideForceApprove {
		if state != model.DiskStateError && !admits(req.Kind, state) {
			return apperrors.InvalidTransition(req.DiskID, string(state), fmt.Sprintf("%s approved", req.Kind))
		}
		return nil
	}
	switch state {
	case model.DiskStateFailed, model.DiskStateReplacing, model.DiskStateError:
		return nil
	default:
		return apperrors.InvalidTransition(req.DiskID, string(state), string(model.DiskStateError))
	}
}

// ResolveTicket records the operator's resolution of a gated disk: the open
// ticket is closed and the disk re-enters the lifecycle
func (s *CoordinatorService) ResolveTicket(ctx context.Context, req *ResolveRequest) (*AckResult, error) {
	if req.DiskID == "" || req.Operator == "" {
		return nil, apperrors.InvalidArgument("disk_id and operator are required", nil)
	}
	if !req.Action.IsValid() {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid resolve action %q", req.Action), nil)
	}

	var closed *model.Ticket
	err := s.pool.Run(ctx, req.DiskID, func(ctx context.Context) error {
		now := s.now()
		return s.store.InTx(ctx, func(tx store.Tx) error {
			closed = nil

			disk, err := tx.GetDisk(ctx, req.DiskID)
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.NotFound("disk", req.DiskID)
			}
			if err != nil {
				return err
			}

			next := model.DiskStateHealthy
			if req.Action == model.ResolveReplaced {
				next = model.DiskStateReplacing
			}
			if disk.State != model.DiskStateError {
				return apperrors.InvalidTransition(req.DiskID, string(disk.State), string(next))
			}
			if err := transition(disk, next, now); err != nil {
				return err
			}
			if err := tx.PutDisk(ctx, disk); err != nil {
				return err
			}

			closed, err = closeOpenTicket(ctx, tx, req.DiskID, now)
			return err
		})
	})
	if err != nil {
		if apperrors.IsArbiterError(err) {
			return nil, err
		}
		s.metrics.RecordPersistenceFailure("resolve_ticket")
		return nil, apperrors.PersistenceFailure("failed to record resolution", err)
	}

	if closed != nil {
		note := fmt.Sprintf("Resolved by %s (%s): %s", req.Operator, req.Action, req.Note)
		s.escalation.CloseExternal(ctx, closed, note)
	}

	s.forgetDecisions(ctx, req.DiskID)

	s.logger.Info("Resolved disk",
		zap.String("disk_id", req.DiskID),
		zap.String("action", string(req.Action)),
		zap.String("operator", req.Operator))
	return &AckResult{Accepted: true}, nil
}

// closeOpenTicket closes the disk's open ticket, if any, and returns it
func closeOpenTicket(ctx context.Context, tx store.Tx, diskID string, now time.Time) (*model.Ticket, error) {
	ticket, err := tx.GetOpenTicket(ctx, diskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ticket.Status = model.TicketClosed
	ticket.UpdatedAt = now
	ticket.ClosedAt = &now
	if err := tx.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

// forgetDecisions evicts the cached replies of a resolved disk's finished
// operations. Replays after this are answered from the store.
func (s *CoordinatorService) forgetDecisions(ctx context.Context, diskID string) {
	ops, err := s.store.ListOperations(ctx, store.Filter{DiskID: diskID})
	if err != nil {
		s.logger.Warn("Failed to list operations of resolved disk",
			zap.String("disk_id", diskID),
			zap.Error(err))
		return
	}
	for _, op := range ops {
		if op.Status.IsTerminal() {
			s.idempotency.Forget(ctx, op.CorrelationID)
		}
	}
}

// Status lists nodes, disks, operations and tickets matching filter
func (s *CoordinatorService) Status(ctx context.Context, filter store.Filter) (*StatusResult, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, apperrors.PersistenceFailure("failed to list nodes", err)
	}
	disks, err := s.store.ListDisks(ctx, filter)
	if err != nil {
		return nil, apperrors.PersistenceFailure("failed to list disks", err)
	}
	ops, err := s.store.ListOperations(ctx, filter)
	if err != nil {
		return nil, apperrors.PersistenceFailure("failed to list operations", err)
	}
	tickets, err := s.store.ListTickets(ctx, filter)
	if err != nil {
		return nil, apperrors.PersistenceFailure("failed to list tickets", err)
	}

	if filter.NodeID != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.NodeID == filter.NodeID {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}

	return &StatusResult{Nodes: nodes, Disks: disks, Operations: ops, Tickets: tickets}, nil
}

// SweepEscalations escalates every denied or failed operation whose
// escalation has not completed, returning how many succeeded
func (s *CoordinatorService) SweepEscalations(ctx context.Context) (int, error) {
	ops, err := s.store.PendingEscalations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending escalations: %w", err)
	}
	s.metrics.UpdatePendingEscalations(len(ops))

	escalated := 0
	for _, op := range ops {
		err := s.pool.Run(ctx, op.DiskID, func(ctx context.Context) error {
			return s.escalation.Escalate(ctx, op.OperationID)
		})
		if err != nil {
			s.logger.Warn("Escalation retry failed",
				zap.String("operation_id", op.OperationID),
				zap.String("disk_id", op.DiskID),
				zap.Error(err))
			continue
		}
		escalated++
	}
	s.metrics.UpdatePendingEscalations(len(ops) - escalated)
	return escalated, nil
}

// scheduleEscalation queues the escalation behind the current task on the
// disk's worker. If the queue is full the sweeper picks it up later.
func (s *CoordinatorService) scheduleEscalation(op *model.Operation) {
	operationID := op.OperationID
	ok := s.pool.TrySubmit(workerpool.Task{
		ID:      "escalate-" + operationID,
		Key:     op.DiskID,
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.opts.EscalationTimeout)
			defer cancel()
			return s.escalation.Escalate(ctx, operationID)
		},
	})
	if !ok {
		s.logger.Warn("Escalation queue full, deferring to sweeper",
			zap.String("operation_id", operationID),
			zap.String("disk_id", op.DiskID))
	}
}

func (s *CoordinatorService) deferResult(correlationID, operationID, reason string) *DecisionResult {
	return &DecisionResult{
		CorrelationID: correlationID,
		OperationID:   operationID,
		Decision:      model.DecisionDefer,
		Reason:        reason,
		RetryAfter:    s.opts.RetryAfter,
	}
}

// persistenceFailure builds the reply for a decision that could not be
// committed. It is always a defer: no verdict is sent without a durable record.
func (s *CoordinatorService) persistenceFailure(op, correlationID, diskID string, err error) *DecisionResult {
	s.metrics.RecordPersistenceFailure(op)
	perr := apperrors.PersistenceFailure("decision not recorded", err)
	s.logger.Error("Failed to persist decision",
		zap.String("correlation_id", correlationID),
		zap.String("disk_id", diskID),
		zap.Error(err))

	return s.deferResult(correlationID, "", perr.Error())
}

func replay(op *model.Operation) *DecisionResult {
	return &DecisionResult{
		CorrelationID: op.CorrelationID,
		OperationID:   op.OperationID,
		Decision:      op.Decision(),
		Reason:        op.Reason,
		Status:        op.Status,
		Replayed:      true,
	}
}

// admits reports whether a new operation of kind may start on a disk in state
func admits(kind model.OperationKind, state model.DiskState) bool {
	if kind.TakesCapacity() {
		return state == model.DiskStateFailed || state == model.DiskStatePendingRemoval
	}
	return state == model.DiskStateReplacing
}

// discoveredDisk builds the record for a disk first seen in a proposal. The
// proposal itself is the monitor's report of its state.
func discoveredDisk(p *Proposal, now time.Time) *model.Disk {
	state := model.DiskStateReplacing
	if p.Kind.TakesCapacity() {
		state = model.DiskStateFailed
	}
	return &model.Disk{
		DiskID:             p.DiskID,
		NodeID:             p.NodeID,
		State:              state,
		Role:               model.DiskRoleData,
		LastTransitionTime: now,
	}
}

func transition(disk *model.Disk, next model.DiskState, at time.Time) error {
	if err := disk.Transition(next, at); err != nil {
		return apperrors.InvalidTransition(disk.DiskID, string(disk.State), string(next))
	}
	return nil
}

func validateProposal(p *Proposal) error {
	if p.CorrelationID == "" {
		return apperrors.InvalidArgument("correlation_id is required", nil)
	}
	if p.DiskID == "" {
		return apperrors.InvalidArgument("disk_id is required", nil)
	}
	if p.NodeID == "" {
		return apperrors.InvalidArgument("node_id is required", nil)
	}
	if !p.Kind.IsValid() {
		return apperrors.InvalidArgument(fmt.Sprintf("invalid operation kind %q", p.Kind), nil)
	}
	return nil
}

// nodeLimiter holds one token bucket per node for add operations
type nodeLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newNodeLimiter(perMinute float64, burst int) *nodeLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &nodeLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// reserve takes a token for nodeID; the caller cancels the reservation when
// the add is not approved
func (l *nodeLimiter) reserve(nodeID string, now time.Time) *rate.Reservation {
	l.mu.Lock()
	lim, ok := l.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[nodeID] = lim
	}
	l.mu.Unlock()
	return lim.ReserveN(now, 1)
}
