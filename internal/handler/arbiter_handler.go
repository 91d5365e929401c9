package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/service"
	"github.com/devrev/bynar/internal/store"
	"github.com/devrev/bynar/internal/wire"
)

// ArbiterHandler serves the arbiter's grpc API
type ArbiterHandler struct {
	coordinatorService *service.CoordinatorService
	metrics            *metrics.CoordinatorMetrics
	logger             *zap.Logger
}

var _ wire.ArbiterServer = (*ArbiterHandler)(nil)

// NewArbiterHandler creates a new arbiter handler
func NewArbiterHandler(
	coordinatorService *service.CoordinatorService,
	m *metrics.CoordinatorMetrics,
	logger *zap.Logger,
) *ArbiterHandler {
	return &ArbiterHandler{
		coordinatorService: coordinatorService,
		metrics:            m,
		logger:             logger,
	}
}

// Propose handles remediation proposals
func (h *ArbiterHandler) Propose(ctx context.Context, req *wire.ProposeRequest) (*wire.DecisionReply, error) {
	h.metrics.RecordRequest("propose")
	if !req.Kind.IsValid() {
		return nil, h.fail("propose", apperrors.InvalidArgument("invalid operation kind: "+string(req.Kind), nil))
	}

	result, err := h.coordinatorService.Propose(ctx, &service.Proposal{
		CorrelationID: req.CorrelationID,
		DiskID:        req.DiskID,
		NodeID:        req.NodeID,
		Kind:          req.Kind,
		Health:        req.Health,
	})
	if err != nil {
		h.logger.Warn("Propose failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.String("disk_id", req.DiskID),
			zap.Error(err))
		return nil, h.fail("propose", err)
	}
	return toDecisionReply(result), nil
}

// Cancel handles withdrawals of superseded requests
func (h *ArbiterHandler) Cancel(ctx context.Context, req *wire.CancelRequest) (*wire.Ack, error) {
	h.metrics.RecordRequest("cancel")
	ack, err := h.coordinatorService.Cancel(ctx, &service.CancelRequest{
		CorrelationID: req.CorrelationID,
		DiskID:        req.DiskID,
		Reason:        req.Reason,
	})
	if err != nil {
		return nil, h.fail("cancel", err)
	}
	return &wire.Ack{Accepted: ack.Accepted, Reason: ack.Reason}, nil
}

// ReportOutcome handles device action results
func (h *ArbiterHandler) ReportOutcome(ctx context.Context, req *wire.OutcomeReport) (*wire.Ack, error) {
	h.metrics.RecordRequest("report_outcome")
	ack, err := h.coordinatorService.ReportOutcome(ctx, &service.OutcomeReport{
		CorrelationID: req.CorrelationID,
		DiskID:        req.DiskID,
		Status:        req.Status,
		Detail:        req.Detail,
	})
	if err != nil {
		h.logger.Warn("Outcome report failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.String("disk_id", req.DiskID),
			zap.Error(err))
		return nil, h.fail("report_outcome", err)
	}
	return &wire.Ack{Accepted: ack.Accepted, Reason: ack.Reason}, nil
}

// Heartbeat handles periodic node reports
func (h *ArbiterHandler) Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error) {
	h.metrics.RecordRequest("heartbeat")

	reports := make([]service.DiskReport, 0, len(req.Disks))
	for _, d := range req.Disks {
		reports = append(reports, service.DiskReport{
			DiskID:        d.DiskID,
			DevicePath:    d.DevicePath,
			State:         d.State,
			Health:        d.Health,
			CapacityBytes: d.CapacityBytes,
			Role:          d.Role,
		})
	}

	directives, err := h.coordinatorService.Heartbeat(ctx, &service.HeartbeatRequest{
		NodeID:   req.NodeID,
		Hostname: req.Hostname,
		Disks:    reports,
	})
	if err != nil {
		return nil, h.fail("heartbeat", err)
	}

	reply := &wire.HeartbeatReply{Directives: make([]wire.DiskDirective, 0, len(directives))}
	for _, d := range directives {
		reply.Directives = append(reply.Directives, wire.DiskDirective{DiskID: d.DiskID, State: d.State})
	}
	return reply, nil
}

// Status handles read-only status queries
func (h *ArbiterHandler) Status(ctx context.Context, req *wire.StatusQuery) (*wire.StatusReply, error) {
	h.metrics.RecordRequest("status")
	result, err := h.coordinatorService.Status(ctx, store.Filter{DiskID: req.DiskID, NodeID: req.NodeID})
	if err != nil {
		return nil, h.fail("status", err)
	}

	reply := &wire.StatusReply{
		Disks:      make([]model.Disk, 0, len(result.Disks)),
		Operations: make([]model.Operation, 0, len(result.Operations)),
		Tickets:    make([]model.Ticket, 0, len(result.Tickets)),
	}
	for _, d := range result.Disks {
		reply.Disks = append(reply.Disks, *d)
	}
	for _, op := range result.Operations {
		reply.Operations = append(reply.Operations, *op)
	}
	for _, t := range result.Tickets {
		reply.Tickets = append(reply.Tickets, *t)
	}
	return reply, nil
}

// Override handles operator decisions
func (h *ArbiterHandler) Override(ctx context.Context, req *wire.OverrideRequest) (*wire.DecisionReply, error) {
	h.metrics.RecordRequest("override")
	result, err := h.coordinatorService.Override(ctx, &service.OverrideRequest{
		DiskID:   req.DiskID,
		NodeID:   req.NodeID,
		Kind:     req.Kind,
		Action:   req.Action,
		Operator: req.Operator,
		Reason:   req.Reason,
	})
	if err != nil {
		h.logger.Warn("Override rejected",
			zap.String("disk_id", req.DiskID),
			zap.String("operator", req.Operator),
			zap.Error(err))
		return nil, h.fail("override", err)
	}
	return toDecisionReply(result), nil
}

// ResolveTicket handles operator resolutions
func (h *ArbiterHandler) ResolveTicket(ctx context.Context, req *wire.ResolveRequest) (*wire.Ack, error) {
	h.metrics.RecordRequest("resolve_ticket")
	ack, err := h.coordinatorService.ResolveTicket(ctx, &service.ResolveRequest{
		DiskID:   req.DiskID,
		Action:   req.Action,
		Operator: req.Operator,
		Note:     req.Note,
	})
	if err != nil {
		return nil, h.fail("resolve_ticket", err)
	}
	return &wire.Ack{Accepted: ack.Accepted, Reason: ack.Reason}, nil
}

func toDecisionReply(r *service.DecisionResult) *wire.DecisionReply {
	return &wire.DecisionReply{
		CorrelationID:     r.CorrelationID,
		OperationID:       r.OperationID,
		Decision:          r.Decision,
		Reason:            r.Reason,
		RetryAfterSeconds: uint32(r.RetryAfter.Seconds()),
		Status:            r.Status,
	}
}

// fail records the error and maps it to a grpc status
func (h *ArbiterHandler) fail(method string, err error) error {
	var ae *apperrors.ArbiterError
	switch {
	case errors.As(err, &ae):
		h.metrics.RecordError(method, ae.Code.String())
		return ae.ToGRPCStatus().Err()
	case errors.Is(err, context.DeadlineExceeded):
		h.metrics.RecordError(method, "deadline_exceeded")
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		h.metrics.RecordError(method, "canceled")
		return status.Error(codes.Canceled, err.Error())
	default:
		h.metrics.RecordError(method, "internal")
		return status.Error(codes.Internal, err.Error())
	}
}
