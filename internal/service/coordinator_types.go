package service

import (
	"time"

	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/safety"
)

// Proposal is a remediation request from a disk agent
type Proposal struct {
	CorrelationID string
	DiskID        string
	NodeID        string
	Kind          model.OperationKind
	Health        model.HealthSummary
}

// DecisionResult is the reply to a proposal or an override
type DecisionResult struct {
	// CorrelationID is the canonical correlation id of the operation; it
	// differs from the request's when an active operation was reused.
	CorrelationID string
	OperationID   string
	Decision      model.Decision
	Reason        string
	Status        model.OperationStatus
	RetryAfter    time.Duration
	// Replayed is true when the reply repeats a recorded decision
	Replayed bool
}

// CancelRequest withdraws an undecided or approved-but-unstarted operation
type CancelRequest struct {
	CorrelationID string
	DiskID        string
	Reason        string
}

// OutcomeReport is an agent's report on an approved operation
type OutcomeReport struct {
	CorrelationID string
	DiskID        string
	Status        model.OperationStatus
	Detail        string
}

// AckResult acknowledges a request that carries no decision
type AckResult struct {
	Accepted bool
	Reason   string
}

// DiskReport is the monitor's view of one local disk
type DiskReport struct {
	DiskID        string
	DevicePath    string
	State         model.DiskState
	Health        model.HealthSummary
	CapacityBytes uint64
	Role          model.DiskRole
}

// HeartbeatRequest is a node's periodic report of its disks
type HeartbeatRequest struct {
	NodeID   string
	Hostname string
	Disks    []DiskReport
}

// Directive tells an agent the authoritative state of a disk
type Directive struct {
	DiskID string
	State  model.DiskState
}

// OverrideRequest is an operator's manual decision
type OverrideRequest struct {
	DiskID   string
	NodeID   string
	Kind     model.OperationKind
	Action   model.OverrideAction
	Operator string
	Reason   string
}

// ResolveRequest closes a disk's ticket after operator action
type ResolveRequest struct {
	DiskID   string
	Action   model.ResolveAction
	Operator string
	Note     string
}

// StatusResult is a read-only view of coordinator state
type StatusResult struct {
	Nodes      []*model.Node
	Disks      []*model.Disk
	Operations []*model.Operation
	Tickets    []*model.Ticket
}

// CoordinatorOptions holds decision policy and timing
type CoordinatorOptions struct {
	Policy            safety.Policy
	AddRatePerMinute  float64
	AddBurst          int
	RetryAfter        time.Duration
	SweepInterval     time.Duration
	EscalationTimeout time.Duration
}
