package model

import "time"

// OperationKind represents the remediation action requested for a disk
type OperationKind string

const (
	OperationRemove  OperationKind = "remove"
	OperationReplace OperationKind = "replace"
	OperationAdd     OperationKind = "add"
)

// IsValid reports whether k is a known operation kind
func (k OperationKind) IsValid() bool {
	switch k {
	case OperationRemove, OperationReplace, OperationAdd:
		return true
	default:
		return false
	}
}

// TakesCapacity reports whether the operation removes the disk's replicas
func (k OperationKind) TakesCapacity() bool {
	return k == OperationRemove || k == OperationReplace
}

// OperationStatus represents the lifecycle of an operation
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationApproved   OperationStatus = "approved"
	OperationDenied     OperationStatus = "denied"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	// OperationCancelled marks a superseded request resolved as a no-op
	OperationCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether no further status change is allowed
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationDenied, OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// Decision is the arbiter's verdict on an operation request
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionDefer   Decision = "defer"
)

// DecidedBy records who produced an operation's decision
type DecidedBy string

const (
	DecidedByAuto     DecidedBy = "auto"
	DecidedByOperator DecidedBy = "operator"
)

// Operation is a remediation request for a single disk. Decisions are
// recorded on the operation and retained for audit after it terminates.
type Operation struct {
	OperationID   string
	CorrelationID string
	DiskID        string
	NodeID        string
	Kind          OperationKind
	Status        OperationStatus
	Reason        string
	DecidedBy     DecidedBy
	// Escalated is the outbox flag for denied/failed operations: false until
	// the escalation manager has opened or updated the disk's ticket.
	Escalated   bool
	RequestedAt time.Time
	UpdatedAt   time.Time
}

// Decision maps the operation status to the verdict returned to proposers
func (o *Operation) Decision() Decision {
	switch o.Status {
	case OperationApproved, OperationInProgress, OperationCompleted:
		return DecisionApprove
	case OperationDenied, OperationFailed:
		return DecisionDeny
	default:
		return DecisionDefer
	}
}

// IsDecided reports whether the operation has a recorded approve/deny verdict
func (o *Operation) IsDecided() bool {
	return o.Status != OperationPending
}

// NeedsEscalation reports whether the operation is waiting in the escalation outbox
func (o *Operation) NeedsEscalation() bool {
	return (o.Status == OperationDenied || o.Status == OperationFailed) && !o.Escalated
}

// Clone returns a copy safe to mutate
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// OperationEvent is one audit record of an operation status change
type OperationEvent struct {
	OperationID string
	Status      OperationStatus
	Reason      string
	DecidedBy   DecidedBy
	At          time.Time
}

// EventFor returns the audit record for the operation's current status
func EventFor(op *Operation) *OperationEvent {
	return &OperationEvent{
		OperationID: op.OperationID,
		Status:      op.Status,
		Reason:      op.Reason,
		DecidedBy:   op.DecidedBy,
		At:          op.UpdatedAt,
	}
}
