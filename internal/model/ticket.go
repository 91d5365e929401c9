package model

import "time"

// TicketStatus represents the state of an escalation ticket
type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

// Ticket tracks an escalation raised with the external ticketing system
type Ticket struct {
	ExternalID  string
	DiskID      string
	OperationID string
	Status      TicketStatus
	Updates     int
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// IsOpen reports whether the ticket still gates the disk
func (t *Ticket) IsOpen() bool {
	return t != nil && t.Status == TicketOpen
}

// Clone returns a copy safe to mutate
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		c.ClosedAt = &closed
	}
	return &c
}

// ResolveAction is the operator's verdict when closing a ticket
type ResolveAction string

const (
	// ResolveReset returns the disk to Healthy so the monitor re-evaluates it
	ResolveReset ResolveAction = "reset"
	// ResolveReplaced records a physical swap; the disk waits for an add operation
	ResolveReplaced ResolveAction = "replaced"
)

// IsValid reports whether a is a known resolve action
func (a ResolveAction) IsValid() bool {
	return a == ResolveReset || a == ResolveReplaced
}

// OverrideAction is a manual command taking precedence over automatic decisions
type OverrideAction string

const (
	OverrideForceApprove OverrideAction = "force_approve"
	OverrideForceDeny    OverrideAction = "force_deny"
)

// IsValid reports whether a is a known override action
func (a OverrideAction) IsValid() bool {
	return a == OverrideForceApprove || a == OverrideForceDeny
}
