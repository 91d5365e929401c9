package model

import (
	"fmt"
	"time"
)

// DiskState represents the remediation lifecycle state of a disk
type DiskState string

const (
	// DiskStateHealthy indicates a disk serving data normally
	DiskStateHealthy DiskState = "healthy"
	// DiskStateSuspect indicates a degraded health signal under observation
	DiskStateSuspect DiskState = "suspect"
	// DiskStateFailed indicates a confirmed failure awaiting remediation
	DiskStateFailed DiskState = "failed"
	// DiskStatePendingRemoval indicates a remove/replace request was received by the coordinator
	DiskStatePendingRemoval DiskState = "pending_removal"
	// DiskStateRemoved indicates the disk was taken out of the cluster
	DiskStateRemoved DiskState = "removed"
	// DiskStateError indicates remediation is gated until an operator acts
	DiskStateError DiskState = "error"
	// DiskStateReplacing indicates a physical swap is in progress
	DiskStateReplacing DiskState = "replacing"
)

var diskTransitions = map[DiskState][]DiskState{
	DiskStateHealthy:        {DiskStateSuspect, DiskStateFailed},
	DiskStateSuspect:        {DiskStateHealthy, DiskStateFailed},
	DiskStateFailed:         {DiskStatePendingRemoval, DiskStateHealthy},
	DiskStatePendingRemoval: {DiskStateRemoved, DiskStateError, DiskStateReplacing, DiskStateFailed},
	DiskStateError:          {DiskStateReplacing, DiskStateHealthy, DiskStatePendingRemoval},
	DiskStateReplacing:      {DiskStateHealthy, DiskStateError},
	DiskStateRemoved:        {},
}

// IsValid reports whether s is one of the known disk states
func (s DiskState) IsValid() bool {
	_, ok := diskTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
// Staying in the same state is always allowed.
func (s DiskState) CanTransitionTo(next DiskState) bool {
	if s == next {
		return true
	}
	for _, allowed := range diskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsMonitorOwned reports whether monitor events may still move the disk.
// Every other state is owned by an operation or an operator.
func (s DiskState) IsMonitorOwned() bool {
	switch s {
	case DiskStateHealthy, DiskStateSuspect, DiskStateFailed:
		return true
	default:
		return false
	}
}

// DiskRole represents how a disk is used by the storage cluster
type DiskRole string

const (
	DiskRoleData    DiskRole = "data"
	DiskRoleJournal DiskRole = "journal"
)

// HealthSummary is the condensed health signal sampled by a node's monitor
type HealthSummary struct {
	SmartPassed        bool      `json:"smart_passed"`
	Mountable          bool      `json:"mountable"`
	ReallocatedSectors int64     `json:"reallocated_sectors"`
	PendingSectors     int64     `json:"pending_sectors"`
	MediaErrors        int64     `json:"media_errors"`
	TemperatureC       int32     `json:"temperature_c"`
	SampledAt          time.Time `json:"sampled_at"`
}

// Disk represents a physical block device tracked by the coordinator
type Disk struct {
	DiskID             string
	NodeID             string
	DevicePath         string
	State              DiskState
	Health             HealthSummary
	CapacityBytes      uint64
	Role               DiskRole
	LastTransitionTime time.Time
}

// Transition moves the disk to next, stamping the transition time.
func (d *Disk) Transition(next DiskState, at time.Time) error {
	if !d.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid disk transition %s -> %s for %s", d.State, next, d.DiskID)
	}
	if d.State != next {
		d.State = next
		d.LastTransitionTime = at
	}
	return nil
}

// Clone returns a copy safe to mutate
func (d *Disk) Clone() *Disk {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Node represents a host running a disk agent
type Node struct {
	NodeID   string
	Hostname string
	LastSeen time.Time
}
