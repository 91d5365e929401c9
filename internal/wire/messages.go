package wire

import (
	"github.com/devrev/bynar/internal/model"
)

// ProposeRequest asks the arbiter to decide on a remediation operation.
// Retries of the same request carry the same CorrelationID.
type ProposeRequest struct {
	CorrelationID string
	DiskID        string
	NodeID        string
	Kind          model.OperationKind
	Health        model.HealthSummary
}

// DecisionReply is the arbiter's verdict. Retries of a deferred request must
// reuse CorrelationID, which may differ from the one sent when the request
// joined an operation already active for the disk.
type DecisionReply struct {
	CorrelationID     string
	OperationID       string
	Decision          model.Decision
	Reason            string
	RetryAfterSeconds uint32
	Status            model.OperationStatus
}

// CancelRequest withdraws a request whose disk no longer needs remediation
type CancelRequest struct {
	CorrelationID string
	DiskID        string
	Reason        string
}

// Ack acknowledges a one-way notice
type Ack struct {
	Accepted bool
	Reason   string
}

// OutcomeReport carries the result of a device action taken after approval
type OutcomeReport struct {
	CorrelationID string
	DiskID        string
	Status        model.OperationStatus // in_progress, completed or failed
	Detail        string
}

// DiskReport is one disk as seen by a node's monitor
type DiskReport struct {
	DiskID        string
	DevicePath    string
	State         model.DiskState
	Health        model.HealthSummary
	CapacityBytes uint64
	Role          model.DiskRole
}

// Heartbeat is sent periodically by each agent
type Heartbeat struct {
	NodeID   string
	Hostname string
	Disks    []DiskReport
}

// DiskDirective tells an agent the authoritative state of one of its disks
type DiskDirective struct {
	DiskID string
	State  model.DiskState
}

// HeartbeatReply carries directives for reconciliation
type HeartbeatReply struct {
	Directives []DiskDirective
}

// StatusQuery filters a status listing; empty fields match everything
type StatusQuery struct {
	DiskID string
	NodeID string
}

// StatusReply lists tracked disks, their operations and tickets
type StatusReply struct {
	Disks      []model.Disk
	Operations []model.Operation
	Tickets    []model.Ticket
}

// OverrideRequest is an operator's manual decision for a disk
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

func appendHealth(h model.HealthSummary) []byte {
	e := &encoder{}
	e.bool(1, h.SmartPassed)
	e.bool(2, h.Mountable)
	e.int(3, h.ReallocatedSectors)
	e.int(4, h.PendingSectors)
	e.int(5, h.MediaErrors)
	e.int(6, int64(h.TemperatureC))
	e.time(7, h.SampledAt)
	return e.b
}

func decodeHealth(b []byte) (model.HealthSummary, error) {
	var h model.HealthSummary
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			h.SmartPassed = f.boolean()
		case 2:
			h.Mountable = f.boolean()
		case 3:
			h.ReallocatedSectors = f.i64()
		case 4:
			h.PendingSectors = f.i64()
		case 5:
			h.MediaErrors = f.i64()
		case 6:
			h.TemperatureC = int32(f.i64())
		case 7:
			h.SampledAt = f.millis()
		}
		return nil
	})
	return h, err
}

// Marshal implements Message
func (m *ProposeRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.CorrelationID)
	e.string(2, m.DiskID)
	e.string(3, m.NodeID)
	e.enum(4, kindEnum, string(m.Kind))
	e.message(5, appendHealth(m.Health))
	return e.b, nil
}

// Unmarshal implements Message
func (m *ProposeRequest) Unmarshal(data []byte) error {
	*m = ProposeRequest{}
	return walk(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.CorrelationID = f.str()
		case 2:
			m.DiskID = f.str()
		case 3:
			m.NodeID = f.str()
		case 4:
			m.Kind = model.OperationKind(enumValue(kindEnum, f.varint))
		case 5:
			m.Health, err = decodeHealth(f.bytes)
		}
		return err
	})
}

// Marshal implements Message
func (m *DecisionReply) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.CorrelationID)
	e.string(2, m.OperationID)
	e.enum(3, decisionEnum, string(m.Decision))
	e.string(4, m.Reason)
	e.uint(5, uint64(m.RetryAfterSeconds))
	e.enum(6, operationEnum, string(m.Status))
	return e.b, nil
}

// Unmarshal implements Message
func (m *DecisionReply) Unmarshal(data []byte) error {
	*m = DecisionReply{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.CorrelationID = f.str()
		case 2:
			m.OperationID = f.str()
		case 3:
			m.Decision = model.Decision(enumValue(decisionEnum, f.varint))
		case 4:
			m.Reason = f.str()
		case 5:
			m.RetryAfterSeconds = uint32(f.varint)
		case 6:
			m.Status = model.OperationStatus(enumValue(operationEnum, f.varint))
		}
		return nil
	})
}

// Marshal implements Message
func (m *CancelRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.CorrelationID)
	e.string(2, m.DiskID)
	e.string(3, m.Reason)
	return e.b, nil
}

// Unmarshal implements Message
func (m *CancelRequest) Unmarshal(data []byte) error {
	*m = CancelRequest{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.CorrelationID = f.str()
		case 2:
			m.DiskID = f.str()
		case 3:
			m.Reason = f.str()
		}
		return nil
	})
}

// Marshal implements Message
func (m *Ack) Marshal() ([]byte, error) {
	e := &encoder{}
	e.bool(1, m.Accepted)
	e.string(2, m.Reason)
	return e.b, nil
}

// Unmarshal implements Message
func (m *Ack) Unmarshal(data []byte) error {
	*m = Ack{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.Accepted = f.boolean()
		case 2:
			m.Reason = f.str()
		}
		return nil
	})
}

// Marshal implements Message
func (m *OutcomeReport) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.CorrelationID)
	e.string(2, m.DiskID)
	e.enum(3, outcomeEnum, string(m.Status))
	e.string(4, m.Detail)
	return e.b, nil
}

// Unmarshal implements Message
func (m *OutcomeReport) Unmarshal(data []byte) error {
	*m = OutcomeReport{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.CorrelationID = f.str()
		case 2:
			m.DiskID = f.str()
		case 3:
			m.Status = model.OperationStatus(enumValue(outcomeEnum, f.varint))
		case 4:
			m.Detail = f.str()
		}
		return nil
	})
}

func appendDiskReport(d DiskReport) []byte {
	e := &encoder{}
	e.string(1, d.DiskID)
	e.enum(2, diskStateEnum, string(d.State))
	e.message(3, appendHealth(d.Health))
	e.uint(4, d.CapacityBytes)
	e.enum(5, roleEnum, string(d.Role))
	e.string(6, d.DevicePath)
	return e.b
}

func decodeDiskReport(b []byte) (DiskReport, error) {
	var d DiskReport
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			d.DiskID = f.str()
		case 2:
			d.State = model.DiskState(enumValue(diskStateEnum, f.varint))
		case 3:
			d.Health, err = decodeHealth(f.bytes)
		case 4:
			d.CapacityBytes = f.varint
		case 5:
			d.Role = model.DiskRole(enumValue(roleEnum, f.varint))
		case 6:
			d.DevicePath = f.str()
		}
		return err
	})
	return d, err
}

// Marshal implements Message
func (m *Heartbeat) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.NodeID)
	e.string(2, m.Hostname)
	for _, d := range m.Disks {
		e.message(3, appendDiskReport(d))
	}
	return e.b, nil
}

// Unmarshal implements Message
func (m *Heartbeat) Unmarshal(data []byte) error {
	*m = Heartbeat{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.NodeID = f.str()
		case 2:
			m.Hostname = f.str()
		case 3:
			d, err := decodeDiskReport(f.bytes)
			if err != nil {
				return err
			}
			m.Disks = append(m.Disks, d)
		}
		return nil
	})
}

// Marshal implements Message
func (m *HeartbeatReply) Marshal() ([]byte, error) {
	e := &encoder{}
	for _, d := range m.Directives {
		inner := &encoder{}
		inner.string(1, d.DiskID)
		inner.enum(2, diskStateEnum, string(d.State))
		e.message(1, inner.b)
	}
	return e.b, nil
}

// Unmarshal implements Message
func (m *HeartbeatReply) Unmarshal(data []byte) error {
	*m = HeartbeatReply{}
	return walk(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var d DiskDirective
		err := walk(f.bytes, func(f field) error {
			switch f.num {
			case 1:
				d.DiskID = f.str()
			case 2:
				d.State = model.DiskState(enumValue(diskStateEnum, f.varint))
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.Directives = append(m.Directives, d)
		return nil
	})
}

// Marshal implements Message
func (m *StatusQuery) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.DiskID)
	e.string(2, m.NodeID)
	return e.b, nil
}

// Unmarshal implements Message
func (m *StatusQuery) Unmarshal(data []byte) error {
	*m = StatusQuery{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.DiskID = f.str()
		case 2:
			m.NodeID = f.str()
		}
		return nil
	})
}

func appendDisk(d model.Disk) []byte {
	e := &encoder{}
	e.string(1, d.DiskID)
	e.string(2, d.NodeID)
	e.enum(3, diskStateEnum, string(d.State))
	e.message(4, appendHealth(d.Health))
	e.uint(5, d.CapacityBytes)
	e.enum(6, roleEnum, string(d.Role))
	e.time(7, d.LastTransitionTime)
	e.string(8, d.DevicePath)
	return e.b
}

func decodeDisk(b []byte) (model.Disk, error) {
	var d model.Disk
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			d.DiskID = f.str()
		case 2:
			d.NodeID = f.str()
		case 3:
			d.State = model.DiskState(enumValue(diskStateEnum, f.varint))
		case 4:
			d.Health, err = decodeHealth(f.bytes)
		case 5:
			d.CapacityBytes = f.varint
		case 6:
			d.Role = model.DiskRole(enumValue(roleEnum, f.varint))
		case 7:
			d.LastTransitionTime = f.millis()
		case 8:
			d.DevicePath = f.str()
		}
		return err
	})
	return d, err
}

func appendOperation(o model.Operation) []byte {
	e := &encoder{}
	e.string(1, o.OperationID)
	e.string(2, o.CorrelationID)
	e.string(3, o.DiskID)
	e.string(4, o.NodeID)
	e.enum(5, kindEnum, string(o.Kind))
	e.enum(6, operationEnum, string(o.Status))
	e.string(7, o.Reason)
	e.enum(8, decidedByEnum, string(o.DecidedBy))
	e.bool(9, o.Escalated)
	e.time(10, o.RequestedAt)
	e.time(11, o.UpdatedAt)
	return e.b
}

func decodeOperation(b []byte) (model.Operation, error) {
	var o model.Operation
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			o.OperationID = f.str()
		case 2:
			o.CorrelationID = f.str()
		case 3:
			o.DiskID = f.str()
		case 4:
			o.NodeID = f.str()
		case 5:
			o.Kind = model.OperationKind(enumValue(kindEnum, f.varint))
		case 6:
			o.Status = model.OperationStatus(enumValue(operationEnum, f.varint))
		case 7:
			o.Reason = f.str()
		case 8:
			o.DecidedBy = model.DecidedBy(enumValue(decidedByEnum, f.varint))
		case 9:
			o.Escalated = f.boolean()
		case 10:
			o.RequestedAt = f.millis()
		case 11:
			o.UpdatedAt = f.millis()
		}
		return nil
	})
	return o, err
}

func appendTicket(t model.Ticket) []byte {
	e := &encoder{}
	e.string(1, t.ExternalID)
	e.string(2, t.DiskID)
	e.string(3, t.OperationID)
	e.enum(4, ticketStatusEnum, string(t.Status))
	e.int(5, int64(t.Updates))
	e.time(6, t.OpenedAt)
	e.time(7, t.UpdatedAt)
	if t.ClosedAt != nil {
		e.time(8, *t.ClosedAt)
	}
	return e.b
}

func decodeTicket(b []byte) (model.Ticket, error) {
	var t model.Ticket
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.ExternalID = f.str()
		case 2:
			t.DiskID = f.str()
		case 3:
			t.OperationID = f.str()
		case 4:
			t.Status = model.TicketStatus(enumValue(ticketStatusEnum, f.varint))
		case 5:
			t.Updates = int(f.i64())
		case 6:
			t.OpenedAt = f.millis()
		case 7:
			t.UpdatedAt = f.millis()
		case 8:
			closed := f.millis()
			t.ClosedAt = &closed
		}
		return nil
	})
	return t, err
}

// Marshal implements Message
func (m *StatusReply) Marshal() ([]byte, error) {
	e := &encoder{}
	for _, d := range m.Disks {
		e.message(1, appendDisk(d))
	}
	for _, o := range m.Operations {
		e.message(2, appendOperation(o))
	}
	for _, t := range m.Tickets {
		e.message(3, appendTicket(t))
	}
	return e.b, nil
}

// Unmarshal implements Message
func (m *StatusReply) Unmarshal(data []byte) error {
	*m = StatusReply{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			d, err := decodeDisk(f.bytes)
			if err != nil {
				return err
			}
			m.Disks = append(m.Disks, d)
		case 2:
			o, err := decodeOperation(f.bytes)
			if err != nil {
				return err
			}
			m.Operations = append(m.Operations, o)
		case 3:
			t, err := decodeTicket(f.bytes)
			if err != nil {
				return err
			}
			m.Tickets = append(m.Tickets, t)
		}
		return nil
	})
}

// Marshal implements Message
func (m *OverrideRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.DiskID)
	e.enum(2, kindEnum, string(m.Kind))
	e.enum(3, overrideEnum, string(m.Action))
	e.string(4, m.Operator)
	e.string(5, m.Reason)
	e.string(6, m.NodeID)
	return e.b, nil
}

// Unmarshal implements Message
func (m *OverrideRequest) Unmarshal(data []byte) error {
	*m = OverrideRequest{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.DiskID = f.str()
		case 2:
			m.Kind = model.OperationKind(enumValue(kindEnum, f.varint))
		case 3:
			m.Action = model.OverrideAction(enumValue(overrideEnum, f.varint))
		case 4:
			m.Operator = f.str()
		case 5:
			m.Reason = f.str()
		case 6:
			m.NodeID = f.str()
		}
		return nil
	})
}

// Marshal implements Message
func (m *ResolveRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.DiskID)
	e.enum(2, resolveEnum, string(m.Action))
	e.string(3, m.Operator)
	e.string(4, m.Note)
	return e.b, nil
}

// Unmarshal implements Message
func (m *ResolveRequest) Unmarshal(data []byte) error {
	*m = ResolveRequest{}
	return walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.DiskID = f.str()
		case 2:
			m.Action = model.ResolveAction(enumValue(resolveEnum, f.varint))
		case 3:
			m.Operator = f.str()
		case 4:
			m.Note = f.str()
		}
		return nil
	})
}
