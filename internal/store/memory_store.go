package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/bynar/internal/model"
)

// memoryState is the full set of tables held by MemoryStore
type memoryState struct {
	nodes      map[string]*model.Node
	disks      map[string]*model.Disk
	operations map[string]*model.Operation
	tickets    []*model.Ticket
	events     map[string][]*model.OperationEvent
}

func newMemoryState() *memoryState {
	return &memoryState{
		nodes:      make(map[string]*model.Node),
		disks:      make(map[string]*model.Disk),
		operations: make(map[string]*model.Operation),
		events:     make(map[string][]*model.OperationEvent),
	}
}

// clone copies the tables so a transaction can be discarded on error
func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.nodes {
		n := *v
		c.nodes[k] = &n
	}
	for k, v := range s.disks {
		c.disks[k] = v.Clone()
	}
	for k, v := range s.operations {
		c.operations[k] = v.Clone()
	}
	c.tickets = make([]*model.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		c.tickets = append(c.tickets, t.Clone())
	}
	for k, v := range s.events {
		c.events[k] = append([]*model.OperationEvent(nil), v...)
	}
	return c
}

// MemoryStore implements Store in process memory. Transactions are
// serialized and applied by swapping in a modified copy of the tables.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memoryState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// InTx runs fn against a private copy of the tables and publishes it on success
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

// GetDisk returns a disk by id
func (s *MemoryStore) GetDisk(ctx context.Context, diskID string) (*model.Disk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memoryTx{state: s.state}).GetDisk(ctx, diskID)
}

// ListNodes returns every known node ordered by id
func (s *MemoryStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*model.Node, 0, len(s.state.nodes))
	for _, n := range s.state.nodes {
		c := *n
		nodes = append(nodes, &c)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// ListDisks returns disks matching filter ordered by id
func (s *MemoryStore) ListDisks(ctx context.Context, filter Filter) ([]*model.Disk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	disks := make([]*model.Disk, 0)
	for _, d := range s.state.disks {
		if filter.DiskID != "" && d.DiskID != filter.DiskID {
			continue
		}
		if filter.NodeID != "" && d.NodeID != filter.NodeID {
			continue
		}
		disks = append(disks, d.Clone())
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].DiskID < disks[j].DiskID })
	return disks, nil
}

// ListOperations returns operations matching filter in request order
func (s *MemoryStore) ListOperations(ctx context.Context, filter Filter) ([]*model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]*model.Operation, 0)
	for _, op := range s.state.operations {
		if filter.DiskID != "" && op.DiskID != filter.DiskID {
			continue
		}
		if filter.NodeID != "" && op.NodeID != filter.NodeID {
			continue
		}
		ops = append(ops, op.Clone())
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].RequestedAt.Equal(ops[j].RequestedAt) {
			return ops[i].OperationID < ops[j].OperationID
		}
		return ops[i].RequestedAt.Before(ops[j].RequestedAt)
	})
	return ops, nil
}

// ListTickets returns tickets matching filter in creation order
func (s *MemoryStore) ListTickets(ctx context.Context, filter Filter) ([]*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]*model.Ticket, 0)
	for _, t := range s.state.tickets {
		if filter.DiskID != "" && t.DiskID != filter.DiskID {
			continue
		}
		if filter.NodeID != "" {
			d, ok := s.state.disks[t.DiskID]
			if !ok || d.NodeID != filter.NodeID {
				continue
			}
		}
		tickets = append(tickets, t.Clone())
	}
	return tickets, nil
}

// OperationHistory returns the audit trail of an operation
func (s *MemoryStore) OperationHistory(ctx context.Context, operationID string) ([]*model.OperationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.state.events[operationID]
	out := make([]*model.OperationEvent, 0, len(events))
	for _, e := range events {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// PendingEscalations returns denied/failed operations whose escalation has not completed
func (s *MemoryStore) PendingEscalations(ctx context.Context) ([]*model.Operation, error) {
	ops, err := s.ListOperations(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	pending := make([]*model.Operation, 0)
	for _, op := range ops {
		if op.NeedsEscalation() {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() {}

// memoryTx implements Tx over a working copy
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) PutNode(ctx context.Context, node *model.Node) error {
	n := *node
	t.state.nodes[node.NodeID] = &n
	return nil
}

func (t *memoryTx) GetDisk(ctx context.Context, diskID string) (*model.Disk, error) {
	d, ok := t.state.disks[diskID]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (t *memoryTx) PutDisk(ctx context.Context, disk *model.Disk) error {
	t.state.disks[disk.DiskID] = disk.Clone()
	return nil
}

func (t *memoryTx) GetOperation(ctx context.Context, operationID string) (*model.Operation, error) {
	op, ok := t.state.operations[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

func (t *memoryTx) GetOperationByCorrelation(ctx context.Context, correlationID string) (*model.Operation, error) {
	for _, op := range t.state.operations {
		if op.CorrelationID == correlationID {
			return op.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) GetActiveOperation(ctx context.Context, diskID string) (*model.Operation, error) {
	for _, op := range t.state.operations {
		if op.DiskID == diskID && !op.Status.IsTerminal() {
			return op.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) CreateOperation(ctx context.Context, op *model.Operation) error {
	if _, exists := t.state.operations[op.OperationID]; exists {
		return fmt.Errorf("operation %s: %w", op.OperationID, ErrConflict)
	}
	for _, existing := range t.state.operations {
		if existing.CorrelationID == op.CorrelationID {
			return fmt.Errorf("correlation id %s: %w", op.CorrelationID, ErrConflict)
		}
		if !op.Status.IsTerminal() && existing.DiskID == op.DiskID && !existing.Status.IsTerminal() {
			return fmt.Errorf("disk %s already has active operation %s: %w", op.DiskID, existing.OperationID, ErrConflict)
		}
	}
	t.state.operations[op.OperationID] = op.Clone()
	t.state.events[op.OperationID] = append(t.state.events[op.OperationID], model.EventFor(op))
	return nil
}

func (t *memoryTx) UpdateOperation(ctx context.Context, op *model.Operation) error {
	if _, exists := t.state.operations[op.OperationID]; !exists {
		return ErrNotFound
	}
	t.state.operations[op.OperationID] = op.Clone()
	t.state.events[op.OperationID] = append(t.state.events[op.OperationID], model.EventFor(op))
	return nil
}

func (t *memoryTx) GetOpenTicket(ctx context.Context, diskID string) (*model.Ticket, error) {
	for _, ticket := range t.state.tickets {
		if ticket.DiskID == diskID && ticket.IsOpen() {
			return ticket.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) CreateTicket(ctx context.Context, ticket *model.Ticket) error {
	for _, existing := range t.state.tickets {
		if existing.ExternalID == ticket.ExternalID {
			return fmt.Errorf("ticket %s: %w", ticket.ExternalID, ErrConflict)
		}
		if ticket.IsOpen() && existing.DiskID == ticket.DiskID && existing.IsOpen() {
			return fmt.Errorf("disk %s already has open ticket %s: %w", ticket.DiskID, existing.ExternalID, ErrConflict)
		}
	}
	t.state.tickets = append(t.state.tickets, ticket.Clone())
	return nil
}

func (t *memoryTx) UpdateTicket(ctx context.Context, ticket *model.Ticket) error {
	for i, existing := range t.state.tickets {
		if existing.ExternalID == ticket.ExternalID {
			t.state.tickets[i] = ticket.Clone()
			return nil
		}
	}
	return ErrNotFound
}
