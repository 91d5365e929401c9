package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/bynar/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would break a uniqueness rule:
// a second non-terminal operation or a second open ticket for a disk.
var ErrConflict = errors.New("conflict")

// Tx is the read/write view of the store inside a transaction.
// Either every write made through a Tx is committed, or none is.
type Tx interface {
	// Nodes and disks
	PutNode(ctx context.Context, node *model.Node) error
	GetDisk(ctx context.Context, diskID string) (*model.Disk, error)
	PutDisk(ctx context.Context, disk *model.Disk) error

	// Operations; every create/update also appends an audit event
	GetOperation(ctx context.Context, operationID string) (*model.Operation, error)
	GetOperationByCorrelation(ctx context.Context, correlationID string) (*model.Operation, error)
	GetActiveOperation(ctx context.Context, diskID string) (*model.Operation, error)
	CreateOperation(ctx context.Context, op *model.Operation) error
	UpdateOperation(ctx context.Context, op *model.Operation) error

	// Tickets
	GetOpenTicket(ctx context.Context, diskID string) (*model.Ticket, error)
	CreateTicket(ctx context.Context, ticket *model.Ticket) error
	UpdateTicket(ctx context.Context, ticket *model.Ticket) error
}

// Filter narrows listings; empty fields match everything
type Filter struct {
	DiskID string
	NodeID string
}

// Store is the durable state of the coordinator
type Store interface {
	// InTx runs fn in a transaction, committing if fn returns nil
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetDisk(ctx context.Context, diskID string) (*model.Disk, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	ListDisks(ctx context.Context, filter Filter) ([]*model.Disk, error)
	ListOperations(ctx context.Context, filter Filter) ([]*model.Operation, error)
	ListTickets(ctx context.Context, filter Filter) ([]*model.Ticket, error)
	OperationHistory(ctx context.Context, operationID string) ([]*model.OperationEvent, error)

	// PendingEscalations returns denied/failed operations not yet escalated
	PendingEscalations(ctx context.Context) ([]*model.Operation, error)

	Ping(ctx context.Context) error
	Close()
}

// CachedDecision is the reply recorded for a correlation id
type CachedDecision struct {
	CorrelationID string                `json:"correlation_id"`
	OperationID   string                `json:"operation_id"`
	Decision      model.Decision        `json:"decision"`
	Reason        string                `json:"reason"`
	Status        model.OperationStatus `json:"status"`
}

// DecisionCache caches decided replies by correlation id in front of the Store
type DecisionCache interface {
	Get(ctx context.Context, correlationID string) (*CachedDecision, error)
	Set(ctx context.Context, correlationID string, decision *CachedDecision, ttl time.Duration) error
	Delete(ctx context.Context, correlationID string) error
	Ping(ctx context.Context) error
	Close() error
}
