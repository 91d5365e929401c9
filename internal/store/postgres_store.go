package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store and applies the schema
func NewPostgresStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}

	if err := s.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Migrate creates tables and indexes if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// GetDisk retrieves a disk outside a transaction
func (s *PostgresStore) GetDisk(ctx context.Context, diskID string) (*model.Disk, error) {
	return (&pgTx{q: s.pool}).GetDisk(ctx, diskID)
}

// ListNodes retrieves all nodes
func (s *PostgresStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT node_id, hostname, last_seen FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.LastSeen); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// ListDisks retrieves disks matching filter
func (s *PostgresStore) ListDisks(ctx context.Context, filter Filter) ([]*model.Disk, error) {
	query := diskColumns + `
		WHERE ($1 = '' OR disk_id = $1) AND ($2 = '' OR node_id = $2)
		ORDER BY disk_id
	`

	rows, err := s.pool.Query(ctx, query, filter.DiskID, filter.NodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	disks := make([]*model.Disk, 0)
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, err
		}
		disks = append(disks, d)
	}
	return disks, rows.Err()
}

// ListOperations retrieves operations matching filter in request order
func (s *PostgresStore) ListOperations(ctx context.Context, filter Filter) ([]*model.Operation, error) {
	query := operationColumns + `
		WHERE ($1 = '' OR disk_id = $1) AND ($2 = '' OR node_id = $2)
		ORDER BY requested_at, operation_id
	`
	return s.queryOperations(ctx, query, filter.DiskID, filter.NodeID)
}

// PendingEscalations retrieves denied/failed operations still in the outbox
func (s *PostgresStore) PendingEscalations(ctx context.Context) ([]*model.Operation, error) {
	query := operationColumns + `
		WHERE status IN ('denied', 'failed') AND NOT escalated
		ORDER BY updated_at
	`
	return s.queryOperations(ctx, query)
}

func (s *PostgresStore) queryOperations(ctx context.Context, query string, args ...any) ([]*model.Operation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]*model.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListTickets retrieves tickets matching filter
func (s *PostgresStore) ListTickets(ctx context.Context, filter Filter) ([]*model.Ticket, error) {
	query := `
		SELECT t.external_id, t.disk_id, t.operation_id, t.status, t.updates, t.opened_at, t.updated_at, t.closed_at
		FROM tickets t
		LEFT JOIN disks d ON d.disk_id = t.disk_id
		WHERE ($1 = '' OR t.disk_id = $1) AND ($2 = '' OR d.node_id = $2)
		ORDER BY t.opened_at
	`

	rows, err := s.pool.Query(ctx, query, filter.DiskID, filter.NodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := make([]*model.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// OperationHistory retrieves the audit trail of an operation
func (s *PostgresStore) OperationHistory(ctx context.Context, operationID string) ([]*model.OperationEvent, error) {
	query := `
		SELECT operation_id, status, reason, decided_by, at
		FROM operation_events
		WHERE operation_id = $1
		ORDER BY event_id
	`

	rows, err := s.pool.Query(ctx, query, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*model.OperationEvent, 0)
	for rows.Next() {
		var e model.OperationEvent
		var status, decidedBy string
		if err := rows.Scan(&e.OperationID, &status, &e.Reason, &decidedBy, &e.At); err != nil {
			return nil, err
		}
		e.Status = model.OperationStatus(status)
		e.DecidedBy = model.DecidedBy(decidedBy)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// pgTx implements Tx on a pgx transaction (or the pool for single reads)
type pgTx struct {
	q querier
}

const diskColumns = `
	SELECT disk_id, node_id, device_path, state, health, capacity_bytes, role, last_transition_time
	FROM disks
`

const operationColumns = `
	SELECT operation_id, correlation_id, disk_id, node_id, kind, status, reason, decided_by, escalated, requested_at, updated_at
	FROM operations
`

func (t *pgTx) PutNode(ctx context.Context, node *model.Node) error {
	query := `
		INSERT INTO nodes (node_id, hostname, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_id) DO UPDATE SET hostname = EXCLUDED.hostname, last_seen = EXCLUDED.last_seen
	`
	_, err := t.q.Exec(ctx, query, node.NodeID, node.Hostname, node.LastSeen)
	return mapError(err)
}

func (t *pgTx) GetDisk(ctx context.Context, diskID string) (*model.Disk, error) {
	d, err := scanDisk(t.q.QueryRow(ctx, diskColumns+` WHERE disk_id = $1`, diskID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

func (t *pgTx) PutDisk(ctx context.Context, disk *model.Disk) error {
	health, err := json.Marshal(disk.Health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	query := `
		INSERT INTO disks (disk_id, node_id, device_path, state, health, capacity_bytes, role, last_transition_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (disk_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			device_path = EXCLUDED.device_path,
			state = EXCLUDED.state,
			health = EXCLUDED.health,
			capacity_bytes = EXCLUDED.capacity_bytes,
			role = EXCLUDED.role,
			last_transition_time = EXCLUDED.last_transition_time
	`
	_, err = t.q.Exec(ctx, query,
		disk.DiskID,
		disk.NodeID,
		disk.DevicePath,
		string(disk.State),
		health,
		int64(disk.CapacityBytes),
		string(disk.Role),
		disk.LastTransitionTime,
	)
	return mapError(err)
}

func (t *pgTx) GetOperation(ctx context.Context, operationID string) (*model.Operation, error) {
	op, err := scanOperation(t.q.QueryRow(ctx, operationColumns+` WHERE operation_id = $1`, operationID))
	if err != nil {
		return nil, mapError(err)
	}
	return op, nil
}

func (t *pgTx) GetOperationByCorrelation(ctx context.Context, correlationID string) (*model.Operation, error) {
	op, err := scanOperation(t.q.QueryRow(ctx, operationColumns+` WHERE correlation_id = $1`, correlationID))
	if err != nil {
		return nil, mapError(err)
	}
	return op, nil
}

func (t *pgTx) GetActiveOperation(ctx context.Context, diskID string) (*model.Operation, error) {
	query := operationColumns + `
		WHERE disk_id = $1 AND status IN ('pending', 'approved', 'in_progress')
		FOR UPDATE
	`
	op, err := scanOperation(t.q.QueryRow(ctx, query, diskID))
	if err != nil {
		return nil, mapError(err)
	}
	return op, nil
}

func (t *pgTx) CreateOperation(ctx context.Context, op *model.Operation) error {
	query := `
		INSERT INTO operations (operation_id, correlation_id, disk_id, node_id, kind, status, reason, decided_by, escalated, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.q.Exec(ctx, query,
		op.OperationID,
		op.CorrelationID,
		op.DiskID,
		op.NodeID,
		string(op.Kind),
		string(op.Status),
		op.Reason,
		string(op.DecidedBy),
		op.Escalated,
		op.RequestedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return t.appendEvent(ctx, op)
}

func (t *pgTx) UpdateOperation(ctx context.Context, op *model.Operation) error {
	query := `
		UPDATE operations
		SET status = $2, reason = $3, decided_by = $4, escalated = $5, updated_at = $6
		WHERE operation_id = $1
	`
	result, err := t.q.Exec(ctx, query,
		op.OperationID,
		string(op.Status),
		op.Reason,
		string(op.DecidedBy),
		op.Escalated,
		op.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return t.appendEvent(ctx, op)
}

func (t *pgTx) appendEvent(ctx context.Context, op *model.Operation) error {
	e := model.EventFor(op)
	query := `
		INSERT INTO operation_events (operation_id, status, reason, decided_by, at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := t.q.Exec(ctx, query, e.OperationID, string(e.Status), e.Reason, string(e.DecidedBy), e.At)
	return mapError(err)
}

func (t *pgTx) GetOpenTicket(ctx context.Context, diskID string) (*model.Ticket, error) {
	query := `
		SELECT external_id, disk_id, operation_id, status, updates, opened_at, updated_at, closed_at
		FROM tickets
		WHERE disk_id = $1 AND status = 'open'
		FOR UPDATE
	`
	ticket, err := scanTicket(t.q.QueryRow(ctx, query, diskID))
	if err != nil {
		return nil, mapError(err)
	}
	return ticket, nil
}

func (t *pgTx) CreateTicket(ctx context.Context, ticket *model.Ticket) error {
	query := `
		INSERT INTO tickets (external_id, disk_id, operation_id, status, updates, opened_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.Exec(ctx, query,
		ticket.ExternalID,
		ticket.DiskID,
		ticket.OperationID,
		string(ticket.Status),
		ticket.Updates,
		ticket.OpenedAt,
		ticket.UpdatedAt,
		ticket.ClosedAt,
	)
	return mapError(err)
}

func (t *pgTx) UpdateTicket(ctx context.Context, ticket *model.Ticket) error {
	query := `
		UPDATE tickets
		SET status = $2, updates = $3, updated_at = $4, closed_at = $5
		WHERE external_id = $1
	`
	result, err := t.q.Exec(ctx, query,
		ticket.ExternalID,
		string(ticket.Status),
		ticket.Updates,
		ticket.UpdatedAt,
		ticket.ClosedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDisk(row pgx.Row) (*model.Disk, error) {
	var d model.Disk
	var state, role string
	var health []byte
	var capacity int64
	if err := row.Scan(&d.DiskID, &d.NodeID, &d.DevicePath, &state, &health, &capacity, &role, &d.LastTransitionTime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(health, &d.Health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health for %s: %w", d.DiskID, err)
	}
	d.State = model.DiskState(state)
	d.Role = model.DiskRole(role)
	d.CapacityBytes = uint64(capacity)
	return &d, nil
}

func scanOperation(row pgx.Row) (*model.Operation, error) {
	var op model.Operation
	var kind, status, decidedBy string
	if err := row.Scan(
		&op.OperationID,
		&op.CorrelationID,
		&op.DiskID,
		&op.NodeID,
		&kind,
		&status,
		&op.Reason,
		&decidedBy,
		&op.Escalated,
		&op.RequestedAt,
		&op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	op.Kind = model.OperationKind(kind)
	op.Status = model.OperationStatus(status)
	op.DecidedBy = model.DecidedBy(decidedBy)
	return &op, nil
}

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var t model.Ticket
	var status string
	var closedAt *time.Time
	if err := row.Scan(&t.ExternalID, &t.DiskID, &t.OperationID, &status, &t.Updates, &t.OpenedAt, &t.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	t.Status = model.TicketStatus(status)
	t.ClosedAt = closedAt
	return &t, nil
}

// mapError translates driver errors to store sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}
