package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for remediation operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Request errors
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeNotFound          ErrorCode = 1001
	ErrCodeInvalidTransition ErrorCode = 1002
	ErrCodeConflict          ErrorCode = 1003
	ErrCodeDuplicateRequest  ErrorCode = 1004

	// Decision errors
	ErrCodeStaleClusterHealth  ErrorCode = 2000
	ErrCodeRedundancyViolation ErrorCode = 2001
	ErrCodeRateLimited         ErrorCode = 2002

	// Infrastructure errors
	ErrCodeInternal            ErrorCode = 3000
	ErrCodeTransientTransport  ErrorCode = 3001
	ErrCodePersistenceFailure  ErrorCode = 3002
	ErrCodeDeviceActionFailure ErrorCode = 3003
)

// String returns the taxonomy name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeInvalidTransition:
		return "invalid_transition"
	case ErrCodeConflict:
		return "conflict"
	case ErrCodeDuplicateRequest:
		return "duplicate_request"
	case ErrCodeStaleClusterHealth:
		return "stale_cluster_health"
	case ErrCodeRedundancyViolation:
		return "redundancy_violation"
	case ErrCodeRateLimited:
		return "rate_limited"
	case ErrCodeTransientTransport:
		return "transient_transport"
	case ErrCodePersistenceFailure:
		return "persistence_failure"
	case ErrCodeDeviceActionFailure:
		return "device_action_failure"
	default:
		return "internal"
	}
}

// ArbiterError represents a structured error with code and context
type ArbiterError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ArbiterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ArbiterError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts ArbiterError to gRPC status
func (e *ArbiterError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *ArbiterError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidTransition, ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeDuplicateRequest:
		return codes.AlreadyExists
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeTransientTransport, ErrCodePersistenceFailure, ErrCodeStaleClusterHealth:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewArbiterError creates a new ArbiterError
func NewArbiterError(code ErrorCode, message string, cause error) *ArbiterError {
	return &ArbiterError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ArbiterError) WithDetail(key string, value interface{}) *ArbiterError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ArbiterError {
	return NewArbiterError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *ArbiterError {
	return NewArbiterError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func InvalidTransition(diskID string, from, to string) *ArbiterError {
	return NewArbiterError(ErrCodeInvalidTransition, fmt.Sprintf("disk %s cannot move from %s to %s", diskID, from, to), nil).
		WithDetail("disk_id", diskID).
		WithDetail("from", from).
		WithDetail("to", to)
}

func Conflict(message string) *ArbiterError {
	return NewArbiterError(ErrCodeConflict, message, nil)
}

func DuplicateRequest(correlationID string) *ArbiterError {
	return NewArbiterError(ErrCodeDuplicateRequest, fmt.Sprintf("correlation id %s already decided", correlationID), nil).
		WithDetail("correlation_id", correlationID)
}

func StaleClusterHealth(age, threshold interface{}) *ArbiterError {
	return NewArbiterError(ErrCodeStaleClusterHealth, fmt.Sprintf("cluster health snapshot is stale: age %v exceeds %v", age, threshold), nil).
		WithDetail("age", age).
		WithDetail("threshold", threshold)
}

func RedundancyViolation(pgID string, projected, minimum int) *ArbiterError {
	return NewArbiterError(ErrCodeRedundancyViolation, fmt.Sprintf("would violate redundancy: placement group %s drops to %d live replicas (minimum %d)", pgID, projected, minimum), nil).
		WithDetail("pgid", pgID).
		WithDetail("projected", projected).
		WithDetail("minimum", minimum)
}

func RateLimited(nodeID string) *ArbiterError {
	return NewArbiterError(ErrCodeRateLimited, fmt.Sprintf("node %s is rate limited for add operations", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func InternalError(message string, cause error) *ArbiterError {
	return NewArbiterError(ErrCodeInternal, message, cause)
}

func TransientTransport(message string, cause error) *ArbiterError {
	return NewArbiterError(ErrCodeTransientTransport, message, cause)
}

func PersistenceFailure(message string, cause error) *ArbiterError {
	return NewArbiterError(ErrCodePersistenceFailure, message, cause)
}

func DeviceActionFailure(diskID string, cause error) *ArbiterError {
	return NewArbiterError(ErrCodeDeviceActionFailure, fmt.Sprintf("device action failed for %s", diskID), cause).
		WithDetail("disk_id", diskID)
}

// IsArbiterError checks if an error is an ArbiterError
func IsArbiterError(err error) bool {
	var ae *ArbiterError
	return stderrors.As(err, &ae)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ae *ArbiterError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether the sender should retry with backoff
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeTransientTransport, ErrCodePersistenceFailure, ErrCodeStaleClusterHealth:
		return true
	default:
		return false
	}
}

// FromGRPC converts an RPC error received by a client back into the taxonomy.
// Unavailable and deadline errors become TransientTransport.
func FromGRPC(err error) *ArbiterError {
	if err == nil {
		return nil
	}
	var ae *ArbiterError
	if stderrors.As(err, &ae) {
		return ae
	}

	st, ok := status.FromError(err)
	if !ok {
		return TransientTransport("transport error", err)
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return NewArbiterError(ErrCodeInvalidArgument, st.Message(), err)
	case codes.NotFound:
		return NewArbiterError(ErrCodeNotFound, st.Message(), err)
	case codes.FailedPrecondition:
		return NewArbiterError(ErrCodeConflict, st.Message(), err)
	case codes.AlreadyExists:
		return NewArbiterError(ErrCodeDuplicateRequest, st.Message(), err)
	case codes.ResourceExhausted:
		return NewArbiterError(ErrCodeRateLimited, st.Message(), err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Canceled:
		return TransientTransport(st.Message(), err)
	default:
		return InternalError(st.Message(), err)
	}
}
