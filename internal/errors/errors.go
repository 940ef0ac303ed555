// Package errors defines the structured error values returned across
// the coordination core. Errors carry a code from the taxonomy below;
// invariant violations are not error values and terminate the process
// at the detection site.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies a failure.
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller-recoverable failures
	ErrCodeConflict        ErrorCode = 1000
	ErrCodeLockDeclined    ErrorCode = 1001
	ErrCodeNotFound        ErrorCode = 1002
	ErrCodeInvalidArgument ErrorCode = 1003
	ErrCodeInvalidRevision ErrorCode = 1004
	ErrCodeInvalidTable    ErrorCode = 1005

	// Infrastructure failures
	ErrCodePeerUnreachable ErrorCode = 2000
	ErrCodeRequestTimeout  ErrorCode = 2001
	ErrCodeRequestDeclined ErrorCode = 2002
	ErrCodeLeaderChanged   ErrorCode = 2003
	ErrCodeShuttingDown    ErrorCode = 2004
	ErrCodeCorruptedData   ErrorCode = 2005
	ErrCodeInternal        ErrorCode = 2006
)

// CoreError is a structured error with code and context.
type CoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	e.Details[key] = value
	return e
}

// ToGRPCStatus converts the error to a gRPC status for API boundaries.
func (e *CoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *CoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeConflict, ErrCodeLockDeclined:
		return codes.Aborted
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidArgument, ErrCodeInvalidRevision, ErrCodeInvalidTable:
		return codes.InvalidArgument
	case ErrCodePeerUnreachable, ErrCodeShuttingDown:
		return codes.Unavailable
	case ErrCodeRequestTimeout:
		return codes.DeadlineExceeded
	case ErrCodeRequestDeclined:
		return codes.FailedPrecondition
	case ErrCodeLeaderChanged:
		return codes.Unavailable
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// New creates a new CoreError.
func New(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func Conflict(message string) *CoreError {
	return New(ErrCodeConflict, message, nil)
}

func LockDeclined(peer string) *CoreError {
	return New(ErrCodeLockDeclined, fmt.Sprintf("lock attempt declined by %s", peer), nil).
		WithDetail("peer", peer)
}

func NotFound(what, key string) *CoreError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, key), nil).
		WithDetail("key", key)
}

func InvalidArgument(message string, cause error) *CoreError {
	return New(ErrCodeInvalidArgument, message, cause)
}

func InvalidRevision(reason string) *CoreError {
	return New(ErrCodeInvalidRevision, fmt.Sprintf("invalid revision: %s", reason), nil)
}

func InvalidTable(name, reason string) *CoreError {
	return New(ErrCodeInvalidTable, fmt.Sprintf("invalid table %q: %s", name, reason), nil).
		WithDetail("table", name)
}

func PeerUnreachable(peer string, cause error) *CoreError {
	return New(ErrCodePeerUnreachable, fmt.Sprintf("peer unreachable: %s", peer), cause).
		WithDetail("peer", peer)
}

func RequestTimeout(peer, msgType string) *CoreError {
	return New(ErrCodeRequestTimeout, fmt.Sprintf("request %s to %s timed out", msgType, peer), nil).
		WithDetail("peer", peer).
		WithDetail("type", msgType)
}

func RequestDeclined(peer, msgType string) *CoreError {
	return New(ErrCodeRequestDeclined, fmt.Sprintf("request %s declined by %s", msgType, peer), nil).
		WithDetail("peer", peer).
		WithDetail("type", msgType)
}

func LeaderChanged(message string) *CoreError {
	return New(ErrCodeLeaderChanged, message, nil)
}

func ShuttingDown(component string) *CoreError {
	return New(ErrCodeShuttingDown, fmt.Sprintf("%s is shutting down", component), nil)
}

func CorruptedData(message string, cause error) *CoreError {
	return New(ErrCodeCorruptedData, message, cause)
}

func Internal(message string, cause error) *CoreError {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error.
func GetCode(err error) ErrorCode {
	if ce, ok := err.(*CoreError); ok {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsConflict reports whether the error is a transaction conflict.
func IsConflict(err error) bool {
	return GetCode(err) == ErrCodeConflict
}

// IsLockDeclined reports whether a distributed lock attempt was denied.
func IsLockDeclined(err error) bool {
	return GetCode(err) == ErrCodeLockDeclined
}

// IsNotFound reports whether a read missed.
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeNotFound
}
