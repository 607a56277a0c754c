package errors

import "fmt"

// Error code constants. Codes are stable; messages are English and for logs only.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeBuildInProgress    = "BUILD_IN_PROGRESS"
	CodeConflict           = "CONFLICT"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBackendError       = "BACKEND_ERROR"
	CodeBackendTimeout     = "BACKEND_TIMEOUT"
	CodeResolveError       = "RESOLVE_ERROR"
	CodeDecodeError        = "DECODE_ERROR"
	CodeIOTransient        = "IO_TRANSIENT"
	CodeInternal           = "INTERNAL_ERROR"
)

// Narrower codes that still map onto one of the kinds above.
const (
	CodeVMNotFound        = "VM_NOT_FOUND"
	CodeFlavorNotFound    = "FLAVOR_NOT_FOUND"
	CodeNetworkNotFound   = "NETWORK_NOT_FOUND"
	CodePortNotFound      = "PORT_NOT_FOUND"
	CodePendingTask       = "PENDING_TASK"
	CodeInvalidOperstate  = "INVALID_OPERSTATE"
	CodeVMDeleted         = "VM_DELETED"
	CodeVMSuspended       = "VM_SUSPENDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeNoBackend         = "NO_BACKEND_AVAILABLE"
	CodeNoRescueImage     = "NO_RESCUE_IMAGE"
	CodeAddressPoolFull   = "ADDRESS_POOL_FULL"
	CodeInvalidBackendMsg = "INVALID_BACKEND_MSG"
)

// BadRequest creates a validation error.
func BadRequest(code, message string) *AppError {
	return New(KindValidation, code, message)
}

// BuildInProgress creates the error returned while the creation task is pending.
func BuildInProgress(vmID int64) *AppError {
	return New(KindBuildInProgress, CodeBuildInProgress,
		fmt.Sprintf("vm %d is still being built", vmID))
}

// Conflict creates a conflict error.
func Conflict(code, message string) *AppError {
	return New(KindConflict, code, message)
}

// Forbidden creates a forbidden error.
func Forbidden(code, message string) *AppError {
	return New(KindForbidden, code, message)
}

// NotFound creates a not found error.
func NotFound(code, message string) *AppError {
	return New(KindNotFound, code, message)
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(code, message string) *AppError {
	return New(KindServiceUnavailable, code, message)
}

// Internal creates an internal error.
func Internal(code, message string) *AppError {
	return New(KindInternal, code, message)
}

// Backend wraps a failed backend RPC.
func Backend(opcode string, err error) *AppError {
	return Wrap(err, KindBackend, CodeBackendError, "backend call failed").
		WithBackendMsg(opcode, "error")
}

// BackendTimeout wraps a backend RPC that did not answer in time.
func BackendTimeout(opcode string, err error) *AppError {
	return Wrap(err, KindBackendTimeout, CodeBackendTimeout, "backend call timed out, job id unknown").
		WithBackendMsg(opcode, "")
}

// ResolveError reports a conflicting or premature commission resolution.
func ResolveError(serial int64, message string) *AppError {
	e := New(KindResolve, CodeResolveError, message)
	e.Serial = serial
	return e
}

// DecodeError reports a malformed job record.
func DecodeError(err error, message string) *AppError {
	return Wrap(err, KindDecode, CodeDecodeError, message)
}

// IOTransient reports a job file that could not be read.
func IOTransient(err error, path string) *AppError {
	return Wrap(err, KindIOTransient, CodeIOTransient, "read job file "+path)
}

// InvalidBackendMsg reports a notification whose opcode/status pair is not understood.
func InvalidBackendMsg(opcode, status string) *AppError {
	return New(KindValidation, CodeInvalidBackendMsg,
		fmt.Sprintf("invalid backend message <opcode: %s, status: %s>", opcode, status)).
		WithBackendMsg(opcode, status)
}

// ErrVMNotFoundf creates a VM not found error.
func ErrVMNotFoundf(vmID int64) *AppError {
	return NotFound(CodeVMNotFound, fmt.Sprintf("virtual machine %d not found", vmID))
}
