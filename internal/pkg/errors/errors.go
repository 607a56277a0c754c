// Package errors provides the closed error taxonomy for gnt-shepherd.
//
// Every fault that crosses a component boundary is an *AppError tagged with
// one Kind. Call sites match on the Kind explicitly instead of on concrete
// error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrTimeout        = errors.New("timeout")
)

// Kind classifies an AppError. The set is closed.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBuildInProgress
	KindConflict
	KindForbidden
	KindNotFound
	KindServiceUnavailable
	KindBackend
	KindBackendTimeout
	KindResolve
	KindDecode
	KindIOTransient
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindValidation:         "validation",
	KindBuildInProgress:    "build_in_progress",
	KindConflict:           "conflict",
	KindForbidden:          "forbidden",
	KindNotFound:           "not_found",
	KindServiceUnavailable: "service_unavailable",
	KindBackend:            "backend",
	KindBackendTimeout:     "backend_timeout",
	KindResolve:            "resolve",
	KindDecode:             "decode",
	KindIOTransient:        "io_transient",
}

// String returns the stable lowercase kind name, used as a metric label.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// AppError is a structured application error with a kind, stable code and HTTP status.
type AppError struct {
	Kind Kind `json:"-"`

	// Code is a machine-readable error code (e.g., "BUILD_IN_PROGRESS").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Opcode and Status carry the backend message for KindBackend and KindValidation
	// faults raised on an invalid job notification.
	Opcode string `json:"opcode,omitempty"`
	Status string `json:"status,omitempty"`

	// Serial is the commission serial involved in a KindResolve fault.
	Serial int64 `json:"serial,omitempty"`

	// Params carries structured context for callers.
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError of the given kind.
func New(kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: statusFor(kind),
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, kind Kind, code, message string) *AppError {
	e := New(kind, code, message)
	e.Err = err
	return e
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// WithBackendMsg attaches the opcode/status pair of a backend message.
func (e *AppError) WithBackendMsg(opcode, status string) *AppError {
	if e == nil {
		return e
	}
	e.Opcode = opcode
	e.Status = status
	return e
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindBuildInProgress, KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindServiceUnavailable, KindIOTransient:
		return http.StatusServiceUnavailable
	case KindBackend:
		return http.StatusBadGateway
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindDecode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal when err is not an AppError.
func KindOf(err error) Kind {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Kind == kind
}
