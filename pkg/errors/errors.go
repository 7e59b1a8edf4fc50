package errors

import (
	stdErrors "errors"
	"fmt"
)

// HVFSError is the wrapped error type produced by every metadata-plane
// package. It carries a Kind for programmatic dispatch, the component that
// raised it, an optional cause, and a lazily-allocated detail bag for
// structured logging.
type HVFSError struct {
	cause     error
	message   string
	kind      Kind
	component string
	details   map[string]any
}

// New creates an HVFSError with no wrapped cause.
func New(kind Kind, component, message string) *HVFSError {
	return &HVFSError{kind: kind, component: component, message: message}
}

// Wrap creates an HVFSError that wraps an existing error.
func Wrap(err error, kind Kind, component, message string) *HVFSError {
	return &HVFSError{cause: err, kind: kind, component: component, message: message}
}

// WithDetail attaches contextual key/value information used for structured
// logging. The map is allocated on first use to avoid allocating for the
// common case of a detail-free error.
func (e *HVFSError) WithDetail(key string, value any) *HVFSError {
	if e.details == nil {
		e.details = make(map[string]any, 4)
	}
	e.details[key] = value
	return e
}

// Error implements the error interface.
func (e *HVFSError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.component, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.component, e.message)
}

// Unwrap enables errors.Is/errors.As across the wrapped cause.
func (e *HVFSError) Unwrap() error {
	return e.cause
}

// Kind returns the error's taxonomy kind.
func (e *HVFSError) Kind() Kind {
	return e.kind
}

// Component returns the subsystem name that raised the error.
func (e *HVFSError) Component() string {
	return e.component
}

// Details returns the attached detail bag; may be nil.
func (e *HVFSError) Details() map[string]any {
	return e.details
}

// Is reports whether the first *HVFSError in err's chain carries the given
// Kind; HVFSErrors wrapped further down the chain are not examined.
func Is(err error, kind Kind) bool {
	var he *HVFSError
	if stdErrors.As(err, &he) {
		return he.kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindInternal if err isn't an
// *HVFSError.
func KindOf(err error) Kind {
	var he *HVFSError
	if stdErrors.As(err, &he) {
		return he.kind
	}
	return KindInternal
}

// Convenience constructors, one per component.

func NewRingError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "ring", msg)
}

func NewStorageError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "storage", msg)
}

func NewDHError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "dh", msg)
}

func NewCBHTError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "cbht", msg)
}

func NewTxgError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "txg", msg)
}

func NewR2Error(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "r2", msg)
}

func NewWireError(err error, kind Kind, msg string) *HVFSError {
	return Wrap(err, kind, "wire", msg)
}

func NewArgError(component, msg string) *HVFSError {
	return New(KindArg, component, msg)
}
