package backup

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies a failure per the subsystem's error taxonomy. The
// type decides fatality: configuration, restore, resource and lock errors
// abort the run; artifact errors are aggregated per sibling; verification
// errors stay soft unless the caller demanded validation; offload errors
// only ever degrade a run.
type ErrorType string

const (
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeArtifact     ErrorType = "artifact"
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeRestore      ErrorType = "restore"
	ErrorTypeResource     ErrorType = "resource"
	ErrorTypeLock         ErrorType = "lock"
	ErrorTypeOffload      ErrorType = "offload"
)

// Error is the subsystem's error carrier. The Type field surfaces the
// failure category in logs and the end-of-run summary.
type Error struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair that logging can surface as a field.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Typed constructors, one per taxonomy category.

func NewConfigError(message string, cause error) *Error {
	return NewError(ErrorTypeConfig, message, cause)
}

func NewArtifactError(message string, cause error) *Error {
	return NewError(ErrorTypeArtifact, message, cause)
}

func NewVerificationError(message string, cause error) *Error {
	return NewError(ErrorTypeVerification, message, cause)
}

func NewRestoreError(message string, cause error) *Error {
	return NewError(ErrorTypeRestore, message, cause)
}

func NewResourceError(message string, cause error) *Error {
	return NewError(ErrorTypeResource, message, cause)
}

func NewLockError(message string, cause error) *Error {
	return NewError(ErrorTypeLock, message, cause)
}

func NewOffloadError(message string, cause error) *Error {
	return NewError(ErrorTypeOffload, message, cause)
}

// TypeOf extracts the taxonomy category from an error chain. Unclassified
// errors report as resource failures, the conservative fatal bucket.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeResource
}

// IsFatal reports whether the error category aborts the whole run on its
// own. Artifact and verification failures are aggregated by the caller
// instead; offload failures only degrade.
func IsFatal(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeConfig, ErrorTypeRestore, ErrorTypeResource, ErrorTypeLock:
		return true
	}
	return false
}

// ErrorList aggregates independent per-item failures: one artifact format,
// one runtime volume. Items are collected so siblings keep running.
type ErrorList struct {
	errs []error
}

// Add records a failure. Nil errors are ignored so callers can collect
// unconditionally.
func (l *ErrorList) Add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

// Addf records a formatted artifact-level failure wrapping cause.
func (l *ErrorList) Addf(cause error, format string, args ...interface{}) {
	l.Add(NewArtifactError(fmt.Sprintf(format, args...), cause))
}

// Len returns the number of collected failures.
func (l *ErrorList) Len() int {
	return len(l.errs)
}

// HasErrors reports whether anything was collected.
func (l *ErrorList) HasErrors() bool {
	return len(l.errs) > 0
}

// Errors returns the collected failures in order.
func (l *ErrorList) Errors() []error {
	return l.errs
}

// Err returns the list as a single error, or nil when empty.
func (l *ErrorList) Err() error {
	if len(l.errs) == 0 {
		return nil
	}
	return l
}

// Error implements the error interface with a joined message.
func (l *ErrorList) Error() string {
	switch len(l.errs) {
	case 0:
		return "no errors"
	case 1:
		return l.errs[0].Error()
	}
	parts := make([]string, len(l.errs))
	for i, err := range l.errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(l.errs), strings.Join(parts, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (l *ErrorList) Unwrap() []error {
	return l.errs
}
