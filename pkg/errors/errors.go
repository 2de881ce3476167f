// Package errors provides the coded error type used across the graph builder.
// Every failure surfaced by a pipeline step carries a Code so callers can
// branch on the kind of failure without matching message text.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a class of failure.
type Code string

const (
	// Input errors (1xx)
	CodeMalformedLogInput Code = "E101"
	CodeSchemaConflict    Code = "E102"
	CodeFileNotFound      Code = "E103"

	// Graph construction errors (2xx)
	CodeUnresolvedEntityReference Code = "E201"
	CodeInvalidEntitySpec         Code = "E202"
	CodeStaleDirectlyFollows      Code = "E203"
	CodeStepOrder                 Code = "E204"

	// Output errors (3xx)
	CodeWriteFailed Code = "E301"

	// System errors (4xx)
	CodeContextCanceled Code = "E401"
	CodeInvalidConfig   Code = "E402"

	// Store errors (5xx)
	CodeStorageOperationFailure Code = "E501"
	CodeStoreUnavailable        Code = "E502"

	CodeUnknown Code = "E999"
)

var codeNames = map[Code]string{
	CodeMalformedLogInput:         "MalformedLogInput",
	CodeSchemaConflict:            "SchemaConflict",
	CodeFileNotFound:              "FileNotFound",
	CodeUnresolvedEntityReference: "UnresolvedEntityReference",
	CodeInvalidEntitySpec:         "InvalidEntitySpec",
	CodeStaleDirectlyFollows:      "StaleDirectlyFollows",
	CodeStepOrder:                 "StepOrder",
	CodeWriteFailed:               "WriteFailed",
	CodeContextCanceled:           "ContextCanceled",
	CodeInvalidConfig:             "InvalidConfig",
	CodeStorageOperationFailure:   "StorageOperationFailure",
	CodeStoreUnavailable:          "StoreUnavailable",
}

// String returns the symbolic name of the code, e.g. "SchemaConflict".
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return string(c)
}

// Error is a coded failure with optional structured context.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error renders "[code name] message (k=v, ...): cause". Context keys are
// sorted.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s %s] %s", e.Code, e.Code.String(), e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%v", k, e.Context[k])
		}
		sb.WriteString(" (" + strings.Join(pairs, ", ") + ")")
	}
	if e.Cause != nil {
		sb.WriteString(": " + e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithContext attaches a key/value pair and returns e.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// --- Convenience constructors ---

// MalformedLogInput reports a log document that does not have the expected shape.
func MalformedLogInput(message string) *Error {
	return New(CodeMalformedLogInput, message)
}

// SchemaConflict reports an attribute name that collides with a reserved column.
func SchemaConflict(record, name string) *Error {
	return New(CodeSchemaConflict, "attribute name collides with reserved column").
		WithContext("record", record).
		WithContext("name", name)
}

// FileNotFound creates a file not found error.
func FileNotFound(path string) *Error {
	return New(CodeFileNotFound, "file not found").WithContext("path", path)
}

// UnresolvedEntityReference reports an event value with no matching Entity node.
func UnresolvedEntityReference(entityType, uid string) *Error {
	return New(CodeUnresolvedEntityReference, "no entity node for referenced value").
		WithContext("entity_type", entityType).
		WithContext("uid", uid)
}

// StorageFailure wraps a failure reported by the graph store.
func StorageFailure(err error, op string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, CodeStorageOperationFailure, "store operation failed").
		WithContext("op", op)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *Error {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code anywhere in its chain.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// GetCode extracts the outermost error code.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the caller may retry the failed step.
// Nothing is retried internally.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeStorageOperationFailure, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(m.Errors))
	for i, err := range m.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
