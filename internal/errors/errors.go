// Package errors provides structured error types for the vectordb engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by kind.
type ErrorCategory string

const (
	ErrCategoryNotFound      ErrorCategory = "NOT_FOUND"
	ErrCategoryAlreadyExists ErrorCategory = "ALREADY_EXISTS"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryConflict      ErrorCategory = "CONFLICT"
	ErrCategoryStorage       ErrorCategory = "STORAGE"
	ErrCategoryBuild         ErrorCategory = "BUILD"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Not found codes
	CodeTableNotFound   = "TABLE_NOT_FOUND"
	CodeSegmentNotFound = "SEGMENT_NOT_FOUND"
	CodeIndexNotFound   = "INDEX_NOT_FOUND"

	// Already exists codes
	CodeTableExists    = "TABLE_EXISTS"
	CodeArtifactExists = "ARTIFACT_EXISTS"

	// Validation codes
	CodeDimensionMismatch = "DIMENSION_MISMATCH"
	CodeInvalidArgument   = "INVALID_ARGUMENT"

	// Conflict codes
	CodeStateConflict = "STATE_CONFLICT"

	// Storage codes
	CodeIOFailed        = "IO_FAILED"
	CodeSegmentVanished = "SEGMENT_VANISHED"
	CodeCorrupted       = "CORRUPTED"

	// Build codes
	CodeBuildFailed = "BUILD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinel errors for errors.Is matching. Matching compares category and
// code only, so any EngineError with the same pair matches.
var (
	ErrTableNotFound     = New(ErrCategoryNotFound, CodeTableNotFound, "table not found")
	ErrSegmentNotFound   = New(ErrCategoryNotFound, CodeSegmentNotFound, "segment not found")
	ErrIndexNotFound     = New(ErrCategoryNotFound, CodeIndexNotFound, "index not found")
	ErrAlreadyExists     = New(ErrCategoryAlreadyExists, CodeTableExists, "table already exists")
	ErrArtifactExists    = New(ErrCategoryAlreadyExists, CodeArtifactExists, "index artifact already exists")
	ErrDimensionMismatch = New(ErrCategoryValidation, CodeDimensionMismatch, "vector dimension mismatch")
	ErrInvalidArgument   = New(ErrCategoryValidation, CodeInvalidArgument, "invalid argument")
	ErrConflict          = New(ErrCategoryConflict, CodeStateConflict, "segment state conflict")
	ErrIOFailed          = New(ErrCategoryStorage, CodeIOFailed, "io failed")
	ErrSegmentVanished   = New(ErrCategoryStorage, CodeSegmentVanished, "segment files vanished")
	ErrCorrupted         = New(ErrCategoryStorage, CodeCorrupted, "data corrupted")
	ErrBuildFailed       = New(ErrCategoryBuild, CodeBuildFailed, "index build failed")
)

// EngineError is the structured error type used throughout the engine.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeIOFailed:
		return true
	case category == ErrCategoryConflict:
		return true
	case category == ErrCategoryBuild:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func TableNotFound(name string) *EngineError {
	return New(ErrCategoryNotFound, CodeTableNotFound, fmt.Sprintf("table %q not found", name))
}

func SegmentNotFound(id int64) *EngineError {
	return New(ErrCategoryNotFound, CodeSegmentNotFound, fmt.Sprintf("segment %d not found", id))
}

func TableExists(name string) *EngineError {
	return New(ErrCategoryAlreadyExists, CodeTableExists, fmt.Sprintf("table %q already exists", name))
}

func DimensionMismatch(want, got int) *EngineError {
	return New(ErrCategoryValidation, CodeDimensionMismatch,
		fmt.Sprintf("expected dimension %d, got %d", want, got)).
		WithDetails(map[string]interface{}{"expected": want, "actual": got})
}

func InvalidArgument(format string, args ...interface{}) *EngineError {
	return New(ErrCategoryValidation, CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func Conflict(id int64, from, to fmt.Stringer) *EngineError {
	return New(ErrCategoryConflict, CodeStateConflict,
		fmt.Sprintf("segment %d is not in state %s (wanted %s)", id, from, to))
}

func NewStorageError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewBuildError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryBuild, CodeBuildFailed, message, cause)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
