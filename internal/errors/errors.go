// Package errors provides a lightweight structured error type (RunnerdError)
// for category-based classification and retry semantics in HTTP adapters and CLI.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of a runnerd error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNotFound   ErrorCategory = "not_found"

	// External system integration errors
	CategoryUpstream  ErrorCategory = "upstream"
	CategoryRateLimit ErrorCategory = "ratelimit"
	CategoryDaemon    ErrorCategory = "daemon"

	// Dispatch and state errors
	CategoryPolicy    ErrorCategory = "policy"
	CategoryConflict  ErrorCategory = "conflict"
	CategoryTransient ErrorCategory = "transient"
	CategoryInternal  ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RunnerdError is a structured error with category, retryability, and context
type RunnerdError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// Build returns the error itself for compatibility with adapter usage.
func (e *RunnerdError) Build() *RunnerdError {
	return e
}

// ContextFields carries structured context for RunnerdError
type ContextFields map[string]any

// Error implements the error interface
func (e *RunnerdError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *RunnerdError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *RunnerdError) WithContext(key string, value any) *RunnerdError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new RunnerdError
func New(category ErrorCategory, severity ErrorSeverity, message string) *RunnerdError {
	return &RunnerdError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new RunnerdError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *RunnerdError {
	return &RunnerdError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// Retryable creates a new retryable RunnerdError
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *RunnerdError {
	return &RunnerdError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: true,
	}
}

// WrapRetryable creates a new retryable RunnerdError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *RunnerdError {
	return &RunnerdError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if re, ok := err.(*RunnerdError); ok {
		return re.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if re, ok := err.(*RunnerdError); ok {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a RunnerdError
func GetCategory(err error) ErrorCategory {
	if re, ok := err.(*RunnerdError); ok {
		return re.Category
	}
	return CategoryInternal
}

// ValidationError creates a new validation error (400 Bad Request)
func ValidationError(message string) *RunnerdError {
	return &RunnerdError{
		Category:  CategoryValidation,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// DaemonError creates a new container daemon error (service unavailable)
func DaemonError(message string) *RunnerdError {
	return &RunnerdError{
		Category:  CategoryDaemon,
		Severity:  SeverityError,
		Message:   message,
		Retryable: false,
	}
}

// WrapError wraps an existing error with a new RunnerdError
func WrapError(err error, category ErrorCategory, message string) *RunnerdError {
	return &RunnerdError{
		Category: category,
		Severity: SeverityError,
		Message:  message,
		Cause:    err,
	}
}
