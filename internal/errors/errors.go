// Package errors provides structured error types for the ingestion pipeline.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryArchive  ErrorCategory = "ARCHIVE"
	ErrCategoryDocument ErrorCategory = "DOCUMENT"
	ErrCategoryStore    ErrorCategory = "STORE"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryResolve  ErrorCategory = "RESOLVE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Archive codes
	CodeOpenFailed   = "OPEN_FAILED"
	CodeEntryFailed  = "ENTRY_FAILED"
	CodeStatFailed   = "STAT_FAILED"
	CodeChecksumFail = "CHECKSUM_FAILED"

	// Document codes
	CodeDecodeFailed = "DECODE_FAILED"
	CodeParseFailed  = "PARSE_FAILED"
	CodePathNotFound = "PATH_NOT_FOUND"

	// Store codes
	CodeDuplicateKey = "DUPLICATE_KEY"
	CodeReadFailed   = "READ_FAILED"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidField = "INVALID_FIELD"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the pipeline.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	return GetCategory(err) == ErrCategoryStore && GetCode(err) == CodeDuplicateKey
}

// IsNotFound reports whether err is a store lookup miss.
func IsNotFound(err error) bool {
	return GetCategory(err) == ErrCategoryStore && GetCode(err) == CodeNotFound
}

// Store round trips and object transfers may succeed on a later run.
// Duplicate keys and malformed documents never will.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeReadFailed:
		return true
	case category == ErrCategoryStore && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDeleteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewArchiveError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewDocumentError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryDocument, code, message, cause)
}

func NewStoreError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewResolveError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryResolve, code, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
