// Package errors provides the structured error types shared across workbench:
// a typed WorkbenchError with file location context, and file-attributed
// build diagnostics collected while compiling a session.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeSecurity   ErrorType = "security"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeWatch      ErrorType = "watch"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// WorkbenchError is a structured error type with context.
type WorkbenchError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	SessionID   string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *WorkbenchError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.SessionID != "" {
		parts = append(parts, "session:"+e.SessionID)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *WorkbenchError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *WorkbenchError) Is(target error) bool {
	var t *WorkbenchError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *WorkbenchError) WithContext(key string, value interface{}) *WorkbenchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *WorkbenchError) WithLocation(filePath string, line, column int) *WorkbenchError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithSession adds session context.
func (e *WorkbenchError) WithSession(sessionID string) *WorkbenchError {
	e.SessionID = sessionID

	return e
}

// Error creation functions

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewSecurityError creates a security error.
func NewSecurityError(code, message string) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeSecurity,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewWatchError creates a watch backend error. The session's watch has
// ended; the owner restarts it explicitly.
func NewWatchError(code, message string, cause error) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeWatch,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *WorkbenchError {
	return &WorkbenchError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable reports whether retrying after the user edits files or
// fixes the request can succeed. Build diagnostics are always recoverable.
func IsRecoverable(err error) bool {
	var de *DiagnosticError
	if errors.As(err, &de) {
		return true
	}

	var we *WorkbenchError
	if errors.As(err, &we) {
		return we.Recoverable
	}

	return false
}

// IsSecurityError checks if an error is security-related.
func IsSecurityError(err error) bool {
	var we *WorkbenchError
	if errors.As(err, &we) {
		return we.Type == ErrorTypeSecurity
	}

	return false
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	var we *WorkbenchError
	if errors.As(err, &we) {
		return we.Type == ErrorTypeBuild
	}

	var de *DiagnosticError

	return errors.As(err, &de)
}

// Common error codes.
const (
	ErrCodeInvalidPath      = "ERR_INVALID_PATH"
	ErrCodePathTraversal    = "ERR_PATH_TRAVERSAL"
	ErrCodeSessionNotFound  = "ERR_SESSION_NOT_FOUND"
	ErrCodeEntryNotFound    = "ERR_ENTRY_NOT_FOUND"
	ErrCodeBuildFailed      = "ERR_BUILD_FAILED"
	ErrCodeBuildPanicked    = "ERR_BUILD_PANICKED"
	ErrCodeBuildTimeout     = "ERR_BUILD_TIMEOUT"
	ErrCodeNoBuildResult    = "ERR_NO_BUILD_RESULT"
	ErrCodeUnsupportedFile  = "ERR_UNSUPPORTED_FILE"
	ErrCodeFileUnreadable   = "ERR_FILE_UNREADABLE"
	ErrCodeWatchFailed      = "ERR_WATCH_FAILED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeInternalError    = "ERR_INTERNAL"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
	ErrCodeEmptyQuery       = "ERR_EMPTY_QUERY"
)

// Wrap wraps an error with additional context, creating a WorkbenchError if
// the input is not already one.
func Wrap(err error, errType ErrorType, code, message string) *WorkbenchError {
	if err == nil {
		return nil
	}

	var we *WorkbenchError
	if errors.As(err, &we) {
		return &WorkbenchError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       we,
			Context:     we.Context,
			SessionID:   we.SessionID,
			FilePath:    we.FilePath,
			Line:        we.Line,
			Column:      we.Column,
			Recoverable: we.Recoverable,
		}
	}

	return &WorkbenchError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeBuild,
	}
}

// WrapIO wraps an error as an I/O error.
func WrapIO(err error, code, message string) *WorkbenchError {
	we := Wrap(err, ErrorTypeIO, code, message)
	if we != nil {
		we.Recoverable = false
	}
	return we
}

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *WorkbenchError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}

// ErrPathTraversal creates a path traversal security error.
func ErrPathTraversal(path string) *WorkbenchError {
	return NewSecurityError(ErrCodePathTraversal, "path escapes workspace root: "+path)
}

// ErrSessionNotFound creates a session lookup error.
func ErrSessionNotFound(id string) *WorkbenchError {
	return NewValidationError(ErrCodeSessionNotFound, "session not found").WithSession(id)
}

// ErrBuildFailed creates a build failure error that carries no diagnostics.
func ErrBuildFailed(sessionID, reason string) *WorkbenchError {
	return NewBuildError(ErrCodeBuildFailed, "build failed: "+reason, nil).WithSession(sessionID)
}
