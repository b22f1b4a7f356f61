package errors

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// BuildError is a single file-attributed diagnostic produced while
// resolving, loading or compiling a session's sources.
type BuildError struct {
	File      string        `json:"file"`
	Line      int           `json:"line"`
	Column    int           `json:"column"`
	Message   string        `json:"message"`
	Severity  ErrorSeverity `json:"severity"`
	Plugin    string        `json:"plugin,omitempty"`
	LineText  string        `json:"line_text,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
	ErrorSeverityFatal
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	case ErrorSeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error implements the error interface
func (be *BuildError) Error() string {
	if be.File == "" {
		return fmt.Sprintf("%s: %s", be.Severity, be.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", be.File, be.Line, be.Column, be.Severity, be.Message)
}

// DiagnosticError is returned by a failed build. It carries every
// diagnostic the compiler reported, in file order.
type DiagnosticError struct {
	SessionID   string
	Diagnostics []BuildError
}

func (de *DiagnosticError) Error() string {
	switch len(de.Diagnostics) {
	case 0:
		return "build failed"
	case 1:
		return "build failed: " + de.Diagnostics[0].Error()
	default:
		return fmt.Sprintf("build failed with %d errors; first: %s",
			len(de.Diagnostics), de.Diagnostics[0].Error())
	}
}

// Files returns the distinct files the diagnostics are attributed to.
func (de *DiagnosticError) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, d := range de.Diagnostics {
		if d.File == "" {
			continue
		}
		if _, ok := seen[d.File]; ok {
			continue
		}
		seen[d.File] = struct{}{}
		files = append(files, d.File)
	}
	sort.Strings(files)
	return files
}

// ErrorCollector collects diagnostics and general errors
type ErrorCollector struct {
	buildErrors []BuildError
	errors      []error
	mutex       sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		buildErrors: make([]BuildError, 0),
		errors:      make([]error, 0),
	}
}

// Add adds a build error to the collector
func (ec *ErrorCollector) Add(err BuildError) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	ec.buildErrors = append(ec.buildErrors, err)
}

// AddError adds a general error to the collector
func (ec *ErrorCollector) AddError(err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = append(ec.errors, err)
}

// GetErrors returns all collected build errors
func (ec *ErrorCollector) GetErrors() []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]BuildError, len(ec.buildErrors))
	copy(result, ec.buildErrors)
	return result
}

// HasErrors reports whether any error-or-worse diagnostic or general
// error was collected. Warnings alone do not count.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	if len(ec.errors) > 0 {
		return true
	}
	for _, be := range ec.buildErrors {
		if be.Severity >= ErrorSeverityError {
			return true
		}
	}
	return false
}

// GetErrorsByFile returns errors for a specific file
func (ec *ErrorCollector) GetErrorsByFile(file string) []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var fileErrors []BuildError
	for _, err := range ec.buildErrors {
		if err.File == file {
			fileErrors = append(fileErrors, err)
		}
	}
	return fileErrors
}

// Warnings returns the collected diagnostics below error severity.
func (ec *ErrorCollector) Warnings() []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var warnings []BuildError
	for _, be := range ec.buildErrors {
		if be.Severity < ErrorSeverityError {
			warnings = append(warnings, be)
		}
	}
	return warnings
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.buildErrors = ec.buildErrors[:0]
	ec.errors = ec.errors[:0]
}

// Err folds the collected diagnostics into a DiagnosticError, or returns
// nil when nothing at error severity was collected.
func (ec *ErrorCollector) Err(sessionID string) error {
	if !ec.HasErrors() {
		return nil
	}

	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	de := &DiagnosticError{SessionID: sessionID}
	for _, be := range ec.buildErrors {
		if be.Severity >= ErrorSeverityError {
			de.Diagnostics = append(de.Diagnostics, be)
		}
	}
	for _, err := range ec.errors {
		de.Diagnostics = append(de.Diagnostics, BuildError{
			Message:   err.Error(),
			Severity:  ErrorSeverityError,
			Timestamp: time.Now(),
		})
	}
	return de
}

// FormatDiagnostics renders diagnostics one per line, for terminals.
func FormatDiagnostics(diags []BuildError) string {
	var b strings.Builder
	for _, d := range diags {
		b.WriteString(d.Error())
		b.WriteByte('\n')
		if d.LineText != "" {
			b.WriteString("    ")
			b.WriteString(strings.TrimSpace(d.LineText))
			b.WriteByte('\n')
		}
	}
	return b.String()
}
