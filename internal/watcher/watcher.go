// Package watcher owns the per-session filesystem watches. Each session
// gets its own fsnotify watcher over its root directory; every change is
// converted to a root-relative ChangeEvent and fanned out to the
// process-wide listeners registered on the Registry.
package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent represents a file change inside a session root
type ChangeEvent struct {
	SessionID    string    `json:"session_id"`
	Type         EventType `json:"event_type"`
	RelativePath string    `json:"relative_path"`
	AbsolutePath string    `json:"absolute_path"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the event type by name.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// eventTypeFor maps an fsnotify op onto an EventType. Chmod-only events
// carry no content change and are dropped.
func eventTypeFor(op fsnotify.Op) (EventType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventTypeCreated, true
	case op.Has(fsnotify.Write):
		return EventTypeModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventTypeDeleted, true
	default:
		return 0, false
	}
}

// Callback receives change events. A returned error is logged; it never
// stops delivery to the other callbacks.
type Callback func(event ChangeEvent) error

// FileFilter determines if a root-relative, slash-separated path should be
// reported.
type FileFilter func(relPath string) bool

// Options configure a single session watch.
type Options struct {
	// IncludeDotfiles reports paths with a dot-prefixed segment, which are
	// ignored by default.
	IncludeDotfiles bool
	// Ignore lists path segment names skipped anywhere in the tree.
	Ignore []string
	// Filters must all accept a path for it to be reported.
	Filters []FileFilter
}

func (o Options) accepts(relPath string) bool {
	for _, segment := range strings.Split(relPath, "/") {
		if !o.IncludeDotfiles && strings.HasPrefix(segment, ".") {
			return false
		}
		for _, ignored := range o.Ignore {
			if segment == ignored {
				return false
			}
		}
	}
	for _, filter := range o.Filters {
		if !filter(relPath) {
			return false
		}
	}
	return true
}

// SourceFilter accepts the four recognized source dialects.
func SourceFilter(path string) bool {
	switch filepath.Ext(path) {
	case ".tsx", ".ts", ".jsx", ".js":
		return true
	default:
		return false
	}
}

// NoTestFilter rejects test files by suffix.
func NoTestFilter(path string) bool {
	base := filepath.Base(path)
	for _, marker := range []string{".test.", ".spec."} {
		if strings.Contains(base, marker) {
			return false
		}
	}
	return true
}

// NoDependencyFilter rejects anything under node_modules.
func NoDependencyFilter(path string) bool {
	return !strings.HasPrefix(path, "node_modules/") && !strings.Contains(path, "/node_modules/")
}
