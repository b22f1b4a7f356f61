package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
)

// DefaultSessionID names the session used by single-workspace callers
// (the CLI and older clients that never pass an id).
const DefaultSessionID = "default"

// Session describes one live watch.
type Session struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry owns every per-session watch and the listener list they
// broadcast to.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*sessionWatch
	listeners []*listener
	logger    logging.Logger
}

type listener struct {
	cb Callback
}

type sessionWatch struct {
	Session
	opts    Options
	fsw     *fsnotify.Watcher
	stopped atomic.Bool
	done    chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionWatch),
		logger:   logging.OrDiscard(logger).WithComponent("watcher"),
	}
}

// StartWatching begins watching rootPath for sessionID. A running watch
// for the same id is stopped first, so restarting never yields two live
// watches.
func (r *Registry) StartWatching(sessionID, rootPath string, opts Options) error {
	if sessionID == "" {
		return errors.NewValidationError(errors.ErrCodeValidationFailed, "session id is required")
	}

	root, err := filepath.Abs(rootPath)
	if err != nil {
		return errors.ErrInvalidPath(rootPath)
	}
	info, err := os.Stat(root)
	if err != nil {
		return errors.WrapIO(err, errors.ErrCodeInvalidPath, "watch root is not accessible")
	}
	if !info.IsDir() {
		return errors.ErrInvalidPath(rootPath).WithContext("reason", "not a directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewWatchError(errors.ErrCodeWatchFailed, "creating watcher", err).WithSession(sessionID)
	}

	w := &sessionWatch{
		Session: Session{ID: sessionID, Root: root, CreatedAt: time.Now()},
		opts:    opts,
		fsw:     fsw,
		done:    make(chan struct{}),
	}

	if _, err := w.addTree(root); err != nil {
		fsw.Close()
		return errors.NewWatchError(errors.ErrCodeWatchFailed, "adding watch paths", err).WithSession(sessionID)
	}

	r.mu.Lock()
	if prev, ok := r.sessions[sessionID]; ok {
		prev.stop()
	}
	r.sessions[sessionID] = w
	r.mu.Unlock()

	go r.run(w)

	r.logger.Info(context.Background(), "Watching session", "session_id", sessionID, "root", root)
	return nil
}

// StopWatching stops the watch for sessionID. Unknown ids are ignored.
func (r *Registry) StopWatching(sessionID string) {
	r.mu.Lock()
	w, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		w.stop()
		r.logger.Info(context.Background(), "Stopped watching session", "session_id", sessionID)
	}
}

// StartDefault watches root under DefaultSessionID.
func (r *Registry) StartDefault(root string, opts Options) error {
	return r.StartWatching(DefaultSessionID, root, opts)
}

// StopDefault stops the DefaultSessionID watch.
func (r *Registry) StopDefault() {
	r.StopWatching(DefaultSessionID)
}

// OnFileChange registers cb for every session's events and returns a
// function that unregisters it. Both may be called from inside a callback.
func (r *Registry) OnFileChange(cb Callback) func() {
	l := &listener{cb: cb}

	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			kept := make([]*listener, 0, len(r.listeners))
			for _, existing := range r.listeners {
				if existing != l {
					kept = append(kept, existing)
				}
			}
			r.listeners = kept
		})
	}
}

// Cleanup stops every session and drops all listeners.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	watches := r.sessions
	r.sessions = make(map[string]*sessionWatch)
	r.listeners = nil
	r.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
}

// IsWatching reports whether sessionID has a live watch.
func (r *Registry) IsWatching(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Sessions lists the live watches ordered by id.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, w := range r.sessions {
		out = append(out, w.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListenerCount returns the number of registered listeners.
func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry) run(w *sessionWatch) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			r.handleFsnotifyEvent(w, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.stopped.Load() {
				return
			}
			r.logger.Error(context.Background(),
				errors.NewWatchError(errors.ErrCodeWatchFailed, "watch backend failed", err).WithSession(w.ID),
				"File watch ended; restart the session watch to resume",
				"session_id", w.ID, "root", w.Root)
			r.detach(w)
			return
		}
	}
}

// detach removes w from the registry if it is still the live watch for
// its id, then stops it.
func (r *Registry) detach(w *sessionWatch) {
	r.mu.Lock()
	if current, ok := r.sessions[w.ID]; ok && current == w {
		delete(r.sessions, w.ID)
	}
	r.mu.Unlock()
	w.stop()
}

func (r *Registry) handleFsnotifyEvent(w *sessionWatch, event fsnotify.Event) {
	if w.stopped.Load() {
		return
	}

	eventType, ok := eventTypeFor(event.Op)
	if !ok {
		return
	}

	rel, err := session.Relative(w.Root, event.Name)
	if err != nil {
		r.logger.Warn(context.Background(), err, "Dropping event outside session root",
			"session_id", w.ID, "path", event.Name)
		return
	}
	if rel == "." || !w.opts.acceptsSegments(rel) {
		return
	}

	now := time.Now()
	if w.opts.accepts(rel) && !r.broadcast(w, ChangeEvent{
		SessionID:    w.ID,
		Type:         eventType,
		RelativePath: rel,
		AbsolutePath: event.Name,
		Timestamp:    now,
	}) {
		return
	}

	if eventType != EventTypeCreated {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil || !info.IsDir() {
		return
	}

	// Files written into a new directory before its watch existed are
	// reported as created here.
	files, err := w.addTree(event.Name)
	if err != nil {
		r.logger.Warn(context.Background(), err, "Failed to watch new directory",
			"session_id", w.ID, "path", event.Name)
	}
	for _, path := range files {
		fileRel, err := session.Relative(w.Root, path)
		if err != nil || !w.opts.accepts(fileRel) {
			continue
		}
		if !r.broadcast(w, ChangeEvent{
			SessionID:    w.ID,
			Type:         EventTypeCreated,
			RelativePath: fileRel,
			AbsolutePath: path,
			Timestamp:    now,
		}) {
			return
		}
	}
}

// broadcast delivers an event from w to the current listeners. It delivers
// nothing and reports false once w is stopped. The check holds the registry
// lock, which StartWatching also holds while replacing a watch.
func (r *Registry) broadcast(w *sessionWatch, event ChangeEvent) bool {
	r.mu.Lock()
	if w.stopped.Load() {
		r.mu.Unlock()
		return false
	}
	snapshot := make([]*listener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		r.deliver(l, event)
	}
	return true
}

func (r *Registry) deliver(l *listener, event ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(context.Background(), fmt.Errorf("panic: %v", rec),
				"File change callback panicked",
				"session_id", event.SessionID, "path", event.RelativePath)
		}
	}()

	if err := l.cb(event); err != nil {
		r.logger.Warn(context.Background(), err, "File change callback failed",
			"session_id", event.SessionID, "path", event.RelativePath)
	}
}

// addTree watches dir and every accepted subdirectory, returning the
// regular files found along the way.
func (w *sessionWatch) addTree(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}

		if path != w.Root {
			rel, relErr := session.Relative(w.Root, path)
			if relErr != nil {
				return filepath.SkipDir
			}
			if !w.opts.acceptsSegments(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if d.IsDir() {
			return w.fsw.Add(path)
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

func (w *sessionWatch) stop() {
	if w.stopped.CompareAndSwap(false, true) {
		_ = w.fsw.Close()
	}
}

// acceptsSegments applies the dotfile and ignore rules but not the
// filters, which only apply to reported files.
func (o Options) acceptsSegments(relPath string) bool {
	return Options{IncludeDotfiles: o.IncludeDotfiles, Ignore: o.Ignore}.accepts(relPath)
}
