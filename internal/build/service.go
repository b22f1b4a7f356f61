package build

import (
	"context"
	"fmt"
	"time"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/watcher"
)

// Compiler produces a bundle for one request. *Bundler is the production
// implementation.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*Result, error)
}

// SessionLookup maps a session id to its workspace root.
type SessionLookup interface {
	Root(sessionID string) (string, error)
}

// ServiceConfig controls how Service builds.
type ServiceConfig struct {
	Target Target
	// Timeout bounds one compilation. Zero means no limit.
	Timeout    time.Duration
	EntryFiles []string
}

// Service serves session bundles from the cache and makes sure at most one
// compilation runs per session. Concurrent callers for a session share the
// running build's outcome.
type Service struct {
	cache    *BuildCache
	compiler Compiler
	sessions SessionLookup
	metrics  *BuildMetrics
	config   ServiceConfig
	logger   logging.Logger
}

// NewService wires a service.
func NewService(cache *BuildCache, compiler Compiler, sessions SessionLookup, config ServiceConfig, logger logging.Logger) *Service {
	if config.Target == "" {
		config.Target = TargetSandbox
	}
	return &Service{
		cache:    cache,
		compiler: compiler,
		sessions: sessions,
		metrics:  NewBuildMetrics(),
		config:   config,
		logger:   logging.OrDiscard(logger).WithComponent("build"),
	}
}

// Cache returns the underlying cache.
func (s *Service) Cache() *BuildCache { return s.cache }

// Metrics returns the service's build metrics.
func (s *Service) Metrics() *BuildMetrics { return s.metrics }

// Bundle returns the session's bundle, building it on a miss. A caller
// that finds a build already running waits for it, bounded by ctx.
func (s *Service) Bundle(ctx context.Context, sessionID string) (*Entry, error) {
	start := time.Now()

	if entry, ok := s.cache.Get(sessionID); ok {
		s.metrics.RecordBuild(BuildOutcome{SessionID: sessionID, CacheHit: true, Duration: time.Since(start)})
		return entry, nil
	}

	root, err := s.sessions.Root(sessionID)
	if err != nil {
		return nil, err
	}

	if owner, running := s.cache.Acquire(sessionID); !owner {
		s.logger.Debug(ctx, "Waiting for running build", "session_id", sessionID)
		entry, err := s.cache.Await(ctx, running)
		s.metrics.RecordBuild(BuildOutcome{SessionID: sessionID, Shared: true, Duration: time.Since(start), Error: err})
		return entry, err
	}

	// A build may have completed between the miss and taking the ticket.
	if entry, ok := s.cache.Get(sessionID); ok {
		s.cache.CompleteBuild(sessionID, entry, nil)
		s.metrics.RecordBuild(BuildOutcome{SessionID: sessionID, CacheHit: true, Duration: time.Since(start)})
		return entry, nil
	}

	return s.build(ctx, sessionID, root)
}

// build runs while holding the ticket and always releases it, including
// when the compiler panics. The compilation is detached from the caller's
// cancellation because other callers may be waiting on it; only the
// configured timeout stops it.
func (s *Service) build(ctx context.Context, sessionID, root string) (entry *Entry, err error) {
	perf := logging.StartOperation(s.logger, "bundle", "session_id", sessionID)

	defer func() {
		if rec := recover(); rec != nil {
			entry = nil
			err = errors.NewBuildError(errors.ErrCodeBuildPanicked, fmt.Sprintf("build panicked: %v", rec), nil).
				WithSession(sessionID)
		}

		stored := s.cache.CompleteBuild(sessionID, entry, err)
		s.metrics.RecordBuild(BuildOutcome{SessionID: sessionID, Duration: perf.Elapsed(), Error: err})

		if err != nil {
			perf.EndWithError(ctx, err)
			return
		}
		perf.End(ctx, "size_bytes", entry.Size, "stored", stored)
	}()

	buildCtx := context.WithoutCancel(ctx)
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(buildCtx, s.config.Timeout)
		defer cancel()
	}

	entryPath, err := session.FindEntry(root, s.config.EntryFiles)
	if err != nil {
		return nil, err
	}

	result, err := s.compiler.Compile(buildCtx, Request{
		SessionID: sessionID,
		Root:      root,
		Entry:     entryPath,
		Target:    s.config.Target,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		s.logger.Warn(ctx, &w, "Build warning", "session_id", sessionID)
	}

	return NewEntry(sessionID, result.Code, result.BuildTime, Meta{
		Entry:    relativeTo(root, entryPath),
		Target:   s.config.Target,
		Inputs:   result.Inputs,
		Warnings: len(result.Warnings),
	}), nil
}

// HandleChange invalidates the session's bundle. Register it with
// watcher.Registry.OnFileChange; it runs synchronously in the event
// delivery so no later Bundle call can read the stale entry.
func (s *Service) HandleChange(event watcher.ChangeEvent) error {
	if s.cache.Clear(event.SessionID) {
		s.logger.Debug(context.Background(), "Invalidated bundle",
			"session_id", event.SessionID, "path", event.RelativePath, "event", event.Type.String())
	}
	return nil
}

// Invalidate drops the session's bundle on request.
func (s *Service) Invalidate(sessionID string) bool {
	return s.cache.Clear(sessionID)
}
