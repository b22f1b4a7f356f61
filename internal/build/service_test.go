package build

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/testutils"
	"github.com/conneroisu/workbench/internal/watcher"
)

// fakeCompiler counts compilations and can hold a build open until
// released.
type fakeCompiler struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	panic   string
	err     error
}

func (f *fakeCompiler) Compile(ctx context.Context, req Request) (*Result, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panic != "" {
		panic(f.panic)
	}
	if f.err != nil {
		return nil, f.err
	}
	code := fmt.Sprintf("/* build %d of %s */", n, req.SessionID)
	return &Result{Code: code, Size: int64(len(code)), BuildTime: time.Millisecond, Inputs: 1}, nil
}

func newTestService(t *testing.T, compiler Compiler, cfg ServiceConfig) (*Service, *session.Manager) {
	t.Helper()
	root := t.TempDir()
	testutils.WriteFiles(t, root, map[string]string{"index.tsx": "export {}"})

	sessions := session.NewManager()
	_, err := sessions.Create("s1", root)
	require.NoError(t, err)

	return NewService(NewBuildCache(0), compiler, sessions, cfg, nil), sessions
}

func TestService_CachesBundle(t *testing.T) {
	compiler := &fakeCompiler{}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	assert.False(t, svc.Cache().Has("s1"))
	first, err := svc.Bundle(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, svc.Cache().Has("s1"))
	assert.Equal(t, "index.tsx", first.Meta.Entry)
	assert.Equal(t, TargetSandbox, first.Meta.Target)

	second, err := svc.Bundle(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), compiler.calls.Load())

	snapshot := svc.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot.TotalBuilds)
	assert.Equal(t, int64(1), snapshot.CacheHits)
}

func TestService_ConcurrentRequestsCompileOnce(t *testing.T) {
	compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	const callers = 8
	var wg sync.WaitGroup
	entries := make([]*Entry, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		entries[0], errs[0] = svc.Bundle(context.Background(), "s1")
	}()
	<-compiler.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = svc.Bundle(context.Background(), "s1")
		}(i)
	}
	require.Eventually(t, func() bool { return svc.Cache().GetStats("s1").Waiters == callers-1 },
		5*time.Second, time.Millisecond)

	close(compiler.release)
	wg.Wait()

	assert.Equal(t, int32(1), compiler.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, entries[0].Code, entries[i].Code)
	}
	assert.Equal(t, int64(callers-1), svc.Metrics().GetSnapshot().SharedBuilds)
}

func TestService_PanickingBuildReleasesTicket(t *testing.T) {
	compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{}), panic: "compiler exploded"}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Bundle(context.Background(), "s1")
		firstErr <- err
	}()
	<-compiler.started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := svc.Bundle(context.Background(), "s1")
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return svc.Cache().GetStats("s1").Waiters == 1 },
		5*time.Second, time.Millisecond)

	close(compiler.release)

	for _, ch := range []chan error{firstErr, waiterErr} {
		err := <-ch
		require.Error(t, err)
		var we *errors.WorkbenchError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, errors.ErrCodeBuildPanicked, we.Code)
		assert.Contains(t, err.Error(), "compiler exploded")
	}

	assert.False(t, svc.Cache().IsBuildInProgress("s1"))
	assert.False(t, svc.Cache().Has("s1"))

	// The session is usable again once the compiler recovers.
	compiler.panic = ""
	_, err := svc.Bundle(context.Background(), "s1")
	require.NoError(t, err)
}

func TestService_FailedBuildPropagatesDiagnostics(t *testing.T) {
	diag := &errors.DiagnosticError{SessionID: "s1", Diagnostics: []errors.BuildError{{File: "index.tsx", Line: 3, Column: 7, Message: "Expected \";\"", Severity: errors.ErrorSeverityError}}}
	svc, _ := newTestService(t, &fakeCompiler{err: diag}, ServiceConfig{})

	entry, err := svc.Bundle(context.Background(), "s1")
	assert.Nil(t, entry)
	assert.Same(t, diag, err)
	assert.False(t, svc.Cache().Has("s1"))
	assert.Equal(t, int64(1), svc.Metrics().GetSnapshot().FailedBuilds)
}

func TestService_ChangeDuringBuildIsNotStored(t *testing.T) {
	compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	done := make(chan *Entry, 1)
	go func() {
		entry, err := svc.Bundle(context.Background(), "s1")
		assert.NoError(t, err)
		done <- entry
	}()
	<-compiler.started

	require.NoError(t, svc.HandleChange(watcher.ChangeEvent{SessionID: "s1", Type: watcher.EventTypeModified, RelativePath: "index.tsx"}))
	close(compiler.release)

	entry := <-done
	require.NotNil(t, entry, "the caller still gets the build it waited for")
	assert.False(t, svc.Cache().Has("s1"), "a bundle built before the change is not cached")

	_, err := svc.Bundle(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), compiler.calls.Load())
	assert.True(t, svc.Cache().Has("s1"))
}

func TestService_WaiterSharesOwnerOutcome(t *testing.T) {
	run := func(t *testing.T, compiler *fakeCompiler, during func(*Service)) (owner, waiter chan bundleOutcome) {
		t.Helper()
		svc, _ := newTestService(t, compiler, ServiceConfig{})
		owner, waiter = make(chan bundleOutcome, 1), make(chan bundleOutcome, 1)

		go func() {
			entry, err := svc.Bundle(context.Background(), "s1")
			owner <- bundleOutcome{entry, err}
		}()
		<-compiler.started
		go func() {
			entry, err := svc.Bundle(context.Background(), "s1")
			waiter <- bundleOutcome{entry, err}
		}()
		require.Eventually(t, func() bool { return svc.Cache().GetStats("s1").Waiters == 1 },
			5*time.Second, time.Millisecond)

		if during != nil {
			during(svc)
		}
		close(compiler.release)
		return owner, waiter
	}

	t.Run("diagnostics", func(t *testing.T) {
		diag := &errors.DiagnosticError{SessionID: "s1", Diagnostics: []errors.BuildError{{File: "index.tsx", Line: 1, Message: "Unexpected \"<\"", Severity: errors.ErrorSeverityError}}}
		compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{}), err: diag}

		owner, waiter := run(t, compiler, nil)
		for _, ch := range []chan bundleOutcome{owner, waiter} {
			got := <-ch
			assert.Nil(t, got.entry)
			assert.Same(t, diag, got.err)
		}
	})

	t.Run("entry kept out of the cache by a change", func(t *testing.T) {
		compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{})}

		var svc *Service
		owner, waiter := run(t, compiler, func(s *Service) {
			svc = s
			s.Invalidate("s1")
		})
		built, shared := <-owner, <-waiter
		require.NoError(t, built.err)
		require.NoError(t, shared.err)
		assert.Same(t, built.entry, shared.entry)
		assert.False(t, svc.Cache().Has("s1"))
		assert.Equal(t, int32(1), compiler.calls.Load())
	})
}

type bundleOutcome struct {
	entry *Entry
	err   error
}

func TestService_HandleChangeInvalidates(t *testing.T) {
	svc, _ := newTestService(t, &fakeCompiler{}, ServiceConfig{})

	_, err := svc.Bundle(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, svc.Cache().Has("s1"))

	require.NoError(t, svc.HandleChange(watcher.ChangeEvent{SessionID: "s1", Type: watcher.EventTypeCreated, RelativePath: "b.tsx"}))
	assert.False(t, svc.Cache().Has("s1"))

	// Other sessions are untouched.
	svc.Cache().Set("s2", "x", 0, Meta{})
	require.NoError(t, svc.HandleChange(watcher.ChangeEvent{SessionID: "s1"}))
	assert.True(t, svc.Cache().Has("s2"))
}

func TestService_Timeout(t *testing.T) {
	compiler := &fakeCompiler{release: make(chan struct{})}
	svc, _ := newTestService(t, compiler, ServiceConfig{Timeout: 20 * time.Millisecond})

	_, err := svc.Bundle(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, svc.Cache().IsBuildInProgress("s1"))
}

func TestService_CallerCancellationDoesNotAbortSharedBuild(t *testing.T) {
	compiler := &fakeCompiler{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Bundle(ctx, "s1")
		firstDone <- err
	}()
	<-compiler.started
	cancel()

	close(compiler.release)
	require.NoError(t, <-firstDone)
	assert.True(t, svc.Cache().Has("s1"))
}

func TestService_UnknownSession(t *testing.T) {
	compiler := &fakeCompiler{}
	svc, _ := newTestService(t, compiler, ServiceConfig{})

	_, err := svc.Bundle(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound("nope"))
	assert.Equal(t, int32(0), compiler.calls.Load())
}

func TestService_MissingEntryFile(t *testing.T) {
	compiler := &fakeCompiler{}
	svc, _ := newTestService(t, compiler, ServiceConfig{EntryFiles: []string{"main.tsx"}})

	_, err := svc.Bundle(context.Background(), "s1")
	require.Error(t, err)
	var we *errors.WorkbenchError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, errors.ErrCodeEntryNotFound, we.Code)
	assert.False(t, svc.Cache().IsBuildInProgress("s1"))
}
