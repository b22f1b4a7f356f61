package build

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
)

// Target selects where a bundle will run.
type Target string

const (
	// TargetSandbox bundles for the restricted preview viewer. Bare
	// imports go through the MockRegistry.
	TargetSandbox Target = "sandbox"
	// TargetBrowser bundles for a normal browser with real dependencies.
	TargetBrowser Target = "browser"
)

// ParseTarget validates a target name.
func ParseTarget(s string) (Target, error) {
	switch Target(strings.ToLower(strings.TrimSpace(s))) {
	case TargetSandbox, "":
		return TargetSandbox, nil
	case TargetBrowser:
		return TargetBrowser, nil
	default:
		return "", errors.NewValidationError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("unknown build target %q (want sandbox or browser)", s))
	}
}

// Options tune esbuild output.
type Options struct {
	Minify    bool
	Sourcemap bool
	// Define holds extra compile-time replacements. process.env.NODE_ENV
	// defaults to "development".
	Define map[string]string
}

// Request asks for one session's bundle.
type Request struct {
	SessionID string
	Root      string
	// Entry is the entry file, absolute or relative to Root.
	Entry  string
	Target Target
}

// Result is a successful compilation.
type Result struct {
	Code      string
	BuildTime time.Duration
	Size      int64
	Warnings  []errors.BuildError
	Inputs    int
}

// Bundler compiles a session with esbuild.
type Bundler struct {
	mocks  *MockRegistry
	opts   Options
	logger logging.Logger
}

// NewBundler creates a bundler. mocks may be nil when only browser builds
// are needed.
func NewBundler(mocks *MockRegistry, opts Options, logger logging.Logger) *Bundler {
	logger = logging.OrDiscard(logger).WithComponent("bundler")
	if mocks == nil {
		mocks = NewMockRegistry(logger)
	}
	return &Bundler{mocks: mocks, opts: opts, logger: logger}
}

// Compile bundles req.Entry into a single IIFE. Every failure esbuild or the
// plugins report comes back as one *errors.DiagnosticError. esbuild cannot
// be interrupted, so when ctx ends first the build finishes in the
// background and its output is dropped.
func (b *Bundler) Compile(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewBuildError(errors.ErrCodeBuildTimeout, "build canceled", err).WithSession(req.SessionID)
	}

	root, err := filepath.Abs(req.Root)
	if err != nil {
		return nil, errors.ErrInvalidPath(req.Root)
	}
	entry := req.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(root, filepath.FromSlash(entry))
	}
	rel, err := session.Relative(root, entry)
	if err != nil {
		return nil, err
	}

	target := req.Target
	if target == "" {
		target = TargetSandbox
	}

	plugins := []api.Plugin{workspacePlugin(Resolver{Root: root}, b.logger)}
	if target == TargetSandbox {
		plugins = append([]api.Plugin{b.mocks.plugin(req.SessionID)}, plugins...)
	}

	options := api.BuildOptions{
		EntryPoints:   []string{"./" + rel},
		AbsWorkingDir: root,
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        api.FormatIIFE,
		Platform:      api.PlatformBrowser,
		Target:        api.ES2020,
		JSX:           api.JSXAutomatic,
		Define:        b.defines(),
		LogLevel:      api.LogLevelSilent,
		Plugins:       plugins,
	}
	if b.opts.Minify {
		options.MinifyWhitespace = true
		options.MinifyIdentifiers = true
		options.MinifySyntax = true
	}
	if b.opts.Sourcemap {
		options.Sourcemap = api.SourceMapInline
	}

	start := time.Now()
	done := make(chan api.BuildResult, 1)
	go func() {
		done <- api.Build(options)
	}()

	var result api.BuildResult
	select {
	case result = <-done:
	case <-ctx.Done():
		return nil, errors.NewBuildError(errors.ErrCodeBuildTimeout, "build did not finish in time", ctx.Err()).
			WithSession(req.SessionID)
	}
	elapsed := time.Since(start)

	collector := errors.NewErrorCollector()
	for _, msg := range result.Errors {
		collector.Add(diagnosticFrom(root, msg, errors.ErrorSeverityError))
	}
	for _, msg := range result.Warnings {
		collector.Add(diagnosticFrom(root, msg, errors.ErrorSeverityWarning))
	}
	if err := collector.Err(req.SessionID); err != nil {
		return nil, err
	}
	if len(result.OutputFiles) == 0 {
		return nil, errors.ErrBuildFailed(req.SessionID, "esbuild produced no output")
	}

	code := string(result.OutputFiles[0].Contents)
	return &Result{
		Code:      code,
		BuildTime: elapsed,
		Size:      int64(len(code)),
		Warnings:  collector.Warnings(),
		Inputs:    countInputs(result.Metafile),
	}, nil
}

func (b *Bundler) defines() map[string]string {
	defines := map[string]string{"process.env.NODE_ENV": `"development"`}
	for k, v := range b.opts.Define {
		defines[k] = v
	}
	return defines
}

// diagnosticFrom converts an esbuild message. esbuild lines are 1-based and
// columns 0-based; diagnostics use 1-based for both.
func diagnosticFrom(root string, msg api.Message, severity errors.ErrorSeverity) errors.BuildError {
	d := errors.BuildError{
		Message:   msg.Text,
		Severity:  severity,
		Plugin:    msg.PluginName,
		Timestamp: time.Now(),
	}
	if loc := msg.Location; loc != nil {
		file := strings.TrimPrefix(loc.File, workspaceNamespace+":")
		if filepath.IsAbs(file) {
			file = relativeTo(root, file)
		}
		d.File = filepath.ToSlash(file)
		d.Line = loc.Line
		if loc.Line > 0 || loc.Column > 0 {
			d.Column = loc.Column + 1
		}
		d.LineText = loc.LineText
	}
	return d
}

func countInputs(metafile string) int {
	if metafile == "" {
		return 0
	}
	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return 0
	}
	return len(meta.Inputs)
}
