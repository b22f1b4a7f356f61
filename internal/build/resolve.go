package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
)

// SourceExtensions is the probe order for extensionless relative imports.
var SourceExtensions = []string{".tsx", ".ts", ".jsx", ".js"}

const workspaceNamespace = "workspace"

// Dialect is one of the four recognized source dialects.
type Dialect int

const (
	DialectTS Dialect = iota
	DialectTSX
	DialectJS
	DialectJSX
)

// String returns the dialect's file extension without the dot.
func (d Dialect) String() string {
	switch d {
	case DialectTS:
		return "ts"
	case DialectTSX:
		return "tsx"
	case DialectJS:
		return "js"
	case DialectJSX:
		return "jsx"
	default:
		return "unknown"
	}
}

// Typed reports whether the dialect carries type annotations.
func (d Dialect) Typed() bool { return d == DialectTS || d == DialectTSX }

// Markup reports whether the dialect embeds JSX markup.
func (d Dialect) Markup() bool { return d == DialectTSX || d == DialectJSX }

// Loader returns the esbuild loader for the dialect.
func (d Dialect) Loader() api.Loader {
	switch d {
	case DialectTS:
		return api.LoaderTS
	case DialectTSX:
		return api.LoaderTSX
	case DialectJSX:
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

// DialectFor selects a dialect purely by extension. Any other extension is
// an unsupported-file error carrying the path.
func DialectFor(path string) (Dialect, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return DialectTS, nil
	case ".tsx":
		return DialectTSX, nil
	case ".js":
		return DialectJS, nil
	case ".jsx":
		return DialectJSX, nil
	default:
		return 0, errors.NewBuildError(errors.ErrCodeUnsupportedFile,
			fmt.Sprintf("unsupported file type %q", filepath.Ext(path)), nil).WithLocation(path, 0, 0)
	}
}

// IsRelativeSpecifier reports whether an import specifier is relative to
// the importing file.
func IsRelativeSpecifier(specifier string) bool {
	return specifier == "." || specifier == ".." ||
		strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")
}

// ResolveRelative resolves specifier against importerDir. A literal path
// with an extension is used when it exists; otherwise each extension is
// probed on the literal path, then on dir/index. found is false when
// nothing matched, and path is then the unresolved literal path.
func ResolveRelative(importerDir, specifier string) (path string, found bool) {
	target := filepath.Join(importerDir, filepath.FromSlash(specifier))

	if filepath.Ext(target) != "" && isFile(target) {
		return target, true
	}
	for _, ext := range SourceExtensions {
		if candidate := target + ext; isFile(candidate) {
			return candidate, true
		}
	}
	for _, ext := range SourceExtensions {
		if candidate := filepath.Join(target, "index"+ext); isFile(candidate) {
			return candidate, true
		}
	}
	return target, false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Resolver resolves relative imports inside one session root.
type Resolver struct {
	Root string
}

// Resolve resolves a relative specifier and rejects any result outside
// the root, found or not.
func (r Resolver) Resolve(importerDir, specifier string) (string, bool, error) {
	path, found := ResolveRelative(importerDir, specifier)
	if !session.Contains(r.Root, path) {
		return "", false, errors.ErrPathTraversal(specifier)
	}
	return path, found, nil
}

// Load reads a resolved workspace file and tags it with its dialect.
func (r Resolver) Load(path string) (string, Dialect, error) {
	if !session.Contains(r.Root, path) {
		return "", 0, errors.ErrPathTraversal(path)
	}
	dialect, err := DialectFor(path)
	if err != nil {
		return "", 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, errors.WrapIO(err, errors.ErrCodeFileUnreadable, "reading source file").
			WithLocation(path, 0, 0)
	}
	return string(data), dialect, nil
}

// workspacePlugin routes the entry point and every relative import made by
// workspace code through the Resolver, so all session sources load in the
// workspace namespace and never from outside the root.
func workspacePlugin(resolver Resolver, logger logging.Logger) api.Plugin {
	return api.Plugin{
		Name: "workbench-workspace",
		Setup: func(pb api.PluginBuild) {
			pb.OnResolve(api.OnResolveOptions{Filter: `^\.\.?(/|$)`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind != api.ResolveEntryPoint && args.Namespace != workspaceNamespace {
						return api.OnResolveResult{}, nil
					}

					path, found, err := resolver.Resolve(args.ResolveDir, args.Path)
					if err != nil {
						logger.Warn(context.Background(), err, "Rejected import outside session root",
							"importer", args.Importer, "specifier", args.Path)
						return api.OnResolveResult{Errors: []api.Message{{Text: err.Error()}}}, nil
					}
					if !found {
						// esbuild reports the unresolved import with its own location.
						return api.OnResolveResult{}, nil
					}
					return api.OnResolveResult{Path: path, Namespace: workspaceNamespace}, nil
				})

			pb.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: workspaceNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents, dialect, err := resolver.Load(args.Path)
					if err != nil {
						return api.OnLoadResult{Errors: []api.Message{{
							Text:     err.Error(),
							Location: &api.Location{File: relativeTo(resolver.Root, args.Path)},
						}}}, nil
					}
					return api.OnLoadResult{
						Contents:   &contents,
						Loader:     dialect.Loader(),
						ResolveDir: filepath.Dir(args.Path),
					}, nil
				})
		},
	}
}

// relativeTo returns path relative to root in slash form, or path itself
// when it is not inside root.
func relativeTo(root, path string) string {
	if rel, err := session.Relative(root, path); err == nil {
		return rel
	}
	return path
}
