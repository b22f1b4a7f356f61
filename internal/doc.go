// Package internal contains the implementation packages of workbench.
//
// # Package Organization
//
//   - session: validated workspaces, entry discovery and root containment
//   - watcher: per-session fsnotify watches and the change-event callback bus
//   - build: esbuild bundling, import resolution, sandbox mocks, the bundle
//     cache and the single-flight build service
//   - locator: ranked search from rendered content back to source lines
//   - server: HTTP API, WebSocket change stream and the viewer page
//   - config: viper-backed configuration and validation
//   - errors: typed errors and file-attributed build diagnostics
//   - logging: slog-backed structured logging
//   - version: build information
//   - testutils: workspace fixtures for tests
//
// # Data Flow
//
// A file edit reaches the watcher registry, which calls its listeners in
// registration order. The build service is registered first and drops the
// session's cached bundle; the server's event hub is registered second and
// forwards the event to viewers. A viewer then requests the bundle, which
// misses the cache and is rebuilt exactly once however many requests
// arrive together. The locator runs independently against the files on
// disk.
package internal
