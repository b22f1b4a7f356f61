package cmd

import (
	"io"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/config"
	"github.com/conneroisu/workbench/internal/locator"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/server"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/watcher"
)

// components is the object graph shared by the commands.
type components struct {
	config   *config.Config
	logger   logging.Logger
	sessions *session.Manager
	watchers *watcher.Registry
	builds   *build.Service
	locator  *locator.Locator
}

func newComponents(cfg *config.Config, logOut io.Writer) *components {
	logger := logging.NewLogger(cfg.LoggerConfig(logOut))

	sessions := session.NewManager()
	mocks := build.NewMockRegistry(logger, build.DefaultRules(cfg.Mocks.ReservedNamespaces)...)
	bundler := build.NewBundler(mocks, cfg.BundlerOptions(), logger)
	cache := build.NewBuildCache(cfg.Build.CacheMaxBytes)

	return &components{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		watchers: watcher.NewRegistry(logger),
		builds:   build.NewService(cache, bundler, sessions, cfg.ServiceConfig(), logger),
		locator:  locator.New(cfg.LocatorOptions(), logger),
	}
}

func (c *components) server() *server.Server {
	return server.New(c.config, server.Deps{
		Sessions: c.sessions,
		Watchers: c.watchers,
		Builds:   c.builds,
		Locator:  c.locator,
	}, c.logger)
}
