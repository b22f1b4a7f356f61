// Package config provides configuration management for workbench using
// Viper for loading from files, environment variables, and command-line
// flags.
//
// Values come from .workbench.yml (or the file named by --config or
// WORKBENCH_CONFIG_FILE), overridden by WORKBENCH_<SECTION>_<KEY>
// environment variables and bound flags. Load applies defaults for every
// key before validating the result.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/locator"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/watcher"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server" json:"server"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch" json:"watch"`
	Build   BuildConfig   `mapstructure:"build" yaml:"build" json:"build"`
	Mocks   MocksConfig   `mapstructure:"mocks" yaml:"mocks" json:"mocks"`
	Locator LocatorConfig `mapstructure:"locator" yaml:"locator" json:"locator"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

type WatchConfig struct {
	IncludeDotfiles bool     `mapstructure:"include_dotfiles" yaml:"include_dotfiles" json:"include_dotfiles"`
	Ignore          []string `mapstructure:"ignore" yaml:"ignore" json:"ignore"`
	// SourceOnly reports changes to .tsx, .ts, .jsx and .js files only.
	SourceOnly       bool `mapstructure:"source_only" yaml:"source_only" json:"source_only"`
	SkipTests        bool `mapstructure:"skip_tests" yaml:"skip_tests" json:"skip_tests"`
	SkipDependencies bool `mapstructure:"skip_dependencies" yaml:"skip_dependencies" json:"skip_dependencies"`
}

type BuildConfig struct {
	Target     string        `mapstructure:"target" yaml:"target" json:"target"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Minify     bool          `mapstructure:"minify" yaml:"minify" json:"minify"`
	Sourcemap  bool          `mapstructure:"sourcemap" yaml:"sourcemap" json:"sourcemap"`
	EntryFiles []string      `mapstructure:"entry_files" yaml:"entry_files" json:"entry_files"`
	// Define entries are KEY=VALUE compile-time replacements. A list keeps
	// dotted keys such as process.env.API_URL intact through viper.
	Define []string `mapstructure:"define" yaml:"define" json:"define"`
	// CacheMaxBytes bounds the bundle cache; zero disables eviction.
	CacheMaxBytes int64 `mapstructure:"cache_max_bytes" yaml:"cache_max_bytes" json:"cache_max_bytes"`
}

type MocksConfig struct {
	ReservedNamespaces []string `mapstructure:"reserved_namespaces" yaml:"reserved_namespaces" json:"reserved_namespaces"`
}

type LocatorConfig struct {
	// Workers bounds parallel file scans; zero uses GOMAXPROCS.
	Workers      int `mapstructure:"workers" yaml:"workers" json:"workers"`
	ContextLines int `mapstructure:"context_lines" yaml:"context_lines" json:"context_lines"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// SetDefaults registers a default for every key. Viper only consults the
// environment for keys it knows, so this also enables env overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("watch.include_dotfiles", false)
	v.SetDefault("watch.ignore", []string{"node_modules", ".git", "dist", "build"})
	v.SetDefault("watch.source_only", false)
	v.SetDefault("watch.skip_tests", false)
	v.SetDefault("watch.skip_dependencies", true)

	v.SetDefault("build.target", string(build.TargetSandbox))
	v.SetDefault("build.timeout", 30*time.Second)
	v.SetDefault("build.minify", false)
	v.SetDefault("build.sourcemap", false)
	v.SetDefault("build.entry_files", session.DefaultEntryFiles)
	v.SetDefault("build.define", []string{})
	v.SetDefault("build.cache_max_bytes", int64(64<<20))

	v.SetDefault("mocks.reserved_namespaces", build.DefaultReservedNamespaces)

	v.SetDefault("locator.workers", 0)
	v.SetDefault("locator.context_lines", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration held by the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// The log-level flag is bound outside the log section.
	if v.IsSet("log-level") {
		config.Log.Level = v.GetString("log-level")
	}

	if err := validateConfig(&config); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "invalid configuration", err)
	}

	return &config, nil
}

// Address is the listen address of the server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WatchOptions converts the watch section for the watcher registry.
func (c *Config) WatchOptions() watcher.Options {
	opts := watcher.Options{
		IncludeDotfiles: c.Watch.IncludeDotfiles,
		Ignore:          c.Watch.Ignore,
	}
	if c.Watch.SourceOnly {
		opts.Filters = append(opts.Filters, watcher.SourceFilter)
	}
	if c.Watch.SkipTests {
		opts.Filters = append(opts.Filters, watcher.NoTestFilter)
	}
	if c.Watch.SkipDependencies {
		opts.Filters = append(opts.Filters, watcher.NoDependencyFilter)
	}
	return opts
}

// ServiceConfig converts the build section for the build service.
func (c *Config) ServiceConfig() build.ServiceConfig {
	target, _ := build.ParseTarget(c.Build.Target)
	return build.ServiceConfig{
		Target:     target,
		Timeout:    c.Build.Timeout,
		EntryFiles: c.Build.EntryFiles,
	}
}

// BundlerOptions converts the build section for the bundler.
func (c *Config) BundlerOptions() build.Options {
	return build.Options{
		Minify:    c.Build.Minify,
		Sourcemap: c.Build.Sourcemap,
		Define:    c.Defines(),
	}
}

// Defines parses the build.define entries. Malformed entries are rejected
// by validation.
func (c *Config) Defines() map[string]string {
	defines := make(map[string]string, len(c.Build.Define))
	for _, entry := range c.Build.Define {
		if key, value, ok := strings.Cut(entry, "="); ok {
			defines[strings.TrimSpace(key)] = value
		}
	}
	return defines
}

// LocatorOptions converts the locator section.
func (c *Config) LocatorOptions() locator.Options {
	opts := locator.DefaultOptions()
	if c.Locator.Workers > 0 {
		opts.Workers = c.Locator.Workers
	}
	opts.ContextLines = c.Locator.ContextLines
	return opts
}

// LoggerConfig converts the log section, writing to out.
func (c *Config) LoggerConfig(out io.Writer) *logging.LoggerConfig {
	level, _ := logging.ParseLevel(c.Log.Level)
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = c.Log.Format
	cfg.Output = out
	return cfg
}
