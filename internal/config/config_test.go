package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		expectError bool
		check       func(t *testing.T, config *Config)
	}{
		{
			name:  "defaults",
			setup: func() { viper.Reset() },
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, "localhost:8080", config.Address())
				assert.Equal(t, "sandbox", config.Build.Target)
				assert.Equal(t, 30*time.Second, config.Build.Timeout)
				assert.Equal(t, session.DefaultEntryFiles, config.Build.EntryFiles)
				assert.Equal(t, build.DefaultReservedNamespaces, config.Mocks.ReservedNamespaces)
				assert.Equal(t, 2, config.Locator.ContextLines)
				assert.Equal(t, "info", config.Log.Level)
			},
		},
		{
			name: "explicit values",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", 3000)
				viper.Set("server.host", "0.0.0.0")
				viper.Set("build.target", "browser")
				viper.Set("build.timeout", "5s")
				viper.Set("locator.workers", 4)
			},
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, "0.0.0.0:3000", config.Address())
				assert.Equal(t, build.TargetBrowser, config.ServiceConfig().Target)
				assert.Equal(t, 5*time.Second, config.ServiceConfig().Timeout)
				assert.Equal(t, 4, config.LocatorOptions().Workers)
			},
		},
		{
			name: "log-level flag overrides log section",
			setup: func() {
				viper.Reset()
				viper.Set("log.level", "warn")
				viper.Set("log-level", "debug")
			},
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, "debug", config.Log.Level)
			},
		},
		{
			name: "invalid port type",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", "invalid_port")
			},
			expectError: true,
		},
		{
			name: "port out of range",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", 70000)
			},
			expectError: true,
		},
		{
			name: "unknown target",
			setup: func() {
				viper.Reset()
				viper.Set("build.target", "node")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			t.Cleanup(viper.Reset)

			config, err := Load()

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, config)
				var we *errors.WorkbenchError
				require.ErrorAs(t, err, &we)
				assert.Equal(t, errors.ErrorTypeConfig, we.Type)
				assert.Equal(t, errors.ErrCodeConfigInvalid, we.Code)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, config)
			tt.check(t, config)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".workbench.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  allowed_origins:
    - http://localhost:3000
watch:
  include_dotfiles: true
  ignore: [node_modules]
build:
  timeout: 2m
  minify: true
  define:
    - 'process.env.API_URL="http://localhost:4000"'
  entry_files: [src/main.tsx]
mocks:
  reserved_namespaces: ["@acme/"]
log:
  format: json
`), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	config, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, []string{"http://localhost:3000"}, config.Server.AllowedOrigins)
	assert.True(t, config.WatchOptions().IncludeDotfiles)
	assert.Equal(t, []string{"node_modules"}, config.WatchOptions().Ignore)
	assert.Equal(t, 2*time.Minute, config.Build.Timeout)
	assert.Equal(t, []string{"src/main.tsx"}, config.ServiceConfig().EntryFiles)
	assert.Equal(t, []string{"@acme/"}, config.Mocks.ReservedNamespaces)

	opts := config.BundlerOptions()
	assert.True(t, opts.Minify)
	assert.Equal(t, map[string]string{"process.env.API_URL": `"http://localhost:4000"`}, opts.Define)

	var out bytes.Buffer
	logCfg := config.LoggerConfig(&out)
	assert.Equal(t, "json", logCfg.Format)
	assert.Equal(t, logging.LevelInfo, logCfg.Level)
	assert.Same(t, &out, logCfg.Output)
}

func TestLoadWithEnvironment(t *testing.T) {
	t.Setenv("WORKBENCH_SERVER_PORT", "9999")
	t.Setenv("WORKBENCH_BUILD_TIMEOUT", "45s")
	t.Setenv("WORKBENCH_LOCATOR_CONTEXT_LINES", "4")

	v := viper.New()
	v.SetEnvPrefix("WORKBENCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	config, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, 45*time.Second, config.Build.Timeout)
	assert.Equal(t, 4, config.Locator.ContextLines)
}

func TestValidateConfigWithDetails(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		v := viper.New()
		config, err := LoadFrom(v)
		require.NoError(t, err)
		return config
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		field     string
		isWarning bool
	}{
		{"dangerous host", func(c *Config) { c.Server.Host = "localhost;rm" }, "server.host", false},
		{"host with port", func(c *Config) { c.Server.Host = "example.com:80" }, "server.host", false},
		{"origin without scheme", func(c *Config) { c.Server.AllowedOrigins = []string{"localhost:3000"} }, "server.allowed_origins", false},
		{"wildcard origin", func(c *Config) { c.Server.AllowedOrigins = []string{"*"} }, "server.allowed_origins", true},
		{"negative timeout", func(c *Config) { c.Build.Timeout = -time.Second }, "build.timeout", false},
		{"unbounded timeout", func(c *Config) { c.Build.Timeout = 0 }, "build.timeout", true},
		{"negative cache", func(c *Config) { c.Build.CacheMaxBytes = -1 }, "build.cache_max_bytes", false},
		{"entry escapes root", func(c *Config) { c.Build.EntryFiles = []string{"../index.tsx"} }, "build.entry_files", false},
		{"absolute entry", func(c *Config) { c.Build.EntryFiles = []string{"/index.tsx"} }, "build.entry_files", false},
		{"malformed define", func(c *Config) { c.Build.Define = []string{"NO_VALUE"} }, "build.define", false},
		{"nested ignore", func(c *Config) { c.Watch.Ignore = []string{"a/b"} }, "watch.ignore", false},
		{"path namespace", func(c *Config) { c.Mocks.ReservedNamespaces = []string{"./local"} }, "mocks.reserved_namespaces", false},
		{"negative workers", func(c *Config) { c.Locator.Workers = -1 }, "locator.workers", false},
		{"too much context", func(c *Config) { c.Locator.ContextLines = 50 }, "locator.context_lines", false},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }, "log.level", false},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid(t)
			tt.mutate(config)

			result := ValidateConfigWithDetails(config)
			issues := result.Errors
			if tt.isWarning {
				assert.True(t, result.Valid)
				assert.False(t, result.HasErrors())
				issues = result.Warnings
			} else {
				assert.False(t, result.Valid)
				assert.Error(t, validateConfig(config))
			}
			require.NotEmpty(t, issues)
			assert.Equal(t, tt.field, issues[0].Field)
			assert.Contains(t, result.String(), tt.field)
		})
	}
}

func TestWatchOptionsFilters(t *testing.T) {
	accepts := func(config *Config, path string) bool {
		for _, filter := range config.WatchOptions().Filters {
			if !filter(path) {
				return false
			}
		}
		return true
	}

	v := viper.New()
	config, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Len(t, config.WatchOptions().Filters, 1)
	assert.True(t, accepts(config, "styles/theme.css"))
	assert.True(t, accepts(config, "Button.test.tsx"))
	assert.False(t, accepts(config, "packages/ui/node_modules/react/index.js"))

	v.Set("watch.source_only", true)
	v.Set("watch.skip_tests", true)
	v.Set("watch.skip_dependencies", false)
	config, err = LoadFrom(v)
	require.NoError(t, err)
	assert.Len(t, config.WatchOptions().Filters, 2)
	assert.True(t, accepts(config, "src/Button.tsx"))
	assert.False(t, accepts(config, "styles/theme.css"))
	assert.False(t, accepts(config, "src/Button.test.tsx"))
	assert.False(t, accepts(config, "src/Button.spec.ts"))
	assert.True(t, accepts(config, "node_modules/react/index.js"))
}

func TestDefinesSkipsMalformedEntries(t *testing.T) {
	config := &Config{Build: BuildConfig{Define: []string{"A=1", "broken", " B = two"}}}
	assert.Equal(t, map[string]string{"A": "1", "B": " two"}, config.Defines())
}
