package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/workbench/internal/config"
	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/locator"
	"github.com/conneroisu/workbench/internal/testutils"
	"github.com/conneroisu/workbench/internal/version"
)

// useConfig makes the commands load their configuration from v.
func useConfig(t *testing.T, v *viper.Viper) {
	t.Helper()
	old := loadConfig
	loadConfig = func() (*config.Config, error) { return config.LoadFrom(v) }
	t.Cleanup(func() { loadConfig = old })
}

func newTestCommand() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd, stdout, stderr
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"8080", false},
		{"1", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"http", true},
	}

	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			err := ValidatePort(tt.port)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFlagValidators(t *testing.T) {
	cmd := &cobra.Command{}
	addServerFlags(cmd)
	addBuildFlags(cmd)
	var format string
	addFormatFlag(cmd, &format)

	assert.NoError(t, cmd.Flags().Set("target", "browser"))
	assert.Error(t, cmd.Flags().Set("target", "node"))
	assert.Error(t, cmd.Flags().Set("port", "99999"))
	assert.NoError(t, cmd.Flags().Set("format", "json"))
	assert.Error(t, cmd.Flags().Set("format", "xml"))
	assert.Equal(t, "json", format)
}

func TestBindFlags(t *testing.T) {
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{}
	addServerFlags(cmd)
	addBuildFlags(cmd)
	require.NoError(t, cmd.Flags().Set("port", "3000"))
	require.NoError(t, cmd.Flags().Set("minify", "true"))
	require.NoError(t, cmd.Flags().Set("define", "process.env.API=1,DEBUG=false"))

	require.NoError(t, bindFlags(cmd, nil))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.Build.Minify)
	assert.Equal(t, map[string]string{"process.env.API": "1", "DEBUG": "false"}, cfg.Defines())
	assert.Equal(t, 30*time.Second, cfg.Build.Timeout)
}

func TestRunBuild(t *testing.T) {
	useConfig(t, viper.New())

	t.Run("writes the bundle to stdout", func(t *testing.T) {
		root := testutils.CreateWorkspace(t, map[string]string{
			"index.tsx": `import { Button } from "./Button";
export default function App() { return <Button />; }`,
			"Button.tsx": `export const Button = () => <button>Submit</button>;`,
		})

		cmd, stdout, stderr := newTestCommand()
		require.NoError(t, runBuild(cmd, []string{root}))
		assert.Contains(t, stdout.String(), "Submit")
		assert.Contains(t, stderr.String(), "Built")
	})

	t.Run("writes the bundle to a file", func(t *testing.T) {
		root := testutils.CreateWorkspace(t, map[string]string{"index.ts": `console.log("answer", 42);`})
		buildOutput = filepath.Join(t.TempDir(), "bundle.js")
		t.Cleanup(func() { buildOutput = "" })

		cmd, stdout, _ := newTestCommand()
		require.NoError(t, runBuild(cmd, []string{root}))
		assert.Empty(t, stdout.String())

		code, err := os.ReadFile(buildOutput)
		require.NoError(t, err)
		assert.Contains(t, string(code), "42")
	})

	t.Run("prints diagnostics on failure", func(t *testing.T) {
		root := testutils.CreateWorkspace(t, map[string]string{
			"index.tsx": `import { Missing } from "./Missing";
export default Missing;`,
		})

		cmd, stdout, stderr := newTestCommand()
		require.Error(t, runBuild(cmd, []string{root}))
		assert.Empty(t, stdout.String())
		assert.Contains(t, stderr.String(), "index.tsx:1:")
	})

	t.Run("missing workspace", func(t *testing.T) {
		cmd, _, _ := newTestCommand()
		assert.Error(t, runBuild(cmd, []string{filepath.Join(t.TempDir(), "nope")}))
	})
}

func TestPrintDiagnostics(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })

	var out bytes.Buffer
	printDiagnostics(&out, &errors.DiagnosticError{SessionID: "cli", Diagnostics: []errors.BuildError{
		{File: "index.tsx", Line: 2, Column: 8, Message: `Could not resolve "./Missing"`, Severity: errors.ErrorSeverityError, LineText: `import { Missing } from "./Missing";`},
		{Message: "no output", Severity: errors.ErrorSeverityError},
	}})

	assert.Equal(t, `Build failed with 2 diagnostics
index.tsx:2:8: error: Could not resolve "./Missing"
    import { Missing } from "./Missing";
error: no output
`, out.String())

	out.Reset()
	printDiagnostics(&out, errors.ErrSessionNotFound("cli"))
	assert.Empty(t, out.String())
}

func resetLocateFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		locateDir, locateAlt, locateHTML, locateFormat = ".", "", "", "text"
		locateClasses, locateAttrs = nil, nil
		locateLimit = 5
	})
}

func TestLocateQuery(t *testing.T) {
	resetLocateFlags(t)

	locateHTML = `<button class="primary" data-testid="save">Save</button>`
	locateClasses = []string{"wide"}
	locateAttrs = map[string]string{"aria-label": "Save draft"}

	query, err := locateQuery(nil)
	require.NoError(t, err)
	assert.Equal(t, "Save", query.Text)
	assert.Equal(t, []string{"wide"}, query.ClassTokens)
	assert.Equal(t, "save", query.Attributes["data-testid"])
	assert.Equal(t, "Save draft", query.Attributes["aria-label"])

	locateHTML, locateClasses, locateAttrs = "", nil, nil
	query, err = locateQuery([]string{"Sign in"})
	require.NoError(t, err)
	assert.Equal(t, locator.Query{Text: "Sign in"}, query)

	_, err = locateQuery(nil)
	assert.ErrorIs(t, err, locator.ErrEmptyQuery)
}

func TestRunLocate(t *testing.T) {
	useConfig(t, viper.New())
	resetLocateFlags(t)

	locateDir = testutils.CreateWorkspace(t, map[string]string{
		"Header.tsx":      `export const Header = () => <h1 className="title">Welcome back</h1>;`,
		"strings.ts":      `export const greeting = "welcome back";`,
		"Footer.tsx":      `export const Footer = () => <footer>Bye</footer>;`,
		"Header.test.tsx": `it("renders", () => expect("Welcome back").toBeTruthy());`,
	})

	t.Run("text", func(t *testing.T) {
		locateFormat = "text"
		cmd, stdout, _ := newTestCommand()
		require.NoError(t, runLocate(cmd, []string{"Welcome back"}))

		out := stdout.String()
		assert.Contains(t, out, "Header.tsx")
		assert.Contains(t, out, "1:")
		assert.NotContains(t, out, "Footer.tsx")
		assert.NotContains(t, out, "Header.test.tsx")
	})

	t.Run("json", func(t *testing.T) {
		locateFormat = "json"
		locateLimit = 1
		cmd, stdout, _ := newTestCommand()
		require.NoError(t, runLocate(cmd, []string{"Welcome back"}))

		var results []locator.FileResult
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
		require.Len(t, results, 1)
		assert.Equal(t, "Header.tsx", filepath.Base(results[0].File))
	})

	t.Run("no matches", func(t *testing.T) {
		locateFormat = "text"
		cmd, stdout, _ := newTestCommand()
		require.NoError(t, runLocate(cmd, []string{"Nowhere to be found"}))
		assert.Contains(t, stdout.String(), "No matches found.")
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workbench.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunConfigValidate(t *testing.T) {
	t.Cleanup(func() { configFile, configStrict = "", false })

	tests := []struct {
		name    string
		content string
		strict  bool
		wantErr bool
		wantOut string
	}{
		{
			name:    "valid",
			content: "server:\n  port: 9000\n",
			wantOut: "Configuration is valid.",
		},
		{
			name:    "invalid port",
			content: "server:\n  port: 70000\n",
			wantErr: true,
			wantOut: "server.port",
		},
		{
			name:    "warning passes",
			content: "build:\n  timeout: 0s\n",
			wantOut: "with 1 warnings",
		},
		{
			name:    "warning fails in strict mode",
			content: "build:\n  timeout: 0s\n",
			strict:  true,
			wantErr: true,
			wantOut: "build.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = writeConfigFile(t, tt.content)
			configStrict = tt.strict

			cmd, stdout, _ := newTestCommand()
			err := runConfigValidate(cmd, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, stdout.String(), tt.wantOut)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		configFile = filepath.Join(t.TempDir(), "absent.yml")
		cmd, _, _ := newTestCommand()
		assert.ErrorContains(t, runConfigValidate(cmd, nil), "does not exist")
	})
}

func TestRunConfigShow(t *testing.T) {
	v := viper.New()
	v.Set("server.port", 9123)
	useConfig(t, v)
	t.Cleanup(func() { configFormat = "yaml" })

	configFormat = "yaml"
	cmd, stdout, _ := newTestCommand()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.Contains(t, stdout.String(), "port: 9123")
	assert.Contains(t, stdout.String(), "timeout: 30s")

	configFormat = "json"
	cmd, stdout, _ = newTestCommand()
	require.NoError(t, runConfigShow(cmd, nil))

	var shown config.Config
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &shown))
	assert.Equal(t, 9123, shown.Server.Port)
	assert.Equal(t, "sandbox", shown.Build.Target)
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(func() { versionFormat, versionShort, versionDetailed = "text", false, false })

	versionFormat = "json"
	cmd, stdout, _ := newTestCommand()
	require.NoError(t, runVersionCommand(cmd, nil))

	var info version.BuildInfo
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info))
	assert.Equal(t, version.GetVersion(), info.Version)

	versionFormat, versionShort = "text", true
	cmd, stdout, _ = newTestCommand()
	require.NoError(t, runVersionCommand(cmd, nil))
	assert.Equal(t, version.GetShortVersion()+"\n", stdout.String())
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "build", "locate", "config", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
