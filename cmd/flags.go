package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/workbench/internal/build"
)

// outputFormats are the values accepted by --format.
var outputFormats = []string{"text", "json"}

// addServerFlags registers --port and --host.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	cmd.Flags().String("host", "localhost", "Host to bind to")

	addValidator(cmd.Flags().Lookup("port"), ValidatePort)
}

// addBuildFlags registers the esbuild output flags.
func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().String("target", string(build.TargetSandbox), "Bundle target (sandbox, browser)")
	cmd.Flags().Bool("minify", false, "Minify the bundle")
	cmd.Flags().Bool("sourcemap", false, "Inline a source map")
	cmd.Flags().StringSlice("define", nil, "Compile-time replacement KEY=VALUE (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Build timeout (0 disables)")

	addValidator(cmd.Flags().Lookup("target"), ValidateTarget)
}

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"port":      "server.port",
	"host":      "server.host",
	"target":    "build.target",
	"minify":    "build.minify",
	"sourcemap": "build.sourcemap",
	"define":    "build.define",
	"timeout":   "build.timeout",
}

// bindFlags binds the running command's flags to their configuration keys.
// Several commands share flag names, so binding happens when a command
// runs rather than in init, where the last registration would win.
func bindFlags(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := viper.BindPFlag(key, flag); err != nil {
				return err
			}
		}
	}
	return nil
}

// addFormatFlag registers --format/-f for commands with text and JSON
// output.
func addFormatFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "format", "f", "text", "Output format (text, json)")
	addValidator(cmd.Flags().Lookup("format"), ValidateOneOf(outputFormats...))
}

// addValidator makes flag parsing fail for values validator rejects.
func addValidator(flag *pflag.Flag, validator func(string) error) {
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validator(val); err != nil {
		return err
	}
	return v.Value.Set(val)
}

// ValidatePort accepts 1-65535.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateTarget accepts the bundle targets build.ParseTarget knows.
func ValidateTarget(target string) error {
	_, err := build.ParseTarget(target)
	return err
}

// ValidateOneOf returns a validator accepting only the given values.
func ValidateOneOf(allowed ...string) func(string) error {
	return func(val string) error {
		for _, a := range allowed {
			if val == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v, got %q", allowed, val)
	}
}
