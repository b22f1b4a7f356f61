// Package cmd provides the workbench command-line interface.
//
// Configuration is read from, highest priority first:
//
//	1. command-line flags (--port, --target, ...)
//	2. WORKBENCH_<SECTION>_<OPTION> environment variables
//	3. the file named by --config or WORKBENCH_CONFIG_FILE
//	4. .workbench.yml in the current directory
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/workbench/internal/config"
)

var cfgFile string

// loadConfig is swapped out by tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:   "workbench",
	Short: "Live preview server for agent-edited React workspaces",
	Long: `Workbench watches TypeScript/React workspaces, bundles them in memory with
esbuild and serves the result to a browser viewer that reloads on every change.
Clicking rendered content maps it back to the source line that produced it.

Quick Start:
  workbench serve ./my-app        Watch ./my-app and serve it at /preview/default
  workbench build ./my-app        Bundle once and print the result
  workbench locate "Sign in"      Find the source of rendered text
  workbench config show           Print the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .workbench.yml, can also use WORKBENCH_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("WORKBENCH_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".workbench")
	}

	// WORKBENCH_BUILD_TIMEOUT, WORKBENCH_SERVER_PORT, ...
	viper.SetEnvPrefix("WORKBENCH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file leaves the defaults in place.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// commandContext returns the command's context, which is unset when a run
// function is called directly.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
