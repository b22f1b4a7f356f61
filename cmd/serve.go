package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/workbench/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve [dir]",
	Aliases: []string{"s"},
	Short:   "Start the preview server",
	Long: `Start the preview server. Sessions are opened over the HTTP API; when a
directory is given it is opened as the "default" session and its viewer
URL is printed.

Examples:
  workbench serve                  # API only
  workbench serve ./my-app         # Also preview ./my-app
  workbench serve -p 3000 --minify ./my-app`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd)
	addBuildFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	c := newComponents(cfg, cmd.ErrOrStderr())
	srv := c.server()

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting workbench server at http://%s\n", cfg.Address())

	if len(args) > 0 {
		sess, err := srv.OpenSession(ctx, watcher.DefaultSessionID, args[0])
		if err != nil {
			c.watchers.Cleanup()
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Previewing %s at http://%s/preview/%s\n", sess.Root, cfg.Address(), sess.ID)
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	c.logger.Info(context.Background(), "Server stopped")
	return nil
}
