package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conneroisu/workbench/internal/errors"
)

// buildSessionID names the throwaway session a one-off build runs in.
const buildSessionID = "cli"

var buildOutput string

var buildCmd = &cobra.Command{
	Use:     "build [dir]",
	Aliases: []string{"b"},
	Short:   "Bundle a workspace once",
	Long: `Bundle a workspace once, the way the server would for a preview, and write
the bundle to stdout or a file. Build diagnostics are printed to stderr.

Examples:
  workbench build                          # Bundle the current directory
  workbench build ./my-app -o bundle.js
  workbench build ./my-app --target browser --minify`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: bindFlags,
	RunE:    runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Write the bundle to this file instead of stdout")
	addBuildFlags(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	c := newComponents(cfg, cmd.ErrOrStderr())
	sess, err := c.sessions.Create(buildSessionID, dir)
	if err != nil {
		return err
	}

	entry, err := c.builds.Bundle(commandContext(cmd), sess.ID)
	if err != nil {
		printDiagnostics(cmd.ErrOrStderr(), err)
		return err
	}

	out := cmd.OutOrStdout()
	if buildOutput != "" {
		f, err := os.Create(buildOutput)
		if err != nil {
			return errors.NewIOError(errors.ErrCodeFileUnreadable, "failed to create "+buildOutput, err)
		}
		defer f.Close()
		out = f
	}
	if _, err := io.WriteString(out, entry.Code); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "Built %s", entry.Meta.Entry)
	fmt.Fprintf(cmd.ErrOrStderr(), " (%d bytes, %d inputs, %d warnings) in %s\n",
		entry.Size, entry.Meta.Inputs, entry.Meta.Warnings, entry.BuildTime.Round(time.Millisecond))
	return nil
}

// printDiagnostics lists each diagnostic of a failed build as
// file:line:column lines under a summary.
func printDiagnostics(w io.Writer, err error) {
	var diag *errors.DiagnosticError
	if !stderrors.As(err, &diag) {
		return
	}

	color.New(color.FgRed, color.Bold).Fprintf(w, "Build failed with %d diagnostics\n", len(diag.Diagnostics))
	fmt.Fprint(w, errors.FormatDiagnostics(diag.Diagnostics))
}
