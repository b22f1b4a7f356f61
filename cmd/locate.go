package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conneroisu/workbench/internal/locator"
)

var (
	locateDir     string
	locateAlt     string
	locateClasses []string
	locateAttrs   map[string]string
	locateHTML    string
	locateLimit   int
	locateFormat  string
)

var locateCmd = &cobra.Command{
	Use:     "locate [text]",
	Aliases: []string{"l"},
	Short:   "Find the source lines that render some content",
	Long: `Search a workspace for the source lines most likely to have produced some
rendered content. Text, alt text, class tokens and attributes can be
combined; --html derives all of them from an element's outer HTML.

Examples:
  workbench locate "Sign in"
  workbench locate --class btn --class primary
  workbench locate --attr data-testid=submit-button -d ./my-app
  workbench locate --html '<img alt="Company logo" class="logo">'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLocate,
}

func init() {
	rootCmd.AddCommand(locateCmd)

	locateCmd.Flags().StringVarP(&locateDir, "dir", "d", ".", "Workspace to search")
	locateCmd.Flags().StringVar(&locateAlt, "alt", "", "Image alt text")
	locateCmd.Flags().StringSliceVar(&locateClasses, "class", nil, "Class token (repeatable)")
	locateCmd.Flags().StringToStringVar(&locateAttrs, "attr", nil, "Attribute NAME=VALUE (repeatable)")
	locateCmd.Flags().StringVar(&locateHTML, "html", "", "Outer HTML of the clicked element")
	locateCmd.Flags().IntVarP(&locateLimit, "limit", "n", 5, "Maximum number of files to show (0 shows all)")
	addFormatFlag(locateCmd, &locateFormat)
}

func runLocate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	query, err := locateQuery(args)
	if err != nil {
		return err
	}

	c := newComponents(cfg, cmd.ErrOrStderr())
	results, err := c.locator.Locate(commandContext(cmd), locateDir, query)
	if err != nil {
		return err
	}
	if locateLimit > 0 && len(results) > locateLimit {
		results = results[:locateLimit]
	}

	if locateFormat == "json" {
		if results == nil {
			results = []locator.FileResult{}
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}

	printResults(cmd.OutOrStdout(), results)
	return nil
}

// locateQuery combines the positional text and flags into one query.
func locateQuery(args []string) (locator.Query, error) {
	var query locator.Query
	if locateHTML != "" {
		q, err := locator.QueryFromHTML(locateHTML)
		if err != nil {
			return locator.Query{}, err
		}
		query = q
	}

	if len(args) > 0 {
		query.Text = args[0]
	}
	if locateAlt != "" {
		query.AltText = locateAlt
	}
	if len(locateClasses) > 0 {
		query.ClassTokens = locateClasses
	}
	if len(locateAttrs) > 0 {
		if query.Attributes == nil {
			query.Attributes = make(map[string]string, len(locateAttrs))
		}
		for name, value := range locateAttrs {
			query.Attributes[name] = value
		}
	}

	return query, query.Validate()
}

var (
	fileColor  = color.New(color.FgCyan, color.Bold)
	scoreColor = color.New(color.FgYellow)
	lineColor  = color.New(color.FgGreen)
	dimColor   = color.New(color.FgHiBlack)
)

func printResults(w io.Writer, results []locator.FileResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matches found.")
		return
	}

	for i, result := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fileColor.Fprint(w, result.File)
		scoreColor.Fprintf(w, "  score %.1f\n", result.Score)

		for _, m := range result.Matches {
			lineColor.Fprintf(w, "  %d:%d", m.Line, m.Column)
			dimColor.Fprintf(w, " [%s %.1f]", m.Type, m.Confidence)
			fmt.Fprintf(w, "  %s\n", strings.TrimSpace(m.LineText))
		}
	}
}
