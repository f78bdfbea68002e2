package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/sitemirror/internal/config"
	"github.com/nao1215/sitemirror/internal/database"
	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/report"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [url]",
		Short: "Show mirror runs recorded in the manifest",
		Long: `History reads the manifest database written by 'sitemirror mirror'.

Without arguments it lists every mirrored seed. With a seed URL it lists the
runs of that seed, newest first. --run shows the resources of one run.

Examples:
  # List mirrored seeds
  sitemirror history

  # Runs of one seed
  sitemirror history https://example.com

  # Skipped and failed resources of run 3
  sitemirror history --run 3 --problems

  # Full report of run 3 as JSON
  sitemirror history --run 3 --report --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistoryCmd,
	}

	cmd.Flags().Int64P("run", "i", 0,
		"Show the resources of the run with this ID")
	cmd.Flags().BoolP("problems", "p", false,
		"With --run, only show skipped and failed resources")
	cmd.Flags().Bool("report", false,
		"With --run, print the stored report instead of the resource list")
	cmd.Flags().BoolP("json", "j", false,
		"Output in JSON format")
	cmd.Flags().String("db-dir", config.XDGDataDir(),
		"Directory of the manifest database")

	return cmd
}

// historyOptions holds the parsed history flags.
type historyOptions struct {
	seed     string
	runID    int64
	problems bool
	report   bool
	json     bool
	dbDir    string
}

func runHistoryCmd(cmd *cobra.Command, args []string) error {
	opts, err := parseHistoryFlags(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Reading history must not create an empty database.
	if _, err := os.Stat(filepath.Join(opts.dbDir, database.FileName)); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "No mirror runs recorded.")
		fmt.Fprintln(out, "\nUse 'sitemirror mirror <url>' to mirror a website.")
		return nil
	}

	db, err := database.Open(opts.dbDir, database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case opts.runID > 0 && opts.report:
		return showRunReport(ctx, out, db, opts)
	case opts.runID > 0:
		return listRunResources(ctx, out, db, opts)
	case opts.seed != "":
		return listSeedRuns(ctx, out, db, opts)
	default:
		return listSeeds(ctx, out, db, opts)
	}
}

func parseHistoryFlags(cmd *cobra.Command, args []string) (historyOptions, error) {
	var opts historyOptions
	var err error
	flags := cmd.Flags()

	if opts.runID, err = flags.GetInt64("run"); err != nil {
		return opts, err
	}
	if opts.problems, err = flags.GetBool("problems"); err != nil {
		return opts, err
	}
	if opts.report, err = flags.GetBool("report"); err != nil {
		return opts, err
	}
	if opts.json, err = flags.GetBool("json"); err != nil {
		return opts, err
	}
	if opts.dbDir, err = flags.GetString("db-dir"); err != nil {
		return opts, err
	}

	if opts.runID < 0 {
		return opts, fmt.Errorf("invalid run ID %d", opts.runID)
	}
	if (opts.problems || opts.report) && opts.runID == 0 {
		return opts, errors.New("--problems and --report require --run")
	}
	if len(args) == 1 {
		seed, err := config.ParseSeed(args[0])
		if err != nil {
			return opts, fmt.Errorf("invalid seed: %w", err)
		}
		opts.seed = seed.String()
	}
	return opts, nil
}

// listSeeds lists every seed with at least one recorded run.
func listSeeds(ctx context.Context, out io.Writer, db *database.Manifest, opts historyOptions) error {
	seeds, err := db.ListSeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list seeds: %w", err)
	}
	if opts.json {
		return writeJSON(out, seeds)
	}

	if len(seeds) == 0 {
		fmt.Fprintln(out, "No mirror runs recorded.")
		fmt.Fprintln(out, "\nUse 'sitemirror mirror <url>' to mirror a website.")
		return nil
	}

	fmt.Fprintf(out, "Mirrored seeds (%d):\n\n", len(seeds))
	for _, seed := range seeds {
		fmt.Fprintf(out, "  • %s\n", seed)
	}
	fmt.Fprintln(out, "\nUse 'sitemirror history <url>' to see the runs of a seed.")
	return nil
}

// listSeedRuns lists the runs of one seed, newest first.
func listSeedRuns(ctx context.Context, out io.Writer, db *database.Manifest, opts historyOptions) error {
	runs, err := db.ListRuns(ctx, opts.seed)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if opts.json {
		return writeJSON(out, runs)
	}

	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded for %s\n", opts.seed)
		return nil
	}

	fmt.Fprintf(out, "Runs of %s (%d):\n\n", opts.seed, len(runs))
	fmt.Fprintf(out, "  %-6s  %-20s  %-10s  %s\n", "ID", "Started", "Status", "Resources")
	fmt.Fprintln(out, "  "+strings.Repeat("-", 60))
	for _, r := range runs {
		fmt.Fprintf(out, "  %-6d  %-20s  %-10s  %s\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			runStatus(r),
			formatCounts(r),
		)
	}
	fmt.Fprintln(out, "\nUse 'sitemirror history --run <id>' to list the resources of a run.")
	return nil
}

// listRunResources lists the resources of one run.
func listRunResources(ctx context.Context, out io.Writer, db *database.Manifest, opts historyOptions) error {
	resources, err := db.ListResources(ctx, opts.runID, opts.problems)
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	if opts.json {
		return writeJSON(out, resources)
	}

	if len(resources) == 0 {
		if opts.problems {
			fmt.Fprintf(out, "Run %d has no skipped or failed resources.\n", opts.runID)
		} else {
			fmt.Fprintf(out, "No resources recorded for run %d\n", opts.runID)
		}
		return nil
	}

	fmt.Fprintf(out, "Resources of run %d (%d):\n\n", opts.runID, len(resources))
	fmt.Fprintf(out, "  %-8s  %-6s  %-18s  %s\n", "Outcome", "Kind", "Reason", "URL")
	fmt.Fprintln(out, "  "+strings.Repeat("-", 60))
	for _, r := range resources {
		reason := string(r.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(out, "  %-8s  %-6s  %-18s  %s\n", r.Outcome, r.Kind, reason, r.URL)
	}
	return nil
}

// showRunReport prints the stored summary of one run as a report.
func showRunReport(ctx context.Context, out io.Writer, db *database.Manifest, opts historyOptions) error {
	summary, err := db.GetRun(ctx, opts.runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if summary == nil {
		return fmt.Errorf("run %d not found", opts.runID)
	}

	var w report.Writer
	if opts.json {
		w = report.NewJSONWriter(out, report.WithPrettyPrint(), report.WithVersion(getVersion()))
	} else {
		w = report.NewSimpleWriter(out, report.WithVerbose(true))
	}
	_, err = w.Write(summary)
	return err
}

func runStatus(r database.Run) string {
	switch {
	case r.Error != "" && !r.Cancelled:
		return "failed"
	case r.Cancelled:
		return "cancelled"
	case r.Skipped+r.Failed > 0:
		return "problems"
	default:
		return "complete"
	}
}

func formatCounts(r database.Run) string {
	return fmt.Sprintf("%s %d, %s %d, %s %d, %s %d",
		model.OutcomeFetched, r.Fetched,
		model.OutcomeResumed, r.Resumed,
		model.OutcomeSkipped, r.Skipped,
		model.OutcomeFailed, r.Failed,
	)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
