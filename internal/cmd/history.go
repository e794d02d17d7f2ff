package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/warden/internal/config"
	"github.com/harrison/warden/internal/history"
	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/report"
)

// NewHistoryCommand creates the 'warden history' command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the history database, most recent first.

Use 'warden history show <run-id>' for the full step trail of one run.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runHistoryList,
	}
	addConfigFlags(cmd)
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 = all)")

	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the step trail of one run",
		Long: `Display one recorded run:
  - Outcome, branch and duration
  - Every attempt with its agent outcome and step results
  - Remediation hints fed back to the agent
  - The state transitions taken`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: runHistoryShow,
	}
	addConfigFlags(cmd)
	cmd.Flags().String("report", "", "Also regenerate the Markdown report of the run at this path")
	return cmd
}

// openHistory returns a nil store when no database exists yet.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryDB == "" {
		return nil, models.NewConfigurationError("history_db", "history is disabled")
	}
	path := config.Resolve(root, cfg.HistoryDB)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	store, err := history.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintln(w, "No runs recorded yet.")
		return nil
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return nil
	}
	printRunList(w, runs)
	return nil
}

func printRunList(w io.Writer, runs []history.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tTASK\tBRANCH\tSTATE\tATTEMPTS\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.TaskID,
			r.Branch,
			r.State,
			r.Attempts,
			r.Duration.Round(time.Second),
		)
	}
	tw.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("%w: %s", history.ErrRunNotFound, args[0])
	}
	defer store.Close()

	res, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printRunDetail(w, res)

	if path, _ := cmd.Flags().GetString("report"); path != "" {
		written, err := report.Write(path, res, "", false, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nReport written to %s\n", strings.Join(written, ", "))
	}
	return nil
}

func printRunDetail(w io.Writer, res *models.RunResult) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "\n=== Run %s ===\n\n", res.RunID)
	fmt.Fprintf(w, "Task:     %s\n", res.TaskID)
	fmt.Fprintf(w, "Branch:   %s\n", res.Branch)
	fmt.Fprintf(w, "Started:  %s\n", res.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", res.Duration.Round(time.Second))
	fmt.Fprintf(w, "Outcome:  ")
	switch res.State {
	case models.StateSuccess:
		green.Fprintf(w, "%s", res.State)
	case models.StateFailed:
		red.Fprintf(w, "%s", res.State)
	default:
		yellow.Fprintf(w, "%s", res.State)
	}
	fmt.Fprintf(w, " (exit %d)\n", res.ExitCode())

	for i, a := range res.Attempts {
		cyan.Fprintf(w, "\nAttempt #%d", a.Number)
		if a.Outcome != "" {
			gray.Fprintf(w, " (agent %s)", a.Outcome)
		}
		fmt.Fprintln(w)
		for _, s := range a.Steps {
			fmt.Fprintf(w, "  %-14s ", s.Step())
			if s.Success() {
				green.Fprintf(w, "PASS")
			} else {
				red.Fprintf(w, "FAIL (%s)", s.Classification())
			}
			if msg := oneLine(s.Message()); msg != "" {
				fmt.Fprintf(w, "  %s", msg)
			}
			fmt.Fprintln(w)
		}
		if i < len(res.History) {
			if hint, ok := res.History[i].Detail(models.DetailHint); ok {
				yellow.Fprintf(w, "  hint: ")
				fmt.Fprintf(w, "%v\n", hint)
			}
		}
	}

	if len(res.Transitions) > 0 {
		cyan.Fprintf(w, "\nTransitions:\n")
		for _, t := range res.Transitions {
			fmt.Fprintf(w, "  %s -> %s (attempt %d)", t.From, t.To, t.Attempt)
			if t.Reason != "" {
				gray.Fprintf(w, " %s", oneLine(t.Reason))
			}
			fmt.Fprintln(w)
		}
	}
}

func oneLine(s string) string {
	const maxLen = 200
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
