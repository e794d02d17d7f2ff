package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harrison/warden/internal/agent"
	"github.com/harrison/warden/internal/claude"
	"github.com/harrison/warden/internal/config"
	"github.com/harrison/warden/internal/filelock"
	"github.com/harrison/warden/internal/history"
	"github.com/harrison/warden/internal/janitor"
	"github.com/harrison/warden/internal/logger"
	"github.com/harrison/warden/internal/metrics"
	"github.com/harrison/warden/internal/models"
	"github.com/harrison/warden/internal/orchestrator"
	"github.com/harrison/warden/internal/report"
	"github.com/harrison/warden/internal/scm"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the agent through one task until CI passes",
		Long: `Run one task to a terminal state.

Each attempt starts the agent with the task specification (plus feedback
from earlier failures), runs the local checks, pushes the branch and polls
CI. Red CI is summarized into a remediation hint for the next attempt.

Configuration is loaded from .warden/config.yaml in the working tree if
present. CLI flags override configuration file settings.

Examples:
  warden run --spec "Add a --json flag to the export command"
  warden run --spec-file task.md --branch feature/export-json
  warden run --spec-file task.md --max-retries 2 --run-timeout 45m`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runCommand,
	}

	addConfigFlags(cmd)
	cmd.Flags().String("spec", "", "Task specification text")
	cmd.Flags().String("spec-file", "", "Read the task specification from a file")
	cmd.Flags().String("task-id", "", "Task identifier (default: derived from the run ID)")
	cmd.Flags().String("branch", "", "Branch to push (default: the current branch)")
	cmd.Flags().Int("max-retries", 0, "Retry budget shared by all failure kinds")
	cmd.Flags().Duration("run-timeout", 0, "Cancel the run after this long (0 = no limit)")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.Flags().String("log-dir", "", "Directory for run logs")
	cmd.Flags().String("report", "", "Path of the Markdown run report")
	cmd.Flags().Bool("html", false, "Also render the report as HTML")
	cmd.Flags().String("agent-command", "", "Agent CLI to launch")
	cmd.Flags().Bool("no-history", false, "Do not record the run in the history database")

	return cmd
}

// runRequest is everything runCommand needs after flag and config parsing.
type runRequest struct {
	cfg       *config.Config
	root      string
	spec      string
	taskID    string
	branch    string
	html      bool
	noHistory bool
}

func parseRunRequest(cmd *cobra.Command) (*runRequest, error) {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	var maxRetriesPtr *int
	if cmd.Flags().Changed("max-retries") {
		v, _ := cmd.Flags().GetInt("max-retries")
		maxRetriesPtr = &v
	}
	var runTimeoutPtr *time.Duration
	if cmd.Flags().Changed("run-timeout") {
		v, _ := cmd.Flags().GetDuration("run-timeout")
		runTimeoutPtr = &v
	}
	stringFlag := func(name string) *string {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetString(name)
		return &v
	}
	cfg.MergeWithFlags(maxRetriesPtr, runTimeoutPtr, stringFlag("log-level"), stringFlag("log-dir"), stringFlag("report"), stringFlag("agent-command"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spec, err := readSpec(cmd)
	if err != nil {
		return nil, err
	}

	req := &runRequest{cfg: cfg, root: root, spec: spec}
	req.taskID, _ = cmd.Flags().GetString("task-id")
	req.branch, _ = cmd.Flags().GetString("branch")
	html, _ := cmd.Flags().GetBool("html")
	req.html = html || cfg.ReportHTML
	req.noHistory, _ = cmd.Flags().GetBool("no-history")

	if req.branch == "" {
		req.branch, err = scm.CurrentBranch(root)
		if err != nil {
			return nil, &models.ConfigurationError{Field: "branch", Reason: "no --branch given and the current branch is unknown", Err: err}
		}
	}
	return req, nil
}

func readSpec(cmd *cobra.Command) (string, error) {
	spec, _ := cmd.Flags().GetString("spec")
	specFile, _ := cmd.Flags().GetString("spec-file")
	if spec != "" && specFile != "" {
		return "", models.NewConfigurationError("spec", "use either --spec or --spec-file, not both")
	}
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return "", &models.ConfigurationError{Field: "spec-file", Reason: "cannot read specification", Err: err}
		}
		spec = string(data)
	}
	if strings.TrimSpace(spec) == "" {
		return "", models.NewConfigurationError("spec", "a task specification is required (--spec or --spec-file)")
	}
	return spec, nil
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, _ []string) error {
	req, err := parseRunRequest(cmd)
	if err != nil {
		return err
	}
	cfg, root := req.cfg, req.root

	comps, err := buildComponents(cfg, root)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	if req.taskID == "" {
		req.taskID = "task-" + runID[:8]
	}

	if _, err := config.StateDir(root); err != nil {
		return err
	}
	lock, err := filelock.AcquireRunLock(root, runID)
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return usageError(err)
		}
		return err
	}
	defer lock.Release()

	consoleLog := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(config.Resolve(root, cfg.LogDir), cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()
	log := logger.NewMultiLogger(consoleLog, fileLog)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	token := cfg.GitHub.Token()
	if token == "" {
		log.LogWarn(fmt.Sprintf("%s is not set; pushing and reading CI anonymously", cfg.GitHub.TokenEnv))
	}
	ci, err := scm.NewCIClient(ctx, token, comps.owner, comps.repo, cfg.GitHub.APIURL)
	if err != nil {
		return err
	}
	remote := &scm.Remote{
		Pusher: scm.NewPusher(root, cfg.GitHub.Remote, token),
		CI:     ci,
		Logf:   func(format string, args ...any) { log.LogInfo(fmt.Sprintf(format, args...)) },
	}

	launcher, err := agent.NewLauncher(comps.agent, log)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Pipeline:     comps.pipeline,
		Backoff:      comps.backoff,
		Poll:         comps.poll,
		Launcher:     launchAdapter(launcher),
		Remote:       remote,
		Janitor:      janitor.New(claude.NewService(cfg.Janitor.Timeout), root, cfg.Janitor.Timeout, cfg.Janitor.MaxLogChars, log),
		Logger:       log,
		AgentTimeout: cfg.Agent.Timeout,
	})
	if err != nil {
		return err
	}

	oc, err := models.NewOrchestrationContext(models.ContextParams{
		RunID:    runID,
		TaskID:   req.taskID,
		WorkTree: root,
		Branch:   req.branch,
		Spec:     req.spec,
		Budget:   cfg.MaxRetries,
	})
	if err != nil {
		return err
	}

	log.LogInfo(fmt.Sprintf("Run %s on %s (%s), budget %d", runID, req.branch, describeRepo(comps), cfg.MaxRetries))
	res, runErr := orch.Run(ctx, oc)
	if res != nil {
		record(req, res, log)
	}
	if runErr != nil && models.IsConfigurationError(runErr) {
		return runErr
	}
	if res == nil {
		return runErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logs written to: %s\n", fileLog.RunFile())
	if code := res.ExitCode(); code != models.ExitSuccess {
		if runErr == nil {
			runErr = fmt.Errorf("run %s finished %s", res.RunID, res.State)
		}
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

// launchAdapter exposes the process launcher to the orchestrator. A failed
// Acquire must surface as a nil interface, not a typed nil handle.
func launchAdapter(l *agent.Launcher) orchestrator.LaunchFunc {
	return func(ctx context.Context, oc models.OrchestrationContext) (orchestrator.AgentHandle, error) {
		h, err := l.Acquire(ctx, oc)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// record persists the outcome of a finished run. Every sink is best effort;
// failures are logged and do not change the exit status.
func record(req *runRequest, res *models.RunResult, log logger.RunLogger) {
	cfg, root := req.cfg, req.root

	written, err := report.Write(config.Resolve(root, cfg.ReportPath), res, taskTitle(req.spec, res.TaskID), req.html, time.Now())
	if err != nil {
		log.LogWarn(fmt.Sprintf("report not written: %v", err))
	} else {
		log.LogInfo("Certificate of Analysis generated: " + strings.Join(written, ", "))
	}

	if !req.noHistory && cfg.HistoryDB != "" {
		if err := saveHistory(config.Resolve(root, cfg.HistoryDB), res); err != nil {
			log.LogWarn(fmt.Sprintf("run not recorded in history: %v", err))
		}
	}

	if cfg.MetricsFile != "" {
		m := metrics.New()
		m.ObserveRun(res)
		if err := m.WriteTextfile(config.Resolve(root, cfg.MetricsFile)); err != nil {
			log.LogWarn(fmt.Sprintf("metrics not written: %v", err))
		}
	}
}

func saveHistory(path string, res *models.RunResult) error {
	store, err := history.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	// The run context may already be cancelled; the record still has to land.
	return store.RecordRun(context.Background(), res)
}

// taskTitle is the first non-empty line of spec, shortened for headers.
func taskTitle(spec, fallback string) string {
	for _, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 80 {
			line = string(r[:77]) + "..."
		}
		return line
	}
	return fallback
}
