package scm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/harrison/warden/internal/models"
)

const (
	// DefaultLogLines bounds the failure log handed to the janitor.
	DefaultLogLines = 2000
	maxRedirects    = 3
)

// CIClient reads check-run status and workflow job logs from GitHub.
type CIClient struct {
	gh       *github.Client
	download *http.Client
	owner    string
	repo     string
	logLines int
}

// NewCIClient creates a client for owner/repo. An empty token gives an
// unauthenticated client; an empty apiURL targets api.github.com.
func NewCIClient(ctx context.Context, token, owner, repo, apiURL string) (*CIClient, error) {
	if owner == "" || repo == "" {
		return nil, models.NewConfigurationError("github.repo", "owner and repository are required")
	}

	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	gh := github.NewClient(httpClient)

	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, &models.ConfigurationError{Field: "github.api_url", Reason: "invalid URL", Err: err}
		}
		gh.BaseURL = u
	}

	return &CIClient{
		gh:       gh,
		download: &http.Client{Timeout: 2 * time.Minute},
		owner:    owner,
		repo:     repo,
		logLines: DefaultLogLines,
	}, nil
}

// Status summarizes the check runs on the head of branch: pending while
// there are none or any is still running, red when any concluded with
// something other than success, neutral or skipped, green otherwise.
func (c *CIClient) Status(ctx context.Context, branch string) (models.CIStatus, error) {
	runs, err := c.checkRuns(ctx, branch)
	if err != nil {
		return "", err
	}
	return summarize(runs), nil
}

func (c *CIClient) checkRuns(ctx context.Context, ref string) ([]*github.CheckRun, error) {
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var all []*github.CheckRun
	for {
		res, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, opts)
		if err != nil {
			return nil, classifyAPIError("poll", err, resp)
		}
		all = append(all, res.CheckRuns...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func summarize(runs []*github.CheckRun) models.CIStatus {
	if len(runs) == 0 {
		return models.CIPending
	}
	red := false
	for _, r := range runs {
		if r.GetStatus() != "completed" {
			return models.CIPending
		}
		switch r.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			red = true
		}
	}
	if red {
		return models.CIRed
	}
	return models.CIGreen
}

// FailureLogs returns the logs of the failed jobs in the latest workflow run
// on branch, limited to the last DefaultLogLines lines. When no workflow run
// exists it falls back to the output of failed check runs.
func (c *CIClient) FailureLogs(ctx context.Context, branch string) (string, error) {
	runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo, &github.ListWorkflowRunsOptions{
		Branch:      branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", classifyAPIError("logs", err, resp)
	}
	if len(runs.WorkflowRuns) == 0 {
		return c.checkRunOutput(ctx, branch)
	}
	run := runs.WorkflowRuns[0]

	jobs, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, run.GetID(), &github.ListWorkflowJobsOptions{
		Filter:      "latest",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return "", classifyAPIError("logs", err, resp)
	}

	var sb strings.Builder
	for _, job := range jobs.Jobs {
		if !failedConclusion(job.GetConclusion()) {
			continue
		}
		text, err := c.jobLog(ctx, job.GetID())
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "== job %s (%s) ==\n%s\n", job.GetName(), job.GetConclusion(), text)
	}
	if sb.Len() == 0 {
		return c.checkRunOutput(ctx, branch)
	}
	return TailLines(sb.String(), c.logLines), nil
}

func (c *CIClient) jobLog(ctx context.Context, jobID int64) (string, error) {
	u, resp, err := c.gh.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, jobID, maxRedirects)
	if err != nil {
		return "", classifyAPIError("logs", err, resp)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &models.RemoteOperationError{Op: "logs", Err: err}
	}
	dl, err := c.download.Do(req)
	if err != nil {
		return "", &models.RemoteOperationError{Op: "logs", Err: fmt.Errorf("download job %d log: %w", jobID, err)}
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		return "", &models.RemoteOperationError{Op: "logs", Err: fmt.Errorf("download job %d log: %s", jobID, dl.Status)}
	}
	body, err := io.ReadAll(dl.Body)
	if err != nil {
		return "", &models.RemoteOperationError{Op: "logs", Err: err}
	}
	return TailLines(string(body), c.logLines), nil
}

func (c *CIClient) checkRunOutput(ctx context.Context, branch string) (string, error) {
	runs, err := c.checkRuns(ctx, branch)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range runs {
		if r.GetStatus() != "completed" || !failedConclusion(r.GetConclusion()) {
			continue
		}
		out := r.GetOutput()
		fmt.Fprintf(&sb, "== check %s (%s) ==\n", r.GetName(), r.GetConclusion())
		for _, s := range []string{out.GetTitle(), out.GetSummary(), out.GetText()} {
			if s != "" {
				sb.WriteString(s)
				sb.WriteString("\n")
			}
		}
	}
	return TailLines(sb.String(), c.logLines), nil
}

func failedConclusion(conclusion string) bool {
	switch conclusion {
	case "", "success", "neutral", "skipped":
		return false
	}
	return true
}

// classifyAPIError marks credential and permission failures fatal, as well as
// 404: GitHub answers that way for an unknown repository and for a token that
// cannot see it. A 403 that carries rate-limit information and 429 or 5xx
// responses stay transient.
func classifyAPIError(op string, err error, resp *github.Response) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	fatal := false
	if resp != nil && resp.Response != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusNotFound:
			fatal = true
		case http.StatusForbidden:
			fatal = resp.Rate.Limit == 0
		}
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		fatal = false
	}
	return &models.RemoteOperationError{Op: op, Fatal: fatal, Err: err}
}

// TailLines keeps the last n lines of s.
func TailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
