package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/warden/internal/models"
)

// Reviewer performs a schema-constrained LLM call. *claude.Service
// satisfies it.
type Reviewer interface {
	InvokeAndParse(ctx context.Context, dir, prompt, schema string, result any) error
}

// ReviewVerdict is the structured answer of the reviewer.
type ReviewVerdict struct {
	Verdict string   `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues"`
}

const reviewSchema = `{
  "type": "object",
  "properties": {
    "verdict": {"type": "string", "enum": ["approve", "reject"]},
    "summary": {"type": "string"},
    "issues":  {"type": "array", "items": {"type": "string"}}
  },
  "required": ["verdict", "summary"]
}`

// CodeReview asks an LLM to judge the working tree diff against the task
// specification.
type CodeReview struct {
	Reviewer     Reviewer
	Runner       CommandRunner
	OnFailure    models.Classification
	MaxDiffChars int
}

// Name implements pipeline.Step.
func (r *CodeReview) Name() string { return "code-review" }

// Execute implements pipeline.Step.
func (r *CodeReview) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	diff, err := r.collectDiff(ctx, oc.WorkTree())
	if err != nil {
		return models.StrategyResult{}, err
	}
	if strings.TrimSpace(diff) == "" {
		return models.Pass(r.Name(), "no changes to review"), nil
	}

	var v ReviewVerdict
	if err := r.Reviewer.InvokeAndParse(ctx, oc.WorkTree(), buildReviewPrompt(oc.Spec(), diff), reviewSchema, &v); err != nil {
		return models.StrategyResult{}, fmt.Errorf("code review: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(v.Verdict)) {
	case "approve":
		return models.Pass(r.Name(), summaryOr(v.Summary, "review approved")), nil
	case "reject":
		msg := summaryOr(v.Summary, "review rejected the change")
		if len(v.Issues) > 0 {
			msg += ": " + strings.Join(v.Issues, "; ")
		}
		return models.Fail(r.Name(), msg, r.OnFailure).WithDetail(DetailVerdict, v), nil
	default:
		return models.StrategyResult{}, fmt.Errorf("code review: unexpected verdict %q", v.Verdict)
	}
}

// DetailVerdict holds the ReviewVerdict of a rejected review.
const DetailVerdict = "verdict"

func (r *CodeReview) collectDiff(ctx context.Context, dir string) (string, error) {
	diff, err := r.Runner.Run(ctx, dir, "git diff HEAD")
	if err != nil {
		return "", fmt.Errorf("git diff: %w (output: %s)", err, strings.TrimSpace(diff))
	}

	untracked, err := r.Runner.Run(ctx, dir, "git ls-files --others --exclude-standard")
	if err != nil {
		return "", fmt.Errorf("git ls-files: %w", err)
	}
	if names := strings.Fields(untracked); len(names) > 0 {
		diff += "\nNew untracked files:\n" + strings.Join(names, "\n") + "\n"
	}

	if r.MaxDiffChars > 0 && len(diff) > r.MaxDiffChars {
		diff = diff[:r.MaxDiffChars] + "\n[diff truncated]\n"
	}
	return diff, nil
}

func buildReviewPrompt(spec, diff string) string {
	return fmt.Sprintf(`Review the following change against its task.

Task:
%s

Diff:
%s

Reject only for real defects: the task is not implemented, the change is broken, or it introduces
an obvious bug or security problem. Style preferences are not grounds for rejection.
Answer with a verdict of "approve" or "reject", a one-sentence summary, and the concrete issues.
`, strings.TrimSpace(spec), diff)
}

func summaryOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return strings.TrimSpace(s)
}
