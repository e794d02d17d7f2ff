package agent

import (
	"fmt"
	"strings"

	"github.com/harrison/warden/internal/models"
)

const retryFeedbackHeader = "IMPORTANT: The previous attempt failed with the following error:"

// RenderPrompt builds the text written to the agent's stdin for one attempt:
// the task specification, followed on retries by the failures of earlier
// attempts and any remediation hints distilled from CI logs.
func RenderPrompt(oc models.OrchestrationContext) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(oc.Spec()))

	history := oc.History()
	if oc.Attempt() <= 1 || len(history) == 0 {
		sb.WriteString("\n")
		return sb.String()
	}

	sb.WriteString("\n\n")
	sb.WriteString(retryFeedbackHeader)
	sb.WriteString("\n")
	for i, r := range history {
		if r.Success() {
			continue
		}
		sb.WriteString(fmt.Sprintf("- attempt %d, %s (%s): %s\n", i+1, r.Step(), r.Classification(), oneLine(r.Message())))
	}

	if hints := oc.Hints(); len(hints) > 0 {
		sb.WriteString("\nRemediation hints from the CI logs:\n")
		for _, h := range hints {
			sb.WriteString(strings.TrimSpace(h))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
