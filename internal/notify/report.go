package notify

import (
	"fmt"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

// StepResult is one pipeline step's outcome as shown on the merge
// request.
type StepResult struct {
	Name    string
	Status  domain.JobStatus
	Summary string
}

const diffLimit = 60000

func statusWord(status domain.JobStatus) string {
	switch status {
	case domain.JobStatusSucceeded:
		return "✅ passed"
	case domain.JobStatusFailed:
		return "❌ failed"
	case domain.JobStatusSkipped:
		return "⏭ skipped"
	case domain.JobStatusCanceled:
		return "🚫 canceled"
	default:
		return "⏳ " + string(status)
	}
}

// RenderPlanReport builds the plan-report comment body: one line per
// step, the plan outcome, and the diff collapsed below.
func RenderPlanReport(run domain.RunContext, steps []StepResult, change *domain.ChangeSet) string {
	var b strings.Builder
	b.WriteString(Marker(CategoryPlanReport))
	b.WriteString("\n\n## Plan report\n\n")
	fmt.Fprintf(&b, "Commit `%s` on `%s`.\n\n", shortSHA(run.CommitSHA), run.Ref)

	for _, step := range steps {
		fmt.Fprintf(&b, "- **%s**: %s", step.Name, statusWord(step.Status))
		if strings.TrimSpace(step.Summary) != "" {
			fmt.Fprintf(&b, " — %s", strings.TrimSpace(step.Summary))
		}
		b.WriteString("\n")
	}

	if change != nil {
		b.WriteString("\n")
		switch change.Outcome {
		case domain.PlanOutcomeNoChanges:
			b.WriteString("No changes. The zone definitions match the live state.\n")
		case domain.PlanOutcomeSuccess:
			b.WriteString("Changes detected. Review the diff below before merging.\n")
		case domain.PlanOutcomeFailure:
			b.WriteString("Plan failed. Diagnostics below.\n")
		}
		if diff := strings.TrimSpace(change.DiffText); diff != "" {
			b.WriteString("\n<details><summary>Plan output</summary>\n\n```\n")
			b.WriteString(truncate(diff, diffLimit))
			b.WriteString("\n```\n\n</details>\n")
		}
	}
	return b.String()
}

// RenderSecurityReport builds the security-report comment body from
// the scanner's typed outcome.
func RenderSecurityReport(run domain.RunContext, report scanner.Report) string {
	var b strings.Builder
	b.WriteString(Marker(CategorySecurityReport))
	b.WriteString("\n\n## Security scan\n\n")
	fmt.Fprintf(&b, "Commit `%s` on `%s`.\n\n", shortSHA(run.CommitSHA), run.Ref)

	switch report.Outcome {
	case scanner.OutcomePassed:
		fmt.Fprintf(&b, "✅ **passed** — %d checks passed.\n", report.Passed)
	case scanner.OutcomeFindings:
		fmt.Fprintf(&b, "⚠️ **findings** — %d passed, %d failed. Findings are informational and do not block this merge request.\n",
			report.Passed, report.Failed)
	case scanner.OutcomeError:
		fmt.Fprintf(&b, "❌ **scanner error** (exit %d) — the scan could not complete; this does not block the merge request.\n",
			report.ExitCode)
	}

	if out := strings.TrimSpace(report.Output); out != "" {
		b.WriteString("\n<details><summary>Scanner output</summary>\n\n```\n")
		b.WriteString(truncate(out, diffLimit))
		b.WriteString("\n```\n\n</details>\n")
	}
	return b.String()
}

func shortSHA(sha string) string {
	sha = strings.TrimSpace(sha)
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "unknown"
	}
	return sha
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "\n… output truncated"
}
