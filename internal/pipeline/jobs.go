package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/notify"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

// runState is the shared mutable state of one executing run. Jobs
// without an edge between them run concurrently, so everything here is
// guarded.
type runState struct {
	run  domain.RunContext
	kind RunKind

	workDir string
	prov    Provisioner
	scan    SecurityScanner

	applyStarted atomic.Bool

	mu     sync.Mutex
	steps  []notify.StepResult
	change *domain.ChangeSet
	report *scanner.Report
}

func (rs *runState) recordStep(name string, status domain.JobStatus, summary string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.steps = append(rs.steps, notify.StepResult{Name: name, Status: status, Summary: summary})
}

func (rs *runState) snapshotSteps() []notify.StepResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]notify.StepResult, len(rs.steps))
	copy(out, rs.steps)
	return out
}

func (rs *runState) setChange(change *domain.ChangeSet) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.change = change
}

func (rs *runState) changeSet() *domain.ChangeSet {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.change
}

func (rs *runState) setReport(report scanner.Report) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.report = &report
}

func (rs *runState) scanReport() (scanner.Report, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.report == nil {
		return scanner.Report{}, false
	}
	return *rs.report, true
}

// buildJobs assembles the run's DAG. Verify runs fan out from validate
// into plan and security, each feeding its own notify job. Deploy runs
// go straight from validate to apply.
func (e *Engine) buildJobs(rs *runState) []Job {
	validate := Job{Name: "validate", Fn: e.jobValidate(rs)}
	if rs.kind == RunKindDeploy {
		return []Job{
			validate,
			{Name: "apply", Needs: []string{"validate"}, Fn: e.jobApply(rs)},
		}
	}
	return []Job{
		validate,
		{Name: "plan", Needs: []string{"validate"}, ContinueOnError: true, Fn: e.jobPlan(rs)},
		{Name: "security", Needs: []string{"validate"}, ContinueOnError: true, Fn: e.jobSecurity(rs)},
		{Name: "notify-plan", Needs: []string{"plan"}, ContinueOnError: true, Fn: e.jobNotifyPlan(rs)},
		{Name: "notify-security", Needs: []string{"security"}, ContinueOnError: true, Fn: e.jobNotifySecurity(rs)},
	}
}

// jobValidate materializes the workspace and runs fmt/init/validate.
// On verify runs fmt and validate diagnostics are recoverable-reported
// so the merge request still gets its feedback; init failure is fatal
// everywhere, and a deploy run treats every diagnostic as fatal.
func (e *Engine) jobValidate(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		dir, err := e.deps.Workspaces.Materialize(ctx, rs.run)
		if err != nil {
			return fmt.Errorf("materialize workspace: %w", err)
		}
		rs.workDir = dir

		rs.prov, err = e.deps.ProvisionerFor(dir)
		if err != nil {
			return fmt.Errorf("provisioner: %w", err)
		}
		rs.scan, err = e.deps.ScannerFor(dir)
		if err != nil {
			return fmt.Errorf("scanner: %w", err)
		}

		diagnosticsFatal := rs.kind == RunKindDeploy

		if res, err := rs.prov.FmtCheck(ctx); err != nil {
			rs.recordStep("fmt", domain.JobStatusFailed, firstLine(res.Output))
			if diagnosticsFatal {
				return fmt.Errorf("fmt check: %w", err)
			}
		} else {
			rs.recordStep("fmt", domain.JobStatusSucceeded, "")
		}
		// A killed tool process surfaces as a plain exit failure, so
		// cancellation is checked explicitly between steps.
		if err := ctx.Err(); err != nil {
			return err
		}

		if res, err := rs.prov.Init(ctx); err != nil {
			rs.recordStep("init", domain.JobStatusFailed, firstLine(res.Output))
			return fmt.Errorf("init: %w", err)
		}
		rs.recordStep("init", domain.JobStatusSucceeded, "")
		if err := ctx.Err(); err != nil {
			return err
		}

		if res, err := rs.prov.Validate(ctx); err != nil {
			rs.recordStep("validate", domain.JobStatusFailed, firstLine(res.Output))
			if diagnosticsFatal {
				return fmt.Errorf("validate: %w", err)
			}
		} else {
			rs.recordStep("validate", domain.JobStatusSucceeded, "")
		}
		return nil
	}
}

// jobPlan produces the change set, uploads the binary plan on success
// and persists the change-set record. Plan failure is reported, never
// fatal: the notify job still runs and surfaces the diagnostics.
func (e *Engine) jobPlan(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		planFile := e.deps.Stack.Tool.PlanFile
		outcome, res, err := rs.prov.Plan(ctx, planFile)
		if err != nil {
			outcome = domain.PlanOutcomeFailure
			if res.Output == "" {
				res.Output = err.Error()
			}
		}

		change := &domain.ChangeSet{
			RunID:    rs.run.RunID,
			Outcome:  outcome,
			DiffText: res.Output,
		}

		var uploadErr error
		if outcome.Succeeded() && e.deps.Artifacts != nil {
			handle, err := e.deps.Artifacts.Upload(ctx, rs.run.RunID, rs.prov.PlanFilePath(planFile))
			if err != nil {
				uploadErr = fmt.Errorf("upload plan artifact: %w", err)
			} else {
				change.Handle = &handle
			}
		}
		rs.setChange(change)

		if e.deps.ChangeSets != nil {
			record := repo.ChangeSetRecord{
				RunID:     rs.run.RunID,
				CommitSHA: rs.run.CommitSHA,
				Outcome:   outcome,
				DiffText:  res.Output,
				Handle:    change.Handle,
				CreatedAt: time.Now().UTC(),
			}
			if err := e.deps.ChangeSets.Insert(ctx, record); err != nil {
				e.deps.Logger.Error("persist change set", "run_id", rs.run.RunID, "error", err)
			}
		}

		switch outcome {
		case domain.PlanOutcomeNoChanges:
			rs.recordStep("plan", domain.JobStatusSucceeded, "no changes")
		case domain.PlanOutcomeSuccess:
			rs.recordStep("plan", domain.JobStatusSucceeded, "changes detected")
		default:
			rs.recordStep("plan", domain.JobStatusFailed, firstLine(res.Output))
		}

		if outcome == domain.PlanOutcomeFailure {
			return fmt.Errorf("plan failed (exit %d)", res.ExitCode)
		}
		return uploadErr
	}
}

// jobSecurity never fails the run; every scanner outcome, including a
// crashed scanner, is informational.
func (e *Engine) jobSecurity(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		rs.setReport(rs.scan.Scan(ctx))
		return nil
	}
}

func (e *Engine) jobNotifyPlan(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		if e.deps.Notifier == nil || rs.run.MergeRequestIID <= 0 {
			return ErrSkipJob
		}
		body := notify.RenderPlanReport(rs.run, rs.snapshotSteps(), rs.changeSet())
		action, err := e.deps.Notifier.Upsert(ctx, rs.run.MergeRequestIID, notify.CategoryPlanReport, body)
		if err != nil {
			return err
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.CommentUpserts.WithLabelValues(string(notify.CategoryPlanReport), string(action)).Inc()
		}
		return nil
	}
}

func (e *Engine) jobNotifySecurity(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		if e.deps.Notifier == nil || rs.run.MergeRequestIID <= 0 {
			return ErrSkipJob
		}
		report, ok := rs.scanReport()
		if !ok {
			return ErrSkipJob
		}
		body := notify.RenderSecurityReport(rs.run, report)
		action, err := e.deps.Notifier.Upsert(ctx, rs.run.MergeRequestIID, notify.CategorySecurityReport, body)
		if err != nil {
			return err
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.CommentUpserts.WithLabelValues(string(notify.CategorySecurityReport), string(action)).Inc()
		}
		return nil
	}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if len(line) > 200 {
		line = line[:200] + "…"
	}
	return line
}
