package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/provisioner"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

// jobApply is the apply executor: gate, choose-path, apply, record.
// Failure is terminal for the run — no retry, no rollback; tool
// diagnostics (state locks included) pass through verbatim.
func (e *Engine) jobApply(rs *runState) JobFunc {
	return func(ctx context.Context) error {
		return e.executeApply(ctx, rs)
	}
}

func (e *Engine) executeApply(ctx context.Context, rs *runState) error {
	state := domain.ApplyStateStart

	// The gate blocks before the executor commits to applying; a run
	// superseded while waiting here may still be canceled.
	if e.deps.Gate != nil {
		if err := e.deps.Gate.Wait(ctx, rs.run, e.deps.Stack.Environment); err != nil {
			rs.recordStep("apply", domain.JobStatusFailed, "approval gate: "+err.Error())
			return fmt.Errorf("approval gate: %w", err)
		}
	}

	// Past this point the run must never be auto-canceled: a partial
	// apply leaves the provider in an unknown state.
	rs.applyStarted.Store(true)

	if err := advanceApplyState(&state, domain.ApplyStateChoosePath); err != nil {
		return err
	}
	path, planPath := e.choosePath(ctx, rs)
	if e.deps.Metrics != nil {
		e.deps.Metrics.AppliesByPath.WithLabelValues(path.Name()).Inc()
	}
	e.deps.Logger.Info("apply path chosen",
		"run_id", rs.run.RunID,
		"path", path.Name(),
	)

	if err := advanceApplyState(&state, domain.ApplyStateApplying); err != nil {
		return err
	}
	var res provisioner.Result
	var applyErr error
	switch path.(type) {
	case domain.ExactApply:
		res, applyErr = rs.prov.ApplyPlan(ctx, planPath)
	case domain.AutoApply:
		if rs.run.Action == domain.ActionDestroy {
			res, applyErr = rs.prov.Destroy(ctx)
		} else {
			res, applyErr = rs.prov.ApplyAuto(ctx)
		}
	default:
		return fmt.Errorf("unknown apply path %q", path.Name())
	}

	if err := advanceApplyState(&state, domain.ApplyStateDone); err != nil {
		return err
	}

	outcome := domain.DeploymentOutcomeSuccess
	if applyErr != nil {
		outcome = domain.DeploymentOutcomeFailure
	}
	e.recordDeployment(ctx, rs, path, outcome)

	if applyErr != nil {
		rs.recordStep("apply", domain.JobStatusFailed, firstLine(res.Output))
		return fmt.Errorf("apply: %w", applyErr)
	}
	rs.recordStep("apply", domain.JobStatusSucceeded, "")
	return nil
}

// choosePath resolves the run's expected plan handle. Present and
// intact → ExactApply; anything else (no reviewed plan, expired
// artifact, digest mismatch) falls back to AutoApply. Destroy always
// auto-applies: there is no stored destroy plan.
func (e *Engine) choosePath(ctx context.Context, rs *runState) (domain.ApplyPath, string) {
	if rs.run.Action == domain.ActionDestroy {
		return domain.AutoApply{}, ""
	}
	if e.deps.ChangeSets == nil || e.deps.Artifacts == nil {
		return domain.AutoApply{}, ""
	}

	record, err := e.deps.ChangeSets.LatestForCommit(ctx, rs.run.CommitSHA)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.deps.Logger.Error("lookup change set", "run_id", rs.run.RunID, "error", err)
		}
		return domain.AutoApply{}, ""
	}
	if record.Handle == nil {
		return domain.AutoApply{}, ""
	}

	path, found, err := e.deps.Artifacts.Download(ctx, *record.Handle, rs.workDir)
	if err != nil {
		e.deps.Logger.Warn("plan artifact unusable, falling back to auto-apply",
			"run_id", rs.run.RunID,
			"artifact_key", record.Handle.Key,
			"error", err,
		)
		return domain.AutoApply{}, ""
	}
	if !found {
		return domain.AutoApply{}, ""
	}
	return domain.ExactApply{Handle: *record.Handle}, path
}

// recordDeployment appends the write-once deployment record for both
// outcomes. A retried apply hits the run-keyed conflict clause and
// changes nothing.
func (e *Engine) recordDeployment(ctx context.Context, rs *runState, path domain.ApplyPath, outcome string) {
	if e.deps.Deployments == nil {
		return
	}
	version, err := rs.prov.Version(ctx)
	if err != nil {
		e.deps.Logger.Warn("read tool version", "run_id", rs.run.RunID, "error", err)
	}
	record := domain.DeploymentRecord{
		DeploymentID: uuid.NewString(),
		RunID:        rs.run.RunID,
		Outcome:      outcome,
		Stack:        e.deps.Stack.Name,
		ToolVersion:  version,
		Actor:        rs.run.Actor,
		CommitSHA:    rs.run.CommitSHA,
		ApplyPath:    path.Name(),
		CreatedAt:    time.Now().UTC(),
	}
	inserted, err := e.deps.Deployments.Insert(ctx, record)
	if err != nil {
		e.deps.Logger.Error("record deployment", "run_id", rs.run.RunID, "error", err)
		return
	}
	e.deps.Logger.Info("deployment recorded",
		"run_id", rs.run.RunID,
		"deployment_id", record.DeploymentID,
		"outcome", outcome,
		"apply_path", path.Name(),
		"inserted", inserted,
	)
}

func advanceApplyState(state *domain.ApplyState, next domain.ApplyState) error {
	if !domain.CanTransitionApplyState(*state, next) {
		return fmt.Errorf("invalid apply transition %s -> %s", *state, next)
	}
	*state = next
	return nil
}
