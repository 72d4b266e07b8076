// Package pipeline executes runs: DAGs of jobs over the provisioning
// tool, the scanner, the artifact store and the notifier, dispatched
// from webhooks or manual API calls.
package pipeline

import (
	"context"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/notify"
	"github.com/zonepilot-labs/zonepilot-go/internal/provisioner"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

// RunKind separates merge-request feedback runs from deploying runs.
type RunKind string

const (
	RunKindVerify RunKind = "verify"
	RunKindDeploy RunKind = "deploy"
)

// KindForRun classifies a dispatch. Manual plans verify; manual apply
// and destroy deploy.
func KindForRun(run domain.RunContext) RunKind {
	if run.Trigger == domain.TriggerManual && (run.Action == domain.ActionApply || run.Action == domain.ActionDestroy) {
		return RunKindDeploy
	}
	if run.Trigger == domain.TriggerPush {
		return RunKindDeploy
	}
	return RunKindVerify
}

// Provisioner is the per-workspace slice of the tool runner the jobs
// drive.
type Provisioner interface {
	FmtCheck(ctx context.Context) (provisioner.Result, error)
	Init(ctx context.Context) (provisioner.Result, error)
	Validate(ctx context.Context) (provisioner.Result, error)
	Plan(ctx context.Context, planFile string) (domain.PlanOutcome, provisioner.Result, error)
	ApplyPlan(ctx context.Context, planFile string) (provisioner.Result, error)
	ApplyAuto(ctx context.Context) (provisioner.Result, error)
	Destroy(ctx context.Context) (provisioner.Result, error)
	Version(ctx context.Context) (string, error)
	PlanFilePath(planFile string) string
}

type SecurityScanner interface {
	Scan(ctx context.Context) scanner.Report
}

type ArtifactStore interface {
	Upload(ctx context.Context, runID string, path string) (domain.ArtifactHandle, error)
	Download(ctx context.Context, handle domain.ArtifactHandle, destDir string) (string, bool, error)
}

type Workspaces interface {
	Materialize(ctx context.Context, run domain.RunContext) (string, error)
	Cleanup(runID string) error
}

type CommentPoster interface {
	Upsert(ctx context.Context, mergeRequestIID int64, category notify.Category, body string) (notify.Action, error)
}

// ApprovalGate blocks apply until a human clears the protected
// environment.
type ApprovalGate interface {
	Wait(ctx context.Context, run domain.RunContext, environment string) error
}
