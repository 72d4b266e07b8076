// Package repo defines the persistence interfaces of the control
// plane. Implementations live in repo/postgres.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports an insert that lost a uniqueness race;
	// the caller should re-read the winning row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrApprovalNotPending reports a resolve attempt on an approval
	// that a reviewer already decided.
	ErrApprovalNotPending = errors.New("approval not pending")

	// ErrSameReviewer enforces the second-reviewer rule: the actor who
	// requested the deployment cannot approve it.
	ErrSameReviewer = errors.New("approval requires a second reviewer")
)

// RunRecord is a dispatched pipeline run plus its derived status.
type RunRecord struct {
	Context    domain.RunContext
	Status     domain.RunStatus
	CreatedAt  time.Time
	FinishedAt *time.Time
}

type RunFilter struct {
	Status domain.RunStatus
	Ref    string
	Limit  int
}

type RunRepository interface {
	Create(ctx context.Context, record RunRecord) error
	Get(ctx context.Context, runID string) (RunRecord, error)
	List(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	UpdateStatus(ctx context.Context, runID string, status domain.RunStatus, finishedAt *time.Time) error
}

type ApprovalRepository interface {
	// Create inserts a pending approval. A uniqueness race with a
	// concurrent insert reports ErrAlreadyExists.
	Create(ctx context.Context, approval domain.Approval) error
	Get(ctx context.Context, approvalID string) (domain.Approval, error)
	GetForRun(ctx context.Context, runID string, environment string) (domain.Approval, error)
	List(ctx context.Context, limit int) ([]domain.Approval, error)
	// Resolve moves a pending approval to approved or denied. It
	// enforces the pending check and the second-reviewer rule.
	Resolve(ctx context.Context, approvalID string, status domain.ApprovalStatus, decidedBy string, reason string) (domain.Approval, error)
}

// ChangeSetRecord is the persisted summary of a produced plan: the
// tri-state outcome, the diff shown on the merge request, and the
// artifact handle when a binary plan was uploaded.
type ChangeSetRecord struct {
	RunID     string
	CommitSHA string
	Outcome   domain.PlanOutcome
	DiffText  string
	Handle    *domain.ArtifactHandle
	CreatedAt time.Time
}

type ChangeSetRepository interface {
	// Insert is write-once per run; change sets are immutable.
	Insert(ctx context.Context, record ChangeSetRecord) error
	GetForRun(ctx context.Context, runID string) (ChangeSetRecord, error)
	// LatestForCommit resolves the newest successful plan produced for
	// a commit, which is the apply executor's expected handle.
	LatestForCommit(ctx context.Context, commitSHA string) (ChangeSetRecord, error)
}

type DeploymentRepository interface {
	// Insert is write-once per run: a second insert for the same run
	// is a no-op and reports inserted=false.
	Insert(ctx context.Context, record domain.DeploymentRecord) (bool, error)
	GetForRun(ctx context.Context, runID string) (domain.DeploymentRecord, error)
	List(ctx context.Context, limit int) ([]domain.DeploymentRecord, error)
}
