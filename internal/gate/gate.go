// Package gate guards the apply path. It answers two questions: may
// this run reach apply at all (entry predicate), and has a human
// cleared it for a protected environment (approval). The executor only
// ever observes blocked vs proceeding; deciding approvals is the
// control-plane API's job.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

var (
	// ErrEntryDenied reports a dispatch that may not reach apply
	// without an explicit manual dispatch.
	ErrEntryDenied = errors.New("apply entry denied")

	// ErrApprovalDenied reports a human refusal. Terminal for the run.
	ErrApprovalDenied = errors.New("approval denied")
)

// CheckApplyEntry is the apply entry predicate. Apply auto-runs only
// for a push to the main branch; everything else must arrive as a
// manual dispatch with action apply or destroy.
func CheckApplyEntry(run domain.RunContext, mainBranch string) error {
	if run.Trigger == domain.TriggerPush && run.Ref == mainBranch {
		return nil
	}
	if run.Trigger == domain.TriggerManual && (run.Action == domain.ActionApply || run.Action == domain.ActionDestroy) {
		return nil
	}
	return fmt.Errorf("%w: trigger=%s ref=%s action=%s", ErrEntryDenied, run.Trigger, run.Ref, run.Action)
}

type Config struct {
	// PollInterval is how often the executor re-checks a pending
	// approval. Zero means the default of 10s.
	PollInterval time.Duration
	// WaitTimeout bounds how long an apply job blocks on a pending
	// approval. Zero means the default of 1h.
	WaitTimeout time.Duration
}

type Gate struct {
	approvals    repo.ApprovalRepository
	logger       *slog.Logger
	pollInterval time.Duration
	waitTimeout  time.Duration
}

func New(approvals repo.ApprovalRepository, logger *slog.Logger, cfg Config) (*Gate, error) {
	if approvals == nil {
		return nil, errors.New("approval repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = time.Hour
	}
	return &Gate{
		approvals:    approvals,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		waitTimeout:  cfg.WaitTimeout,
	}, nil
}

// EnsureApproval makes sure a (run, environment) pair has an approval
// row, creating a pending one on first call. Idempotent across apply
// retries.
func (g *Gate) EnsureApproval(ctx context.Context, run domain.RunContext, environment string) (domain.Approval, error) {
	existing, err := g.approvals.GetForRun(ctx, run.RunID, environment)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Approval{}, fmt.Errorf("lookup approval: %w", err)
	}

	approval := domain.Approval{
		ApprovalID:  uuid.NewString(),
		RunID:       run.RunID,
		Environment: environment,
		Status:      domain.ApprovalStatusPending,
		RequestedAt: time.Now().UTC(),
		RequestedBy: run.Actor,
	}
	if err := g.approvals.Create(ctx, approval); err != nil {
		// A concurrent apply attempt for the same run may have created
		// the row between the lookup and the insert; adopt its approval.
		if errors.Is(err, repo.ErrAlreadyExists) {
			return g.approvals.GetForRun(ctx, run.RunID, environment)
		}
		return domain.Approval{}, fmt.Errorf("create approval: %w", err)
	}
	g.logger.Info("approval requested",
		"approval_id", approval.ApprovalID,
		"run_id", run.RunID,
		"environment", environment,
		"requested_by", run.Actor,
	)
	return approval, nil
}

// Wait blocks until the approval for (run, environment) is decided.
// Approved returns nil; denied returns ErrApprovalDenied; the wait
// timeout or a canceled context fails the wait.
func (g *Gate) Wait(ctx context.Context, run domain.RunContext, environment string) error {
	approval, err := g.EnsureApproval(ctx, run, environment)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(g.waitTimeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		switch approval.Status {
		case domain.ApprovalStatusApproved:
			g.logger.Info("approval granted",
				"approval_id", approval.ApprovalID,
				"run_id", run.RunID,
				"decided_by", approval.DecidedBy,
			)
			return nil
		case domain.ApprovalStatusDenied:
			return fmt.Errorf("%w: by %s: %s", ErrApprovalDenied, approval.DecidedBy, approval.Reason)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("approval %s still pending after %s", approval.ApprovalID, g.waitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		approval, err = g.approvals.Get(ctx, approval.ApprovalID)
		if err != nil {
			return fmt.Errorf("poll approval: %w", err)
		}
	}
}
