package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

type fakeApprovals struct {
	mu        sync.Mutex
	byID      map[string]domain.Approval
	created   int
	onGetByID func(approval *domain.Approval)
	// raceWinner, when set, makes Create lose the uniqueness race: the
	// winner's row lands in the store and Create reports ErrAlreadyExists.
	raceWinner *domain.Approval
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{byID: map[string]domain.Approval{}}
}

func (f *fakeApprovals) Create(ctx context.Context, approval domain.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceWinner != nil {
		f.byID[f.raceWinner.ApprovalID] = *f.raceWinner
		return repo.ErrAlreadyExists
	}
	f.byID[approval.ApprovalID] = approval
	f.created++
	return nil
}

func (f *fakeApprovals) Get(ctx context.Context, approvalID string) (domain.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	approval, ok := f.byID[approvalID]
	if !ok {
		return domain.Approval{}, repo.ErrNotFound
	}
	if f.onGetByID != nil {
		f.onGetByID(&approval)
		f.byID[approvalID] = approval
	}
	return approval, nil
}

func (f *fakeApprovals) GetForRun(ctx context.Context, runID string, environment string) (domain.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, approval := range f.byID {
		if approval.RunID == runID && approval.Environment == environment {
			return approval, nil
		}
	}
	return domain.Approval{}, repo.ErrNotFound
}

func (f *fakeApprovals) List(ctx context.Context, limit int) ([]domain.Approval, error) {
	return nil, nil
}

func (f *fakeApprovals) Resolve(ctx context.Context, approvalID string, status domain.ApprovalStatus, decidedBy string, reason string) (domain.Approval, error) {
	return domain.Approval{}, errors.New("not implemented")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func pushToMain() domain.RunContext {
	return domain.RunContext{
		RunID:   "run-1",
		Trigger: domain.TriggerPush,
		Ref:     "main",
		Actor:   "ci-bot",
	}
}

func TestCheckApplyEntry(t *testing.T) {
	cases := []struct {
		name    string
		run     domain.RunContext
		allowed bool
	}{
		{"push to main", domain.RunContext{Trigger: domain.TriggerPush, Ref: "main"}, true},
		{"push to feature branch", domain.RunContext{Trigger: domain.TriggerPush, Ref: "feature/x"}, false},
		{"merge request", domain.RunContext{Trigger: domain.TriggerMergeRequest, Ref: "main"}, false},
		{"manual apply", domain.RunContext{Trigger: domain.TriggerManual, Ref: "feature/x", Action: domain.ActionApply}, true},
		{"manual destroy", domain.RunContext{Trigger: domain.TriggerManual, Ref: "main", Action: domain.ActionDestroy}, true},
		{"manual plan", domain.RunContext{Trigger: domain.TriggerManual, Ref: "main", Action: domain.ActionPlan}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckApplyEntry(tc.run, "main")
			if tc.allowed && err != nil {
				t.Fatalf("CheckApplyEntry() err=%v, want nil", err)
			}
			if !tc.allowed {
				if !errors.Is(err, ErrEntryDenied) {
					t.Fatalf("CheckApplyEntry() err=%v, want ErrEntryDenied", err)
				}
			}
		})
	}
}

func TestEnsureApprovalIsIdempotent(t *testing.T) {
	approvals := newFakeApprovals()
	g, err := New(approvals, discardLogger(), Config{})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	run := pushToMain()

	first, err := g.EnsureApproval(context.Background(), run, "production")
	if err != nil {
		t.Fatalf("EnsureApproval() err=%v", err)
	}
	second, err := g.EnsureApproval(context.Background(), run, "production")
	if err != nil {
		t.Fatalf("EnsureApproval() second call err=%v", err)
	}
	if first.ApprovalID != second.ApprovalID {
		t.Fatalf("second call created a new approval: %s vs %s", first.ApprovalID, second.ApprovalID)
	}
	if approvals.created != 1 {
		t.Fatalf("created=%d approvals, want 1", approvals.created)
	}
	if first.Status != domain.ApprovalStatusPending {
		t.Fatalf("status=%q, want pending", first.Status)
	}
	if first.RequestedBy != run.Actor {
		t.Fatalf("requested_by=%q, want run actor", first.RequestedBy)
	}
}

func TestEnsureApprovalAdoptsRacingCreate(t *testing.T) {
	approvals := newFakeApprovals()
	run := pushToMain()
	approvals.raceWinner = &domain.Approval{
		ApprovalID:  "apr-winner",
		RunID:       run.RunID,
		Environment: "production",
		Status:      domain.ApprovalStatusPending,
		RequestedBy: "other-executor",
	}
	g, err := New(approvals, discardLogger(), Config{})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	got, err := g.EnsureApproval(context.Background(), run, "production")
	if err != nil {
		t.Fatalf("EnsureApproval() err=%v, want adopted approval", err)
	}
	if got.ApprovalID != "apr-winner" {
		t.Fatalf("approval_id=%q, want the racing winner's row", got.ApprovalID)
	}
	if approvals.created != 0 {
		t.Fatalf("created=%d approvals, want 0 after losing the race", approvals.created)
	}
}

func TestWaitProceedsOnApproval(t *testing.T) {
	approvals := newFakeApprovals()
	// Approve on the first poll after creation.
	approvals.onGetByID = func(approval *domain.Approval) {
		approval.Status = domain.ApprovalStatusApproved
		approval.DecidedBy = "reviewer"
	}
	g, err := New(approvals, discardLogger(), Config{PollInterval: time.Millisecond, WaitTimeout: time.Second})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	if err := g.Wait(context.Background(), pushToMain(), "production"); err != nil {
		t.Fatalf("Wait() err=%v, want nil after approval", err)
	}
}

func TestWaitFailsOnDenial(t *testing.T) {
	approvals := newFakeApprovals()
	approvals.onGetByID = func(approval *domain.Approval) {
		approval.Status = domain.ApprovalStatusDenied
		approval.DecidedBy = "reviewer"
		approval.Reason = "not during the freeze"
	}
	g, err := New(approvals, discardLogger(), Config{PollInterval: time.Millisecond, WaitTimeout: time.Second})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	err = g.Wait(context.Background(), pushToMain(), "production")
	if !errors.Is(err, ErrApprovalDenied) {
		t.Fatalf("Wait() err=%v, want ErrApprovalDenied", err)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	approvals := newFakeApprovals()
	g, err := New(approvals, discardLogger(), Config{PollInterval: 10 * time.Millisecond, WaitTimeout: time.Minute})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = g.Wait(ctx, pushToMain(), "production")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() err=%v, want context.Canceled", err)
	}
}
