package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

type ApprovalStore struct {
	db DB
}

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) Create(ctx context.Context, approval domain.Approval) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	if strings.TrimSpace(approval.ApprovalID) == "" {
		return fmt.Errorf("approval id is required")
	}
	if strings.TrimSpace(approval.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if approval.Status == "" {
		approval.Status = domain.ApprovalStatusPending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO approvals (
			approval_id,
			run_id,
			environment,
			status,
			requested_at,
			requested_by
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(approval.ApprovalID),
		strings.TrimSpace(approval.RunID),
		strings.TrimSpace(approval.Environment),
		string(approval.Status),
		normalizeTime(approval.RequestedAt),
		strings.TrimSpace(approval.RequestedBy),
	)
	if err != nil {
		// Concurrent apply retries can race on the (run, environment)
		// uniqueness constraint; the first insert wins.
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (domain.Approval, error) {
	if s == nil || s.db == nil {
		return domain.Approval{}, fmt.Errorf("approval store not initialized")
	}
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return domain.Approval{}, fmt.Errorf("approval id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		approvalColumns+` WHERE approval_id = $1`,
		approvalID,
	)
	return scanApproval(row)
}

func (s *ApprovalStore) GetForRun(ctx context.Context, runID string, environment string) (domain.Approval, error) {
	if s == nil || s.db == nil {
		return domain.Approval{}, fmt.Errorf("approval store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Approval{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		approvalColumns+` WHERE run_id = $1 AND environment = $2 ORDER BY requested_at DESC LIMIT 1`,
		runID,
		strings.TrimSpace(environment),
	)
	return scanApproval(row)
}

func (s *ApprovalStore) List(ctx context.Context, limit int) ([]domain.Approval, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		approvalColumns+` ORDER BY requested_at DESC LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	approvals := make([]domain.Approval, 0, 16)
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return approvals, nil
}

// Resolve decides a pending approval in a single conditional update.
// The WHERE clause carries both gate rules: only pending approvals can
// be decided, and the requester cannot decide their own approval.
func (s *ApprovalStore) Resolve(ctx context.Context, approvalID string, status domain.ApprovalStatus, decidedBy string, reason string) (domain.Approval, error) {
	if s == nil || s.db == nil {
		return domain.Approval{}, fmt.Errorf("approval store not initialized")
	}
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return domain.Approval{}, fmt.Errorf("approval id is required")
	}
	decidedBy = strings.TrimSpace(decidedBy)
	if decidedBy == "" {
		return domain.Approval{}, fmt.Errorf("decided by is required")
	}
	if status != domain.ApprovalStatusApproved && status != domain.ApprovalStatusDenied {
		return domain.Approval{}, fmt.Errorf("invalid approval decision %q", status)
	}

	decidedAt := time.Now().UTC()
	row := s.db.QueryRowContext(
		ctx,
		resolveApprovalQuery,
		approvalID,
		string(status),
		decidedAt,
		decidedBy,
		nullIfEmpty(reason),
	)
	approval, err := scanApproval(row)
	if err == nil {
		return approval, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Approval{}, err
	}

	// Nothing matched: tell the caller which rule blocked the update.
	existing, getErr := s.Get(ctx, approvalID)
	if getErr != nil {
		return domain.Approval{}, getErr
	}
	if existing.Status != domain.ApprovalStatusPending {
		return domain.Approval{}, repo.ErrApprovalNotPending
	}
	if existing.RequestedBy == decidedBy {
		return domain.Approval{}, repo.ErrSameReviewer
	}
	return domain.Approval{}, fmt.Errorf("resolve approval %s: update matched no rows", approvalID)
}

const resolveApprovalQuery = `UPDATE approvals
		 SET status = $2, decided_at = $3, decided_by = $4, reason = $5
		 WHERE approval_id = $1 AND status = 'pending' AND requested_by <> $4
		 RETURNING approval_id, run_id, environment, status, requested_at, requested_by, decided_at, decided_by, reason`

const approvalColumns = `SELECT approval_id, run_id, environment, status, requested_at, requested_by, decided_at, decided_by, reason
	 FROM approvals`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var approval domain.Approval
	var status string
	var decidedAt sql.NullTime
	var decidedBy sql.NullString
	var reason sql.NullString
	if err := row.Scan(
		&approval.ApprovalID,
		&approval.RunID,
		&approval.Environment,
		&status,
		&approval.RequestedAt,
		&approval.RequestedBy,
		&decidedAt,
		&decidedBy,
		&reason,
	); err != nil {
		return domain.Approval{}, handleNotFound(err)
	}
	approval.Status = domain.ApprovalStatus(status)
	if decidedAt.Valid {
		decided := decidedAt.Time.UTC()
		approval.DecidedAt = &decided
	}
	if decidedBy.Valid {
		approval.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		approval.Reason = reason.String
	}
	return approval, nil
}
