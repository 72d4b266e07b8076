package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

type DeploymentStore struct {
	db DB
}

func NewDeploymentStore(db DB) *DeploymentStore {
	if db == nil {
		return nil
	}
	return &DeploymentStore{db: db}
}

// Insert appends the run's deployment record. The ledger is write-once
// per run: a conflicting insert is swallowed and reported as
// inserted=false so retried apply jobs stay idempotent.
func (s *DeploymentStore) Insert(ctx context.Context, record domain.DeploymentRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("deployment store not initialized")
	}
	if err := record.Validate(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(
		ctx,
		insertDeploymentQuery,
		strings.TrimSpace(record.DeploymentID),
		strings.TrimSpace(record.RunID),
		record.Outcome,
		strings.TrimSpace(record.Stack),
		nullIfEmpty(record.ToolVersion),
		strings.TrimSpace(record.Actor),
		nullIfEmpty(record.CommitSHA),
		nullIfEmpty(record.ApplyPath),
		normalizeTime(record.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert deployment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert deployment: %w", err)
	}
	return affected > 0, nil
}

func (s *DeploymentStore) GetForRun(ctx context.Context, runID string) (domain.DeploymentRecord, error) {
	if s == nil || s.db == nil {
		return domain.DeploymentRecord{}, fmt.Errorf("deployment store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		deploymentColumns+` WHERE run_id = $1`,
		runID,
	)
	return scanDeployment(row)
}

func (s *DeploymentStore) List(ctx context.Context, limit int) ([]domain.DeploymentRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deployment store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		deploymentColumns+` ORDER BY created_at DESC LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]domain.DeploymentRecord, 0, 16)
	for rows.Next() {
		record, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return records, nil
}

const insertDeploymentQuery = `INSERT INTO deployments (
			deployment_id,
			run_id,
			outcome,
			stack,
			tool_version,
			actor,
			commit_sha,
			apply_path,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id) DO NOTHING`

const deploymentColumns = `SELECT deployment_id, run_id, outcome, stack, tool_version, actor, commit_sha, apply_path, created_at
	 FROM deployments`

func scanDeployment(row rowScanner) (domain.DeploymentRecord, error) {
	var record domain.DeploymentRecord
	var toolVersion, commitSHA, applyPath sql.NullString
	if err := row.Scan(
		&record.DeploymentID,
		&record.RunID,
		&record.Outcome,
		&record.Stack,
		&toolVersion,
		&record.Actor,
		&commitSHA,
		&applyPath,
		&record.CreatedAt,
	); err != nil {
		return domain.DeploymentRecord{}, handleNotFound(err)
	}
	record.ToolVersion = toolVersion.String
	record.CommitSHA = commitSHA.String
	record.ApplyPath = applyPath.String
	return record, nil
}
