package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, record repo.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := record.Context.Validate(); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = domain.RunStatusPending
	}
	var mrIID sql.NullInt64
	if record.Context.MergeRequestIID > 0 {
		mrIID = sql.NullInt64{Int64: record.Context.MergeRequestIID, Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (
			run_id,
			trigger,
			ref,
			commit_sha,
			actor,
			merge_request_iid,
			action,
			status,
			dispatched_at,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(record.Context.RunID),
		string(record.Context.Trigger),
		strings.TrimSpace(record.Context.Ref),
		strings.TrimSpace(record.Context.CommitSHA),
		strings.TrimSpace(record.Context.Actor),
		mrIID,
		string(record.Context.Action),
		string(record.Status),
		normalizeTime(record.Context.DispatchedAt),
		normalizeTime(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, runID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, trigger, ref, commit_sha, actor, merge_request_iid, action, status, dispatched_at, created_at, finished_at
		 FROM pipeline_runs
		 WHERE run_id = $1`,
		runID,
	)
	return scanRun(row)
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Ref) != "" {
		args = append(args, strings.TrimSpace(filter.Ref))
		clauses = append(clauses, fmt.Sprintf("ref = $%d", len(args)))
	}
	query := `SELECT run_id, trigger, ref, commit_sha, actor, merge_request_iid, action, status, dispatched_at, created_at, finished_at
		 FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]repo.RunRecord, 0, 16)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

func (s *RunStore) UpdateStatus(ctx context.Context, runID string, status domain.RunStatus, finishedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	var finished sql.NullTime
	if finishedAt != nil {
		finished = sql.NullTime{Time: finishedAt.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET status = $2, finished_at = $3 WHERE run_id = $1`,
		runID,
		string(status),
		finished,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (repo.RunRecord, error) {
	var record repo.RunRecord
	var trigger string
	var action string
	var status string
	var mrIID sql.NullInt64
	var finishedAt sql.NullTime
	if err := row.Scan(
		&record.Context.RunID,
		&trigger,
		&record.Context.Ref,
		&record.Context.CommitSHA,
		&record.Context.Actor,
		&mrIID,
		&action,
		&status,
		&record.Context.DispatchedAt,
		&record.CreatedAt,
		&finishedAt,
	); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	record.Context.Trigger = domain.Trigger(trigger)
	record.Context.Action = domain.Action(action)
	record.Status = domain.RunStatus(status)
	if mrIID.Valid {
		record.Context.MergeRequestIID = mrIID.Int64
	}
	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		record.FinishedAt = &finished
	}
	return record, nil
}
