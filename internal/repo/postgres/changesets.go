package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

type ChangeSetStore struct {
	db DB
}

func NewChangeSetStore(db DB) *ChangeSetStore {
	if db == nil {
		return nil
	}
	return &ChangeSetStore{db: db}
}

func (s *ChangeSetStore) Insert(ctx context.Context, record repo.ChangeSetRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("change set store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	var key, sha sql.NullString
	var size sql.NullInt64
	if record.Handle != nil {
		if err := record.Handle.Validate(); err != nil {
			return err
		}
		key = nullIfEmpty(record.Handle.Key)
		sha = nullIfEmpty(record.Handle.SHA256)
		size = sql.NullInt64{Int64: record.Handle.Size, Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		insertChangeSetQuery,
		runID,
		nullIfEmpty(record.CommitSHA),
		string(record.Outcome),
		record.DiffText,
		key,
		sha,
		size,
		normalizeTime(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert change set: %w", err)
	}
	return nil
}

func (s *ChangeSetStore) GetForRun(ctx context.Context, runID string) (repo.ChangeSetRecord, error) {
	if s == nil || s.db == nil {
		return repo.ChangeSetRecord{}, fmt.Errorf("change set store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.ChangeSetRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		changeSetColumns+` WHERE run_id = $1`,
		runID,
	)
	return scanChangeSet(row)
}

func (s *ChangeSetStore) LatestForCommit(ctx context.Context, commitSHA string) (repo.ChangeSetRecord, error) {
	if s == nil || s.db == nil {
		return repo.ChangeSetRecord{}, fmt.Errorf("change set store not initialized")
	}
	commitSHA = strings.TrimSpace(commitSHA)
	if commitSHA == "" {
		return repo.ChangeSetRecord{}, fmt.Errorf("commit sha is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		changeSetColumns+` WHERE commit_sha = $1 AND outcome IN ('success','no_changes')
		 ORDER BY created_at DESC LIMIT 1`,
		commitSHA,
	)
	return scanChangeSet(row)
}

const insertChangeSetQuery = `INSERT INTO change_sets (
			run_id,
			commit_sha,
			outcome,
			diff_text,
			artifact_key,
			artifact_sha256,
			artifact_size,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (run_id) DO NOTHING`

const changeSetColumns = `SELECT run_id, commit_sha, outcome, diff_text, artifact_key, artifact_sha256, artifact_size, created_at
	 FROM change_sets`

func scanChangeSet(row rowScanner) (repo.ChangeSetRecord, error) {
	var record repo.ChangeSetRecord
	var commitSHA, key, sha sql.NullString
	var size sql.NullInt64
	var outcome string
	if err := row.Scan(
		&record.RunID,
		&commitSHA,
		&outcome,
		&record.DiffText,
		&key,
		&sha,
		&size,
		&record.CreatedAt,
	); err != nil {
		return repo.ChangeSetRecord{}, handleNotFound(err)
	}
	record.CommitSHA = commitSHA.String
	record.Outcome = domain.PlanOutcome(outcome)
	if key.Valid && sha.Valid {
		record.Handle = &domain.ArtifactHandle{Key: key.String, SHA256: sha.String, Size: size.Int64}
	}
	return record, nil
}
