package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

func TestDeploymentInsertQueryIsWriteOnce(t *testing.T) {
	if !strings.Contains(insertDeploymentQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected write-once conflict clause in insert query")
	}
}

func TestChangeSetInsertQueryIsWriteOnce(t *testing.T) {
	if !strings.Contains(insertChangeSetQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected write-once conflict clause in insert query")
	}
}

func TestResolveApprovalQueryCarriesGateRules(t *testing.T) {
	if !strings.Contains(resolveApprovalQuery, "status = 'pending'") {
		t.Fatalf("expected pending predicate in resolve query")
	}
	if !strings.Contains(resolveApprovalQuery, "requested_by <> $4") {
		t.Fatalf("expected second-reviewer predicate in resolve query")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert approval: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("expected wrapped 23505 to classify as unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation must not classify as unique violation")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatalf("plain error must not classify as unique violation")
	}
}

type execErrDB struct {
	err error
}

func (d execErrDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, d.err
}

func (d execErrDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, d.err
}

func (d execErrDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func TestApprovalCreateReportsUniquenessRace(t *testing.T) {
	store := NewApprovalStore(execErrDB{err: &pgconn.PgError{Code: "23505"}})
	err := store.Create(context.Background(), domain.Approval{
		ApprovalID: "apr-1",
		RunID:      "run-1",
	})
	if !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("Create() err=%v, want ErrAlreadyExists", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 100},
		{-5, 100},
		{25, 25},
		{9999, 500},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Fatalf("clampLimit(%d)=%d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNullIfEmpty(t *testing.T) {
	if v := nullIfEmpty("  "); v.Valid {
		t.Fatalf("expected invalid NullString for blank input")
	}
	if v := nullIfEmpty(" x "); !v.Valid || v.String != "x" {
		t.Fatalf("expected trimmed valid NullString, got %+v", v)
	}
}
