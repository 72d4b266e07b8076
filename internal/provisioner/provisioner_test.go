package provisioner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

func newTestRunner(t *testing.T, run runCommandFunc) *Runner {
	t.Helper()
	r, err := New("tofu", "/work/zones", map[string]string{"HCLOUD_DNS_TOKEN": "tok"})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	r.run = run
	return r
}

func TestPlan_Classification(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     domain.PlanOutcome
	}{
		{"clean", 0, domain.PlanOutcomeNoChanges},
		{"changes", 2, domain.PlanOutcomeSuccess},
		{"failure", 1, domain.PlanOutcomeFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
				return []byte("plan output"), tc.exitCode, nil
			})
			outcome, res, err := r.Plan(context.Background(), "tfplan.binary")
			if err != nil {
				t.Fatalf("Plan() err=%v", err)
			}
			if outcome != tc.want {
				t.Fatalf("Plan() outcome=%q, want %q", outcome, tc.want)
			}
			if res.Output != "plan output" {
				t.Fatalf("Plan() output=%q", res.Output)
			}
		})
	}
}

func TestPlan_PassesPlanFileAndDetailedExitcode(t *testing.T) {
	var gotArgs []string
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		gotArgs = args
		return nil, 2, nil
	})
	if _, _, err := r.Plan(context.Background(), "tfplan.binary"); err != nil {
		t.Fatalf("Plan() err=%v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-detailed-exitcode") {
		t.Fatalf("Plan() args=%q, want -detailed-exitcode", joined)
	}
	if !strings.Contains(joined, "-out=tfplan.binary") {
		t.Fatalf("Plan() args=%q, want -out=tfplan.binary", joined)
	}
}

func TestApplyPlan_PassesStoredPlan(t *testing.T) {
	var gotArgs []string
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		gotArgs = args
		return []byte("applied"), 0, nil
	})
	if _, err := r.ApplyPlan(context.Background(), "tfplan.binary"); err != nil {
		t.Fatalf("ApplyPlan() err=%v", err)
	}
	if gotArgs[len(gotArgs)-1] != "tfplan.binary" {
		t.Fatalf("ApplyPlan() args=%v, want plan file last", gotArgs)
	}
	for _, arg := range gotArgs {
		if arg == "-auto-approve" {
			t.Fatalf("ApplyPlan() must not auto-approve: %v", gotArgs)
		}
	}
}

func TestApplyAuto_AutoApproves(t *testing.T) {
	var gotArgs []string
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		gotArgs = args
		return []byte("applied"), 0, nil
	})
	if _, err := r.ApplyAuto(context.Background()); err != nil {
		t.Fatalf("ApplyAuto() err=%v", err)
	}
	found := false
	for _, arg := range gotArgs {
		if arg == "-auto-approve" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ApplyAuto() args=%v, want -auto-approve", gotArgs)
	}
}

func TestApplyPlan_SurfacesDiagnosticsVerbatim(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		return []byte("Error: state locked by another operation"), 1, nil
	})
	_, err := r.ApplyPlan(context.Background(), "tfplan.binary")
	if err == nil {
		t.Fatalf("ApplyPlan() expected error")
	}
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("ApplyPlan() err=%v, want ErrToolFailed", err)
	}
	if !strings.Contains(err.Error(), "state locked by another operation") {
		t.Fatalf("ApplyPlan() err=%q, want verbatim diagnostics", err)
	}
}

func TestVersion_FirstLine(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		return []byte("OpenTofu v1.7.2\non linux_amd64\n"), 0, nil
	})
	got, err := r.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() err=%v", err)
	}
	if got != "OpenTofu v1.7.2" {
		t.Fatalf("Version()=%q", got)
	}
}

func TestFmtCheck_Args(t *testing.T) {
	var gotArgs []string
	r := newTestRunner(t, func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
		gotArgs = args
		return nil, 0, nil
	})
	if _, err := r.FmtCheck(context.Background()); err != nil {
		t.Fatalf("FmtCheck() err=%v", err)
	}
	if strings.Join(gotArgs, " ") != "fmt -check -recursive" {
		t.Fatalf("FmtCheck() args=%v", gotArgs)
	}
}
