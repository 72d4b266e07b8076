package scanner

import (
	"context"
	"errors"
	"testing"
)

func newTestScanner(t *testing.T, run runCommandFunc) *Scanner {
	t.Helper()
	s, err := New("checkov", []string{"--directory", ".", "--soft-fail"}, "/work/zones")
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	s.run = run
	return s
}

func TestScan_Passed(t *testing.T) {
	s := newTestScanner(t, func(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
		return []byte("Passed checks: 12, Failed checks: 0, Skipped checks: 3"), 0, nil
	})
	report := s.Scan(context.Background())
	if report.Outcome != OutcomePassed {
		t.Fatalf("Outcome=%q, want passed", report.Outcome)
	}
	if report.Passed != 12 || report.Failed != 0 {
		t.Fatalf("counts=%d/%d, want 12/0", report.Passed, report.Failed)
	}
}

func TestScan_Findings(t *testing.T) {
	s := newTestScanner(t, func(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
		return []byte("Passed checks: 10, Failed checks: 2, Skipped checks: 0"), 0, nil
	})
	report := s.Scan(context.Background())
	if report.Outcome != OutcomeFindings {
		t.Fatalf("Outcome=%q, want findings", report.Outcome)
	}
	if report.Failed != 2 {
		t.Fatalf("Failed=%d, want 2", report.Failed)
	}
}

func TestScan_NonzeroExitIsSoft(t *testing.T) {
	s := newTestScanner(t, func(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
		return []byte("scanner crashed"), 3, nil
	})
	report := s.Scan(context.Background())
	if report.Outcome != OutcomeError {
		t.Fatalf("Outcome=%q, want error", report.Outcome)
	}
	if report.Output != "scanner crashed" {
		t.Fatalf("Output=%q, want captured text", report.Output)
	}
	if report.ExitCode != 3 {
		t.Fatalf("ExitCode=%d, want 3", report.ExitCode)
	}
}

func TestScan_StartFailureIsSoft(t *testing.T) {
	s := newTestScanner(t, func(ctx context.Context, dir string, name string, args ...string) ([]byte, int, error) {
		return nil, -1, errors.New("exec: checkov: executable file not found")
	})
	report := s.Scan(context.Background())
	if report.Outcome != OutcomeError {
		t.Fatalf("Outcome=%q, want error", report.Outcome)
	}
	if report.Output == "" {
		t.Fatalf("Output empty, want error text")
	}
}
