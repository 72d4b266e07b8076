package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zonepilot-labs/zonepilot-go/internal/config"
	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

func TestRunStepsStopsAtFirstFailure(t *testing.T) {
	var order []string
	record := func(name string, err error) step {
		return step{name: name, fn: func(ctx context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	steps := []step{
		record("check", nil),
		record("fmt", errors.New("not canonical")),
		record("init", nil),
	}

	err := runSteps(context.Background(), steps)
	if err == nil {
		t.Fatalf("runSteps() err=nil, want failure from fmt")
	}
	if len(order) != 2 || order[0] != "check" || order[1] != "fmt" {
		t.Fatalf("executed steps=%v, want stop after fmt", order)
	}
}

func TestCleanupRemovesToolState(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "zones")
	if err := os.MkdirAll(filepath.Join(workDir, ".terraform", "providers"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	planFile := filepath.Join(workDir, "tfplan.binary")
	if err := os.WriteFile(planFile, []byte("plan"), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	a := &app{
		stack: config.Stack{
			Name:    "dns-zones",
			WorkDir: "zones",
			Tool:    config.Tool{Binary: "tofu", PlanFile: "tfplan.binary"},
		},
		dir: dir,
	}
	if err := a.cleanup(); err != nil {
		t.Fatalf("cleanup() err=%v", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, ".terraform")); !os.IsNotExist(err) {
		t.Fatalf(".terraform still present (err=%v)", err)
	}
	if _, err := os.Stat(planFile); !os.IsNotExist(err) {
		t.Fatalf("plan file still present (err=%v)", err)
	}
}

func TestLocalWorkspacesServesCheckoutDir(t *testing.T) {
	ws := localWorkspaces{dir: "/srv/checkout"}
	dir, err := ws.Materialize(context.Background(), domain.RunContext{RunID: "run-1"})
	if err != nil {
		t.Fatalf("Materialize() err=%v", err)
	}
	if dir != "/srv/checkout" {
		t.Fatalf("dir=%q", dir)
	}
	if err := ws.Cleanup("run-1"); err != nil {
		t.Fatalf("Cleanup() err=%v", err)
	}
}
