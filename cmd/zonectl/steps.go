package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/pipeline"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/env"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

func (a *app) newProvisioner() (pipeline.Provisioner, error) {
	return pipeline.DefaultProvisionerFor(a.stack, a.token)(a.dir)
}

func (a *app) newScanner() (pipeline.SecurityScanner, error) {
	return pipeline.DefaultScannerFor(a.stack)(a.dir)
}

func (a *app) fmtCheck(ctx context.Context) error {
	prov, err := a.newProvisioner()
	if err != nil {
		return err
	}
	res, err := prov.FmtCheck(ctx)
	printOutput(res.Output)
	return err
}

func (a *app) init(ctx context.Context) error {
	prov, err := a.newProvisioner()
	if err != nil {
		return err
	}
	res, err := prov.Init(ctx)
	printOutput(res.Output)
	return err
}

func (a *app) validate(ctx context.Context) error {
	prov, err := a.newProvisioner()
	if err != nil {
		return err
	}
	res, err := prov.Validate(ctx)
	printOutput(res.Output)
	return err
}

func (a *app) plan(ctx context.Context) error {
	prov, err := a.newProvisioner()
	if err != nil {
		return err
	}
	outcome, res, err := prov.Plan(ctx, a.stack.Tool.PlanFile)
	if err != nil {
		printOutput(res.Output)
		return err
	}
	switch outcome {
	case domain.PlanOutcomeNoChanges:
		fmt.Println("No changes.")
	case domain.PlanOutcomeSuccess:
		printOutput(res.Output)
		fmt.Printf("\nPlan written to %s\n", prov.PlanFilePath(a.stack.Tool.PlanFile))
	default:
		printOutput(res.Output)
		return fmt.Errorf("plan failed (exit %d)", res.ExitCode)
	}
	return nil
}

// security is informational: findings print but never fail, matching
// the pipeline's soft-fail scan contract.
func (a *app) security(ctx context.Context) error {
	scan, err := a.newScanner()
	if err != nil {
		return err
	}
	report := scan.Scan(ctx)
	printOutput(report.Output)
	switch report.Outcome {
	case scanner.OutcomePassed:
		fmt.Printf("\nScan passed (%d checks).\n", report.Passed)
	case scanner.OutcomeFindings:
		fmt.Printf("\nScan found %d failing checks (%d passed).\n", report.Failed, report.Passed)
	default:
		fmt.Printf("\nScanner did not complete (exit %d).\n", report.ExitCode)
	}
	return nil
}

// act drives the verify DAG through the same engine code path the
// orchestrator uses, against the local checkout.
func (a *app) act(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	engine, err := pipeline.NewEngine(pipeline.Deps{
		Stack:          a.stack,
		Workspaces:     localWorkspaces{dir: a.dir},
		Logger:         logger,
		ProvisionerFor: pipeline.DefaultProvisionerFor(a.stack, a.token),
		ScannerFor:     pipeline.DefaultScannerFor(a.stack),
	})
	if err != nil {
		return err
	}

	run := domain.RunContext{
		RunID:        uuid.NewString(),
		Trigger:      domain.TriggerManual,
		Ref:          a.stack.MainBranch,
		Actor:        env.String("USER", "local"),
		Action:       domain.ActionPlan,
		DispatchedAt: time.Now().UTC(),
	}

	results, status, err := engine.Execute(ctx, run)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result := results[name]
		if result.Err != nil {
			fmt.Printf("%-16s %s (%v)\n", name, result.Status, result.Err)
			continue
		}
		fmt.Printf("%-16s %s\n", name, result.Status)
	}

	if status != domain.RunStatusSucceeded {
		return fmt.Errorf("run %s", status)
	}
	fmt.Println("run succeeded")
	return nil
}

// localWorkspaces serves the existing checkout instead of cloning one.
type localWorkspaces struct {
	dir string
}

func (l localWorkspaces) Materialize(ctx context.Context, run domain.RunContext) (string, error) {
	return l.dir, nil
}

func (l localWorkspaces) Cleanup(runID string) error { return nil }

func printOutput(output string) {
	if output == "" {
		return
	}
	fmt.Println(output)
}
