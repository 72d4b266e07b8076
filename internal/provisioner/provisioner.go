// Package provisioner wraps the external provisioning tool CLI. It
// sequences fmt/init/validate/plan/apply/destroy and classifies plan
// results; it never interprets the tool's diagnostics beyond exit
// codes — provider and state-lock errors are surfaced verbatim.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

// Detailed exit codes of `plan -detailed-exitcode`.
const (
	planExitClean   = 0
	planExitChanges = 2
)

var ErrToolFailed = errors.New("provisioning tool failed")

// Result carries the combined output of one tool invocation.
type Result struct {
	Args     []string
	Output   string
	ExitCode int
}

type runCommandFunc func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error)

type Runner struct {
	binary  string
	workDir string
	env     []string
	run     runCommandFunc
}

func New(binary string, workDir string, extraEnv map[string]string) (*Runner, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("tool binary is required")
	}
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil, errors.New("work dir is required")
	}

	env := make([]string, 0, len(extraEnv))
	for name, value := range extraEnv {
		env = append(env, name+"="+value)
	}

	return &Runner{
		binary:  binary,
		workDir: workDir,
		env:     env,
		run:     runCommand,
	}, nil
}

func (r *Runner) FmtCheck(ctx context.Context) (Result, error) {
	return r.exec(ctx, "fmt", "-check", "-recursive")
}

func (r *Runner) Init(ctx context.Context) (Result, error) {
	return r.exec(ctx, "init", "-no-color", "-input=false")
}

func (r *Runner) Validate(ctx context.Context) (Result, error) {
	return r.exec(ctx, "validate", "-no-color")
}

// Plan computes a change set and writes the binary plan to planFile.
// The tri-state outcome comes from the tool's detailed exit codes:
// 0 clean, 2 changes, anything else failure. Failure is reported on
// the outcome, not as an error, so callers can continue and surface
// the diagnostics.
func (r *Runner) Plan(ctx context.Context, planFile string) (domain.PlanOutcome, Result, error) {
	res, err := r.exec(ctx, "plan", "-no-color", "-input=false", "-detailed-exitcode", "-out="+planFile)
	if err != nil && !errors.Is(err, ErrToolFailed) {
		return domain.PlanOutcomeFailure, res, err
	}
	switch res.ExitCode {
	case planExitClean:
		return domain.PlanOutcomeNoChanges, res, nil
	case planExitChanges:
		return domain.PlanOutcomeSuccess, res, nil
	default:
		return domain.PlanOutcomeFailure, res, nil
	}
}

// ApplyPlan applies a stored binary plan verbatim, with no re-diff.
func (r *Runner) ApplyPlan(ctx context.Context, planFile string) (Result, error) {
	return r.exec(ctx, "apply", "-no-color", "-input=false", planFile)
}

// ApplyAuto plans and applies in one step with no interactive review.
func (r *Runner) ApplyAuto(ctx context.Context) (Result, error) {
	return r.exec(ctx, "apply", "-no-color", "-input=false", "-auto-approve")
}

func (r *Runner) Destroy(ctx context.Context) (Result, error) {
	return r.exec(ctx, "destroy", "-no-color", "-input=false", "-auto-approve")
}

func (r *Runner) Version(ctx context.Context) (string, error) {
	res, err := r.exec(ctx, "version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(res.Output, "\n")
	return strings.TrimSpace(line), nil
}

// PlanFilePath resolves planFile inside the working directory.
func (r *Runner) PlanFilePath(planFile string) string {
	if filepath.IsAbs(planFile) {
		return planFile
	}
	return filepath.Join(r.workDir, planFile)
}

func (r *Runner) exec(ctx context.Context, args ...string) (Result, error) {
	out, exitCode, err := r.run(ctx, r.workDir, r.env, r.binary, args...)
	res := Result{
		Args:     args,
		Output:   strings.TrimSpace(string(out)),
		ExitCode: exitCode,
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", r.binary, strings.Join(args, " "), err)
	}
	if exitCode != 0 {
		return res, fmt.Errorf("%w: %s %s: exit %d: %s", ErrToolFailed, r.binary, strings.Join(args, " "), exitCode, res.Output)
	}
	return res, nil
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}
