package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/config"
	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/gate"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/metrics"
	"github.com/zonepilot-labs/zonepilot-go/internal/provisioner"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

// Deps are the engine's collaborators. Runs, ChangeSets, Deployments,
// Notifier, Gate and Metrics may be nil for reduced modes (the local
// CLI runs the verify DAG with none of them).
type Deps struct {
	Stack config.Stack

	Workspaces  Workspaces
	Artifacts   ArtifactStore
	Notifier    CommentPoster
	Gate        ApprovalGate
	Runs        repo.RunRepository
	ChangeSets  repo.ChangeSetRepository
	Deployments repo.DeploymentRepository
	Metrics     *metrics.Registry
	Logger      *slog.Logger

	// ProvisionerFor and ScannerFor build the per-workspace tool
	// wrappers. Defaults drive the stack's configured binaries.
	ProvisionerFor func(workDir string) (Provisioner, error)
	ScannerFor     func(workDir string) (SecurityScanner, error)
}

// DefaultProvisionerFor runs the stack's tool binary inside the
// stack's work dir of a checkout, with the provider token exported
// under every accepted variable name.
func DefaultProvisionerFor(stack config.Stack, providerToken string) func(workDir string) (Provisioner, error) {
	return func(workDir string) (Provisioner, error) {
		return provisioner.New(stack.Tool.Binary, filepath.Join(workDir, stack.WorkDir), stack.CredentialEnv(providerToken))
	}
}

func DefaultScannerFor(stack config.Stack) func(workDir string) (SecurityScanner, error) {
	return func(workDir string) (SecurityScanner, error) {
		return scanner.New(stack.Scanner.Binary, stack.Scanner.Args, filepath.Join(workDir, stack.WorkDir))
	}
}

type activeRun struct {
	runID  string
	kind   RunKind
	cancel context.CancelFunc
	state  *runState
}

// Engine dispatches and executes pipeline runs. It enforces per-ref
// concurrency: a superseding run for the same ref cancels an in-flight
// verify run, and never a deploy run whose apply has started.
type Engine struct {
	deps Deps

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ProvisionerFor == nil || deps.ScannerFor == nil {
		return nil, errors.New("provisioner and scanner factories are required")
	}
	return &Engine{
		deps:   deps,
		active: make(map[string]*activeRun),
	}, nil
}

// Dispatch validates the run, persists it, supersedes any cancelable
// in-flight run on the same ref and executes it asynchronously.
func (e *Engine) Dispatch(ctx context.Context, run domain.RunContext) error {
	if err := run.Validate(); err != nil {
		return err
	}
	kind := KindForRun(run)
	if kind == RunKindDeploy {
		if err := gate.CheckApplyEntry(run, e.deps.Stack.MainBranch); err != nil {
			return err
		}
	}

	if e.deps.Runs != nil {
		record := repo.RunRecord{
			Context:   run,
			Status:    domain.RunStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.deps.Runs.Create(ctx, record); err != nil {
			return fmt.Errorf("persist run: %w", err)
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.RunsStarted.WithLabelValues(string(run.Trigger)).Inc()
	}

	rs := &runState{run: run, kind: kind}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.supersedeLocked(run.Ref, run.RunID)
	e.active[run.Ref] = &activeRun{runID: run.RunID, kind: kind, cancel: cancel, state: rs}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.executeAsync(runCtx, rs)
		e.mu.Lock()
		if current, ok := e.active[run.Ref]; ok && current.runID == run.RunID {
			delete(e.active, run.Ref)
		}
		e.mu.Unlock()
	}()
	return nil
}

// supersedeLocked cancels the in-flight run on ref if policy allows.
// Callers hold e.mu.
func (e *Engine) supersedeLocked(ref, newRunID string) {
	current, ok := e.active[ref]
	if !ok {
		return
	}
	if current.kind == RunKindDeploy && current.state.applyStarted.Load() {
		e.deps.Logger.Info("not canceling deploy run with apply in progress",
			"ref", ref,
			"run_id", current.runID,
			"superseded_by", newRunID,
		)
		return
	}
	e.deps.Logger.Info("canceling superseded run",
		"ref", ref,
		"run_id", current.runID,
		"superseded_by", newRunID,
	)
	current.cancel()
}

func (e *Engine) executeAsync(ctx context.Context, rs *runState) {
	started := time.Now()
	e.setRunStatus(ctx, rs.run.RunID, domain.RunStatusRunning, nil)

	jobs, results, err := e.executeDAG(ctx, rs)
	status := domain.RunStatusFailed
	if err == nil {
		status = RunStatusFromResults(jobs, results)
	}

	finished := time.Now().UTC()
	e.setRunStatus(ctx, rs.run.RunID, status, &finished)
	if e.deps.Metrics != nil {
		e.deps.Metrics.RunsFinished.WithLabelValues(string(status)).Inc()
		e.deps.Metrics.RunDuration.WithLabelValues(string(rs.run.Trigger)).Observe(time.Since(started).Seconds())
		for name, result := range results {
			e.deps.Metrics.JobsFinished.WithLabelValues(name, string(result.Status)).Inc()
		}
	}
	e.deps.Logger.Info("run finished",
		"run_id", rs.run.RunID,
		"kind", string(rs.kind),
		"status", string(status),
		"duration", time.Since(started).String(),
	)

	if err := e.deps.Workspaces.Cleanup(rs.run.RunID); err != nil {
		e.deps.Logger.Warn("workspace cleanup", "run_id", rs.run.RunID, "error", err)
	}
}

// Execute runs the DAG synchronously and returns the job results plus
// the derived run status. The local CLI uses this path directly.
func (e *Engine) Execute(ctx context.Context, run domain.RunContext) (map[string]JobResult, domain.RunStatus, error) {
	if err := run.Validate(); err != nil {
		return nil, "", err
	}
	rs := &runState{run: run, kind: KindForRun(run)}
	jobs, results, err := e.executeDAG(ctx, rs)
	if err != nil {
		return nil, "", err
	}
	return results, RunStatusFromResults(jobs, results), nil
}

func (e *Engine) executeDAG(ctx context.Context, rs *runState) ([]Job, map[string]JobResult, error) {
	jobs := e.buildJobs(rs)
	graph, err := NewGraph(jobs)
	if err != nil {
		return nil, nil, err
	}
	logger := e.deps.Logger.With("run_id", rs.run.RunID, "kind", string(rs.kind))
	return jobs, graph.Execute(ctx, logger), nil
}

func (e *Engine) setRunStatus(ctx context.Context, runID string, status domain.RunStatus, finishedAt *time.Time) {
	if e.deps.Runs == nil {
		return
	}
	if err := e.deps.Runs.UpdateStatus(ctx, runID, status, finishedAt); err != nil {
		e.deps.Logger.Error("update run status", "run_id", runID, "status", string(status), "error", err)
	}
}

// Shutdown waits for in-flight runs to finish. Callers cancel the
// dispatch contexts' parent first for a forced stop; deploy runs with
// apply in progress are left to complete.
func (e *Engine) Shutdown() {
	e.wg.Wait()
}
