package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

// ErrSkipJob is returned by a job body to mark itself skipped rather
// than failed (for example notify jobs on runs without a merge
// request).
var ErrSkipJob = errors.New("job skipped")

// JobFunc is the body of one pipeline job.
type JobFunc func(ctx context.Context) error

// Job is one node in a run's DAG. Needs lists the jobs that must reach
// a terminal status before this one starts; jobs without an edge
// between them may run concurrently.
type Job struct {
	Name string
	// Needs are upstream job names. The job is skipped when an
	// upstream was skipped or canceled, or failed fatally.
	Needs []string
	// ContinueOnError records the job's failure without failing the
	// run, and downstream jobs still execute so they can report it.
	ContinueOnError bool
	Fn              JobFunc
}

// JobResult is the terminal record of one job.
type JobResult struct {
	Name   string
	Status domain.JobStatus
	Err    error
}

type Graph struct {
	jobs []Job
}

func NewGraph(jobs []Job) (*Graph, error) {
	g := &Graph{jobs: jobs}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validate() error {
	byName := make(map[string]Job, len(g.jobs))
	for _, job := range g.jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			return errors.New("job name is required")
		}
		if job.Fn == nil {
			return fmt.Errorf("job %q has no body", name)
		}
		if _, dup := byName[name]; dup {
			return fmt.Errorf("duplicate job %q", name)
		}
		byName[name] = job
	}
	for _, job := range g.jobs {
		for _, need := range job.Needs {
			if _, ok := byName[need]; !ok {
				return fmt.Errorf("job %q needs unknown job %q", job.Name, need)
			}
		}
	}
	if _, err := topoSortJobs(g.jobs); err != nil {
		return err
	}
	return nil
}

func topoSortJobs(jobs []Job) ([]string, error) {
	inDegree := make(map[string]int, len(jobs))
	adj := make(map[string][]string, len(jobs))
	for _, job := range jobs {
		inDegree[job.Name] = 0
	}
	for _, job := range jobs {
		for _, need := range job.Needs {
			adj[need] = append(adj[need], job.Name)
			inDegree[job.Name]++
		}
	}

	ready := make([]string, 0, len(jobs))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(jobs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}
	if len(ordered) != len(jobs) {
		return nil, errors.New("job graph contains a cycle")
	}
	return ordered, nil
}

// Execute runs the graph: jobs start as soon as every upstream is
// terminal, independent jobs run concurrently. A fatal job failure
// skips everything not yet started; jobs already running finish.
func (g *Graph) Execute(ctx context.Context, logger *slog.Logger) map[string]JobResult {
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]Job, len(g.jobs))
	results := make(map[string]JobResult, len(g.jobs))
	for _, job := range g.jobs {
		byName[job.Name] = job
		results[job.Name] = JobResult{Name: job.Name, Status: domain.JobStatusPending}
	}

	type done struct {
		name string
		err  error
	}
	doneCh := make(chan done)
	running := 0
	fatal := false
	var wg sync.WaitGroup

	launch := func(job Job) {
		results[job.Name] = JobResult{Name: job.Name, Status: domain.JobStatusRunning}
		running++
		wg.Add(1)
		go func() {
			defer wg.Done()
			doneCh <- done{name: job.Name, err: job.Fn(ctx)}
		}()
	}

	for {
		if ctx.Err() == nil && !fatal {
			// Start every job whose upstreams are terminal.
			for _, job := range g.jobs {
				if results[job.Name].Status != domain.JobStatusPending {
					continue
				}
				startable := true
				skip := false
				for _, need := range job.Needs {
					upstream := results[need]
					if !upstream.Status.Terminal() {
						startable = false
						break
					}
					switch upstream.Status {
					case domain.JobStatusSkipped, domain.JobStatusCanceled:
						skip = true
					case domain.JobStatusFailed:
						if !byName[need].ContinueOnError {
							skip = true
						}
					}
				}
				if !startable {
					continue
				}
				if skip {
					results[job.Name] = JobResult{Name: job.Name, Status: domain.JobStatusSkipped}
					logger.Info("job skipped", "job", job.Name)
					continue
				}
				launch(job)
			}
		}

		if running == 0 {
			break
		}

		d := <-doneCh
		running--
		job := byName[d.name]
		switch {
		case d.err == nil:
			results[d.name] = JobResult{Name: d.name, Status: domain.JobStatusSucceeded}
			logger.Info("job succeeded", "job", d.name)
		case errors.Is(d.err, ErrSkipJob):
			results[d.name] = JobResult{Name: d.name, Status: domain.JobStatusSkipped}
			logger.Info("job skipped", "job", d.name)
		case errors.Is(d.err, context.Canceled) && ctx.Err() != nil:
			results[d.name] = JobResult{Name: d.name, Status: domain.JobStatusCanceled, Err: d.err}
			logger.Info("job canceled", "job", d.name)
		default:
			results[d.name] = JobResult{Name: d.name, Status: domain.JobStatusFailed, Err: d.err}
			logger.Error("job failed", "job", d.name, "error", d.err)
			if !job.ContinueOnError {
				fatal = true
			}
		}
	}
	wg.Wait()

	// Whatever never started is canceled on a dead context, otherwise
	// skipped by a fatal failure upstream.
	for name, result := range results {
		if result.Status == domain.JobStatusPending {
			status := domain.JobStatusSkipped
			if ctx.Err() != nil {
				status = domain.JobStatusCanceled
			}
			results[name] = JobResult{Name: name, Status: status}
		}
	}
	return results
}

// RunStatusFromResults derives the run's terminal status from its job
// results: canceled wins, then any fatal failure, otherwise success.
func RunStatusFromResults(jobs []Job, results map[string]JobResult) domain.RunStatus {
	byName := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name] = job
	}
	for name, result := range results {
		if result.Status == domain.JobStatusCanceled {
			return domain.RunStatusCanceled
		}
		if result.Status == domain.JobStatusFailed && !byName[name].ContinueOnError {
			return domain.RunStatusFailed
		}
	}
	return domain.RunStatusSucceeded
}
