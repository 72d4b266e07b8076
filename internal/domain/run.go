// Package domain holds the core types of the plan/apply orchestration:
// run contexts, change sets, apply paths, gate and job states.
package domain

import (
	"errors"
	"strings"
	"time"
)

// Trigger identifies how a run was dispatched.
type Trigger string

const (
	TriggerMergeRequest Trigger = "merge_request"
	TriggerPush         Trigger = "push"
	TriggerManual       Trigger = "manual"
)

// Action is the manual dispatch selector. Only meaningful when the
// trigger is manual.
type Action string

const (
	ActionPlan    Action = "plan"
	ActionApply   Action = "apply"
	ActionDestroy Action = "destroy"
)

// RunContext identifies a single pipeline execution. It is created at
// dispatch and never mutated afterwards.
type RunContext struct {
	RunID           string
	Trigger         Trigger
	Ref             string
	CommitSHA       string
	Actor           string
	MergeRequestIID int64
	Action          Action
	DispatchedAt    time.Time
}

func NormalizeTrigger(value string) Trigger {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TriggerMergeRequest):
		return TriggerMergeRequest
	case string(TriggerPush):
		return TriggerPush
	case string(TriggerManual):
		return TriggerManual
	default:
		return ""
	}
}

func NormalizeAction(value string) Action {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ActionPlan):
		return ActionPlan
	case string(ActionApply):
		return ActionApply
	case string(ActionDestroy):
		return ActionDestroy
	default:
		return ""
	}
}

func (rc RunContext) Validate() error {
	if strings.TrimSpace(rc.RunID) == "" {
		return errors.New("run id is required")
	}
	if NormalizeTrigger(string(rc.Trigger)) == "" {
		return errors.New("trigger must be one of: merge_request, push, manual")
	}
	if strings.TrimSpace(rc.Ref) == "" {
		return errors.New("ref is required")
	}
	if strings.TrimSpace(rc.Actor) == "" {
		return errors.New("actor is required")
	}
	switch rc.Trigger {
	case TriggerManual:
		if NormalizeAction(string(rc.Action)) == "" {
			return errors.New("manual dispatch requires an action: plan, apply, destroy")
		}
	case TriggerMergeRequest:
		if rc.MergeRequestIID <= 0 {
			return errors.New("merge_request trigger requires a merge request iid")
		}
	}
	return nil
}

// RunStatus is the derived status of a whole pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus enforces forward-only progression; terminal
// statuses never change.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunStatusPending:
		return 1
	case RunStatusRunning:
		return 2
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return 3
	default:
		return 0
	}
}

// JobStatus is the status of one job inside a run's DAG.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusCanceled  JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSkipped, JobStatusCanceled:
		return true
	default:
		return false
	}
}
