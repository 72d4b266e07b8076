package domain

import (
	"errors"
	"strings"
	"time"
)

// DeploymentRecord is the write-once summary emitted when an apply
// run completes. Append-only; there is no update path.
type DeploymentRecord struct {
	DeploymentID string
	RunID        string
	Outcome      string
	Stack        string
	ToolVersion  string
	Actor        string
	CommitSHA    string
	ApplyPath    string
	CreatedAt    time.Time
}

const (
	DeploymentOutcomeSuccess = "success"
	DeploymentOutcomeFailure = "failure"
)

func (d DeploymentRecord) Validate() error {
	if strings.TrimSpace(d.DeploymentID) == "" {
		return errors.New("deployment id is required")
	}
	if strings.TrimSpace(d.RunID) == "" {
		return errors.New("run id is required")
	}
	switch d.Outcome {
	case DeploymentOutcomeSuccess, DeploymentOutcomeFailure:
	default:
		return errors.New("outcome must be success or failure")
	}
	if strings.TrimSpace(d.Stack) == "" {
		return errors.New("stack is required")
	}
	if strings.TrimSpace(d.Actor) == "" {
		return errors.New("actor is required")
	}
	return nil
}
