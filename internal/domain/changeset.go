package domain

import (
	"errors"
	"strings"
)

// PlanOutcome is the tri-state result of a plan operation.
type PlanOutcome string

const (
	PlanOutcomeSuccess   PlanOutcome = "success"
	PlanOutcomeFailure   PlanOutcome = "failure"
	PlanOutcomeNoChanges PlanOutcome = "no_changes"
)

// Succeeded reports whether the plan step itself completed, changes or
// not. A clean no-op plan still counts as a successful step.
func (o PlanOutcome) Succeeded() bool {
	return o == PlanOutcomeSuccess || o == PlanOutcomeNoChanges
}

// ArtifactHandle addresses an uploaded binary plan in the artifact
// store. The SHA256 pins the exact bytes that were reviewed.
type ArtifactHandle struct {
	Key    string
	SHA256 string
	Size   int64
}

func (h ArtifactHandle) Validate() error {
	if strings.TrimSpace(h.Key) == "" {
		return errors.New("artifact key is required")
	}
	if strings.TrimSpace(h.SHA256) == "" {
		return errors.New("artifact sha256 is required")
	}
	return nil
}

// ChangeSet is the output of a plan operation. Immutable once
// produced; consumed by at most one apply. The artifact handle is set
// only when the plan succeeded and the binary plan was uploaded.
type ChangeSet struct {
	RunID    string
	Outcome  PlanOutcome
	DiffText string
	Handle   *ArtifactHandle
}
