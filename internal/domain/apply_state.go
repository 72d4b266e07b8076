package domain

import "strings"

// ApplyState tracks the apply executor through its lifecycle.
type ApplyState string

const (
	ApplyStateStart      ApplyState = "start"
	ApplyStateChoosePath ApplyState = "choose_path"
	ApplyStateApplying   ApplyState = "applying"
	ApplyStateDone       ApplyState = "done"
)

func NormalizeApplyState(value string) ApplyState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ApplyStateStart):
		return ApplyStateStart
	case string(ApplyStateChoosePath):
		return ApplyStateChoosePath
	case string(ApplyStateApplying):
		return ApplyStateApplying
	case string(ApplyStateDone):
		return ApplyStateDone
	default:
		return ""
	}
}

// CanTransitionApplyState enforces the forward-only executor
// progression start -> choose_path -> applying -> done.
func CanTransitionApplyState(current, next ApplyState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return applyStateOrder(current)+1 == applyStateOrder(next)
}

func applyStateOrder(state ApplyState) int {
	switch state {
	case ApplyStateStart:
		return 1
	case ApplyStateChoosePath:
		return 2
	case ApplyStateApplying:
		return 3
	case ApplyStateDone:
		return 4
	default:
		return 0
	}
}
