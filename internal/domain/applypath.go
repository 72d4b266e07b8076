package domain

// ApplyPath is the two-variant choice an apply run makes: apply a
// stored, reviewed plan verbatim, or recompute and apply in one step.
// Modeled as a closed union so tests can inject either variant
// directly instead of probing the filesystem.
type ApplyPath interface {
	applyPath()
	Name() string
}

// ExactApply applies the stored binary plan addressed by Handle with
// no re-diff, guaranteeing the reviewed change set is what deploys.
type ExactApply struct {
	Handle ArtifactHandle
}

// AutoApply recomputes a plan and applies it immediately. The fallback
// when no artifact exists for the run.
type AutoApply struct{}

func (ExactApply) applyPath() {}
func (AutoApply) applyPath()  {}

func (ExactApply) Name() string { return "exact" }
func (AutoApply) Name() string  { return "auto" }
