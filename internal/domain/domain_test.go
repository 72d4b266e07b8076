package domain

import (
	"testing"
	"time"
)

func TestNormalizeTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want Trigger
	}{
		{"merge_request", TriggerMergeRequest},
		{" Push ", TriggerPush},
		{"MANUAL", TriggerManual},
		{"schedule", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeTrigger(tc.in); got != tc.want {
			t.Fatalf("NormalizeTrigger(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRunContextValidate(t *testing.T) {
	base := RunContext{
		RunID:        "run-1",
		Trigger:      TriggerPush,
		Ref:          "main",
		CommitSHA:    "deadbeef",
		Actor:        "alice",
		DispatchedAt: time.Now().UTC(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	manual := base
	manual.Trigger = TriggerManual
	if err := manual.Validate(); err == nil {
		t.Fatalf("Validate() expected error for manual dispatch without action")
	}
	manual.Action = ActionDestroy
	if err := manual.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	mr := base
	mr.Trigger = TriggerMergeRequest
	if err := mr.Validate(); err == nil {
		t.Fatalf("Validate() expected error for merge_request without iid")
	}
	mr.MergeRequestIID = 42
	if err := mr.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestPlanOutcomeSucceeded(t *testing.T) {
	if !PlanOutcomeSuccess.Succeeded() {
		t.Fatalf("success should count as succeeded")
	}
	if !PlanOutcomeNoChanges.Succeeded() {
		t.Fatalf("no_changes should count as succeeded")
	}
	if PlanOutcomeFailure.Succeeded() {
		t.Fatalf("failure should not count as succeeded")
	}
}

func TestCanTransitionApplyState(t *testing.T) {
	tests := []struct {
		current ApplyState
		next    ApplyState
		want    bool
	}{
		{ApplyStateStart, ApplyStateChoosePath, true},
		{ApplyStateChoosePath, ApplyStateApplying, true},
		{ApplyStateApplying, ApplyStateDone, true},
		{ApplyStateStart, ApplyStateApplying, false},
		{ApplyStateDone, ApplyStateApplying, false},
		{ApplyStateApplying, ApplyStateApplying, true},
		{"", ApplyStateDone, false},
	}
	for _, tc := range tests {
		if got := CanTransitionApplyState(tc.current, tc.next); got != tc.want {
			t.Fatalf("CanTransitionApplyState(%q,%q)=%v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestCanTransitionRunStatus_TerminalIsSticky(t *testing.T) {
	if CanTransitionRunStatus(RunStatusFailed, RunStatusRunning) {
		t.Fatalf("failed run must not go back to running")
	}
	if CanTransitionRunStatus(RunStatusCanceled, RunStatusSucceeded) {
		t.Fatalf("canceled run must not become succeeded")
	}
	if !CanTransitionRunStatus(RunStatusRunning, RunStatusFailed) {
		t.Fatalf("running -> failed must be allowed")
	}
}

func TestApplyPathNames(t *testing.T) {
	var exact ApplyPath = ExactApply{Handle: ArtifactHandle{Key: "k", SHA256: "s"}}
	var auto ApplyPath = AutoApply{}
	if exact.Name() != "exact" {
		t.Fatalf("ExactApply.Name()=%q, want exact", exact.Name())
	}
	if auto.Name() != "auto" {
		t.Fatalf("AutoApply.Name()=%q, want auto", auto.Name())
	}
}

func TestDeploymentRecordValidate(t *testing.T) {
	rec := DeploymentRecord{
		DeploymentID: "dep-1",
		RunID:        "run-1",
		Outcome:      DeploymentOutcomeSuccess,
		Stack:        "zones/prod",
		ToolVersion:  "1.7.2",
		Actor:        "alice",
		CommitSHA:    "deadbeef",
		ApplyPath:    "exact",
		CreatedAt:    time.Now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	rec.Outcome = "partial"
	if err := rec.Validate(); err == nil {
		t.Fatalf("Validate() expected error for unknown outcome")
	}
}
