package notify

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/scanner"
)

type fakeClient struct {
	comments []Comment
	nextID   int64
	creates  int
	updates  int
}

func (f *fakeClient) ListComments(ctx context.Context, mergeRequestIID int64) ([]Comment, error) {
	out := make([]Comment, len(f.comments))
	copy(out, f.comments)
	return out, nil
}

func (f *fakeClient) CreateComment(ctx context.Context, mergeRequestIID int64, body string) (Comment, error) {
	f.nextID++
	f.creates++
	comment := Comment{ID: f.nextID, Body: body}
	comment.Author.Username = "zonepilot-bot"
	f.comments = append(f.comments, comment)
	return comment, nil
}

func (f *fakeClient) UpdateComment(ctx context.Context, mergeRequestIID int64, commentID int64, body string) (Comment, error) {
	f.updates++
	for i := range f.comments {
		if f.comments[i].ID == commentID {
			f.comments[i].Body = body
			return f.comments[i], nil
		}
	}
	return Comment{}, &APIError{StatusCode: 404}
}

func newTestNotifier(t *testing.T, client CommentClient) *Notifier {
	t.Helper()
	n, err := NewNotifier(client, "zonepilot-bot", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewNotifier() err=%v", err)
	}
	return n
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	client := &fakeClient{}
	n := newTestNotifier(t, client)

	action, err := n.Upsert(context.Background(), 7, CategoryPlanReport, "first body")
	if err != nil {
		t.Fatalf("Upsert() err=%v", err)
	}
	if action != ActionCreated {
		t.Fatalf("action=%q, want created", action)
	}

	action, err = n.Upsert(context.Background(), 7, CategoryPlanReport, "second body")
	if err != nil {
		t.Fatalf("Upsert() second err=%v", err)
	}
	if action != ActionUpdated {
		t.Fatalf("action=%q, want updated", action)
	}
	if client.creates != 1 || client.updates != 1 {
		t.Fatalf("creates=%d updates=%d, want 1/1", client.creates, client.updates)
	}
	if len(client.comments) != 1 {
		t.Fatalf("len(comments)=%d, want exactly one per category", len(client.comments))
	}
	if !strings.Contains(client.comments[0].Body, "second body") {
		t.Fatalf("comment body not refreshed: %q", client.comments[0].Body)
	}
}

func TestUpsertCategoriesAreIndependent(t *testing.T) {
	client := &fakeClient{}
	n := newTestNotifier(t, client)

	if _, err := n.Upsert(context.Background(), 7, CategoryPlanReport, "plan"); err != nil {
		t.Fatalf("Upsert(plan) err=%v", err)
	}
	if _, err := n.Upsert(context.Background(), 7, CategorySecurityReport, "security"); err != nil {
		t.Fatalf("Upsert(security) err=%v", err)
	}
	if len(client.comments) != 2 {
		t.Fatalf("len(comments)=%d, want one per category", len(client.comments))
	}

	// Refreshing one category must leave the other alone.
	if _, err := n.Upsert(context.Background(), 7, CategoryPlanReport, "plan v2"); err != nil {
		t.Fatalf("Upsert(plan v2) err=%v", err)
	}
	if !strings.Contains(client.comments[1].Body, "security") {
		t.Fatalf("security comment was clobbered: %q", client.comments[1].Body)
	}
}

func TestUpsertIgnoresForeignAndSystemComments(t *testing.T) {
	client := &fakeClient{}
	human := Comment{ID: 90, Body: "looks good " + Marker(CategoryPlanReport)}
	human.Author.Username = "reviewer"
	system := Comment{ID: 91, Body: Marker(CategoryPlanReport), System: true}
	system.Author.Username = "zonepilot-bot"
	client.comments = append(client.comments, human, system)
	client.nextID = 91
	n := newTestNotifier(t, client)

	action, err := n.Upsert(context.Background(), 7, CategoryPlanReport, "report")
	if err != nil {
		t.Fatalf("Upsert() err=%v", err)
	}
	if action != ActionCreated {
		t.Fatalf("action=%q, want created (foreign comments must not match)", action)
	}
	if client.comments[0].Body != human.Body {
		t.Fatalf("human comment was modified")
	}
}

func TestRenderPlanReport(t *testing.T) {
	run := domain.RunContext{
		RunID:     "run-1",
		Trigger:   domain.TriggerMergeRequest,
		Ref:       "refs/merge-requests/7/head",
		CommitSHA: "0123456789abcdef0123",
	}
	steps := []StepResult{
		{Name: "fmt", Status: domain.JobStatusSucceeded},
		{Name: "init", Status: domain.JobStatusSucceeded},
		{Name: "validate", Status: domain.JobStatusSucceeded},
		{Name: "plan", Status: domain.JobStatusSucceeded, Summary: "2 to add"},
	}
	change := &domain.ChangeSet{
		RunID:    "run-1",
		Outcome:  domain.PlanOutcomeSuccess,
		DiffText: "+ record www.example.com A 192.0.2.10",
	}

	body := RenderPlanReport(run, steps, change)
	if !strings.Contains(body, Marker(CategoryPlanReport)) {
		t.Fatalf("body missing category marker")
	}
	if !strings.Contains(body, "0123456789ab") {
		t.Fatalf("body missing short commit sha")
	}
	if !strings.Contains(body, "**plan**: ✅ passed — 2 to add") {
		t.Fatalf("body missing plan step line: %q", body)
	}
	if !strings.Contains(body, "record www.example.com") {
		t.Fatalf("body missing diff text")
	}
}

func TestRenderPlanReportNoChanges(t *testing.T) {
	change := &domain.ChangeSet{RunID: "run-2", Outcome: domain.PlanOutcomeNoChanges}
	body := RenderPlanReport(domain.RunContext{CommitSHA: "abc"}, nil, change)
	if !strings.Contains(body, "No changes") {
		t.Fatalf("body missing no-op wording: %q", body)
	}
}

func TestRenderSecurityReportOutcomes(t *testing.T) {
	run := domain.RunContext{CommitSHA: "abc"}
	cases := []struct {
		report scanner.Report
		want   string
	}{
		{scanner.Report{Outcome: scanner.OutcomePassed, Passed: 12}, "**passed**"},
		{scanner.Report{Outcome: scanner.OutcomeFindings, Passed: 10, Failed: 2}, "**findings**"},
		{scanner.Report{Outcome: scanner.OutcomeError, ExitCode: 3, Output: "boom"}, "**scanner error**"},
	}
	for _, tc := range cases {
		body := RenderSecurityReport(run, tc.report)
		if !strings.Contains(body, tc.want) {
			t.Fatalf("body=%q missing %q", body, tc.want)
		}
		if !strings.Contains(body, Marker(CategorySecurityReport)) {
			t.Fatalf("body missing category marker")
		}
	}
}
