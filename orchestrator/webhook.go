package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/gate"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/auditlog"
)

const (
	gitlabHeaderToken = "X-Gitlab-Token"
	gitlabHeaderEvent = "X-Gitlab-Event"

	gitlabEventMergeRequest = "Merge Request Hook"
	gitlabEventPush         = "Push Hook"

	gitlabZeroSHA = "0000000000000000000000000000000000000000"
)

type gitlabMergeRequestEvent struct {
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		IID          int64  `json:"iid"`
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
}

type gitlabPushEvent struct {
	Ref          string `json:"ref"`
	After        string `json:"after"`
	CheckoutSHA  string `json:"checkout_sha"`
	UserUsername string `json:"user_username"`
}

// handleGitlabWebhook is the single ingress for repository events. A
// merge request event dispatches a verify run against the source
// branch; a push to the main branch dispatches a deploy run. Every
// other event is acknowledged and dropped so GitLab does not retry.
func (api *orchestratorAPI) handleGitlabWebhook(w http.ResponseWriter, r *http.Request) {
	if api.gitlabWebhookSecret == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	token := strings.TrimSpace(r.Header.Get(gitlabHeaderToken))
	if token == "" {
		api.auditWebhookReject(r, "missing_token")
		api.writeError(w, r, http.StatusUnauthorized, "gitlab_token_required")
		return
	}
	if token != api.gitlabWebhookSecret {
		api.auditWebhookReject(r, "invalid_token")
		api.writeError(w, r, http.StatusUnauthorized, "gitlab_token_invalid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		api.auditWebhookReject(r, "body_read_failed")
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	switch strings.TrimSpace(r.Header.Get(gitlabHeaderEvent)) {
	case gitlabEventMergeRequest:
		api.handleMergeRequestEvent(w, r, body)
	case gitlabEventPush:
		api.handlePushEvent(w, r, body)
	default:
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	}
}

func (api *orchestratorAPI) handleMergeRequestEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var event gitlabMergeRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		api.auditWebhookReject(r, "invalid_json")
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	switch event.ObjectAttributes.Action {
	case "open", "reopen", "update":
	default:
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	if event.ObjectAttributes.IID <= 0 || strings.TrimSpace(event.ObjectAttributes.SourceBranch) == "" {
		api.auditWebhookReject(r, "invalid_payload")
		api.writeError(w, r, http.StatusBadRequest, "invalid_payload")
		return
	}

	run := domain.RunContext{
		RunID:           uuid.NewString(),
		Trigger:         domain.TriggerMergeRequest,
		Ref:             event.ObjectAttributes.SourceBranch,
		CommitSHA:       strings.TrimSpace(event.ObjectAttributes.LastCommit.ID),
		Actor:           webhookActor(event.User.Username),
		MergeRequestIID: event.ObjectAttributes.IID,
		DispatchedAt:    time.Now().UTC(),
	}
	api.dispatchWebhookRun(w, r, run)
}

func (api *orchestratorAPI) handlePushEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var event gitlabPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		api.auditWebhookReject(r, "invalid_json")
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	branch := strings.TrimPrefix(strings.TrimSpace(event.Ref), "refs/heads/")
	after := strings.TrimSpace(event.After)
	// Branch deletions push the zero SHA; only the main branch deploys.
	if branch != api.mainBranch || after == "" || after == gitlabZeroSHA {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	run := domain.RunContext{
		RunID:        uuid.NewString(),
		Trigger:      domain.TriggerPush,
		Ref:          branch,
		CommitSHA:    after,
		Actor:        webhookActor(event.UserUsername),
		DispatchedAt: time.Now().UTC(),
	}
	api.dispatchWebhookRun(w, r, run)
}

func (api *orchestratorAPI) dispatchWebhookRun(w http.ResponseWriter, r *http.Request, run domain.RunContext) {
	if err := api.engine.Dispatch(r.Context(), run); err != nil {
		if errors.Is(err, gate.ErrEntryDenied) {
			api.auditWebhookReject(r, "apply_entry_denied")
			api.writeError(w, r, http.StatusUnprocessableEntity, "apply_entry_denied")
			return
		}
		api.logger.Error("dispatch webhook run",
			"run_id", run.RunID,
			"trigger", string(run.Trigger),
			"error", err,
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, run.Actor, "run.dispatched", "run", run.RunID, map[string]any{
		"trigger":           string(run.Trigger),
		"ref":               run.Ref,
		"commit_sha":        run.CommitSHA,
		"merge_request_iid": run.MergeRequestIID,
	})
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "dispatched",
		"run_id": run.RunID,
	})
}

func (api *orchestratorAPI) auditWebhookReject(r *http.Request, reason string) {
	if api.db == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "gitlab",
		Action:       "gitlab_webhook.reject",
		ResourceType: "gitlab_webhook",
		ResourceID:   r.Header.Get(gitlabHeaderEvent),
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"reason": reason,
		},
	})
	if err != nil {
		api.logger.Error("webhook reject audit failed", "reason", reason, "error", err)
	}
}

func webhookActor(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return "gitlab"
	}
	return username
}
