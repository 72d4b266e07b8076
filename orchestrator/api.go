package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/gate"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/auditlog"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/auth"
	"github.com/zonepilot-labs/zonepilot-go/internal/repo"
)

type runDispatcher interface {
	Dispatch(ctx context.Context, run domain.RunContext) error
}

type orchestratorAPI struct {
	logger *slog.Logger
	db     *sql.DB

	engine      runDispatcher
	runs        repo.RunRepository
	approvals   repo.ApprovalRepository
	changeSets  repo.ChangeSetRepository
	deployments repo.DeploymentRepository

	gitlabWebhookSecret string
	mainBranch          string
}

func newOrchestratorAPI(
	logger *slog.Logger,
	db *sql.DB,
	engine runDispatcher,
	runs repo.RunRepository,
	approvals repo.ApprovalRepository,
	changeSets repo.ChangeSetRepository,
	deployments repo.DeploymentRepository,
	gitlabWebhookSecret string,
	mainBranch string,
) *orchestratorAPI {
	return &orchestratorAPI{
		logger:              logger,
		db:                  db,
		engine:              engine,
		runs:                runs,
		approvals:           approvals,
		changeSets:          changeSets,
		deployments:         deployments,
		gitlabWebhookSecret: strings.TrimSpace(gitlabWebhookSecret),
		mainBranch:          mainBranch,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleDispatchRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/change-set", api.handleGetRunChangeSet)
	mux.HandleFunc("GET /runs/{run_id}/deployment", api.handleGetRunDeployment)

	mux.HandleFunc("GET /approvals", api.handleListApprovals)
	mux.HandleFunc("GET /approvals/{approval_id}", api.handleGetApproval)
	mux.HandleFunc("POST /approvals/{approval_id}/approve", api.handleApprove)
	mux.HandleFunc("POST /approvals/{approval_id}/deny", api.handleDeny)

	mux.HandleFunc("GET /deployments", api.handleListDeployments)

	mux.HandleFunc("POST /webhooks/gitlab", api.handleGitlabWebhook)
}

type runResponse struct {
	RunID           string     `json:"run_id"`
	Trigger         string     `json:"trigger"`
	Ref             string     `json:"ref"`
	CommitSHA       string     `json:"commit_sha,omitempty"`
	Actor           string     `json:"actor"`
	MergeRequestIID int64      `json:"merge_request_iid,omitempty"`
	Action          string     `json:"action,omitempty"`
	DispatchedAt    time.Time  `json:"dispatched_at"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func runResponseFromRecord(record repo.RunRecord) runResponse {
	return runResponse{
		RunID:           record.Context.RunID,
		Trigger:         string(record.Context.Trigger),
		Ref:             record.Context.Ref,
		CommitSHA:       record.Context.CommitSHA,
		Actor:           record.Context.Actor,
		MergeRequestIID: record.Context.MergeRequestIID,
		Action:          string(record.Context.Action),
		DispatchedAt:    record.Context.DispatchedAt,
		Status:          string(record.Status),
		CreatedAt:       record.CreatedAt,
		FinishedAt:      record.FinishedAt,
	}
}

type dispatchRunRequest struct {
	Action    string `json:"action"`
	Ref       string `json:"ref,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// handleDispatchRun is the manual dispatch path. The action selector
// chooses the run shape: plan runs the verify DAG without commenting,
// apply and destroy enter the gated deploy DAG.
func (api *orchestratorAPI) handleDispatchRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req dispatchRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	action := domain.NormalizeAction(req.Action)
	if action == "" {
		api.writeError(w, r, http.StatusBadRequest, "action_required")
		return
	}
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		ref = api.mainBranch
	}

	run := domain.RunContext{
		RunID:        uuid.NewString(),
		Trigger:      domain.TriggerManual,
		Ref:          ref,
		CommitSHA:    strings.TrimSpace(req.CommitSHA),
		Actor:        identity.Subject,
		Action:       action,
		DispatchedAt: time.Now().UTC(),
	}
	if err := run.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run")
		return
	}

	if err := api.engine.Dispatch(r.Context(), run); err != nil {
		if errors.Is(err, gate.ErrEntryDenied) {
			api.writeError(w, r, http.StatusUnprocessableEntity, "apply_entry_denied")
			return
		}
		api.logger.Error("dispatch run", "run_id", run.RunID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, identity.Subject, "run.dispatched", "run", run.RunID, map[string]any{
		"trigger": string(run.Trigger),
		"action":  string(run.Action),
		"ref":     run.Ref,
	})
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "dispatched",
		"run_id": run.RunID,
	})
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Status: domain.RunStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Ref:    strings.TrimSpace(r.URL.Query().Get("ref")),
		Limit:  parseIntQuery(r, "limit", 100),
	}
	records, err := api.runs.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(records))
	for _, record := range records {
		out = append(out, runResponseFromRecord(record))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := api.runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runResponseFromRecord(record))
}

type artifactResponse struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type changeSetResponse struct {
	RunID     string            `json:"run_id"`
	CommitSHA string            `json:"commit_sha,omitempty"`
	Outcome   string            `json:"outcome"`
	DiffText  string            `json:"diff_text,omitempty"`
	Artifact  *artifactResponse `json:"artifact,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (api *orchestratorAPI) handleGetRunChangeSet(w http.ResponseWriter, r *http.Request) {
	record, err := api.changeSets.GetForRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get change set", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := changeSetResponse{
		RunID:     record.RunID,
		CommitSHA: record.CommitSHA,
		Outcome:   string(record.Outcome),
		DiffText:  record.DiffText,
		CreatedAt: record.CreatedAt,
	}
	if record.Handle != nil {
		out.Artifact = &artifactResponse{
			Key:    record.Handle.Key,
			SHA256: record.Handle.SHA256,
			Size:   record.Handle.Size,
		}
	}
	api.writeJSON(w, http.StatusOK, out)
}

type deploymentResponse struct {
	DeploymentID string    `json:"deployment_id"`
	RunID        string    `json:"run_id"`
	Outcome      string    `json:"outcome"`
	Stack        string    `json:"stack"`
	ToolVersion  string    `json:"tool_version,omitempty"`
	Actor        string    `json:"actor"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	ApplyPath    string    `json:"apply_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func deploymentResponseFromRecord(record domain.DeploymentRecord) deploymentResponse {
	return deploymentResponse{
		DeploymentID: record.DeploymentID,
		RunID:        record.RunID,
		Outcome:      record.Outcome,
		Stack:        record.Stack,
		ToolVersion:  record.ToolVersion,
		Actor:        record.Actor,
		CommitSHA:    record.CommitSHA,
		ApplyPath:    record.ApplyPath,
		CreatedAt:    record.CreatedAt,
	}
}

func (api *orchestratorAPI) handleGetRunDeployment(w http.ResponseWriter, r *http.Request) {
	record, err := api.deployments.GetForRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get deployment", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, deploymentResponseFromRecord(record))
}

func (api *orchestratorAPI) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	records, err := api.deployments.List(r.Context(), parseIntQuery(r, "limit", 100))
	if err != nil {
		api.logger.Error("list deployments", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]deploymentResponse, 0, len(records))
	for _, record := range records {
		out = append(out, deploymentResponseFromRecord(record))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

type approvalResponse struct {
	ApprovalID  string     `json:"approval_id"`
	RunID       string     `json:"run_id"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	RequestedBy string     `json:"requested_by"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func approvalResponseFromRecord(approval domain.Approval) approvalResponse {
	return approvalResponse{
		ApprovalID:  approval.ApprovalID,
		RunID:       approval.RunID,
		Environment: approval.Environment,
		Status:      string(approval.Status),
		RequestedAt: approval.RequestedAt,
		RequestedBy: approval.RequestedBy,
		DecidedAt:   approval.DecidedAt,
		DecidedBy:   approval.DecidedBy,
		Reason:      approval.Reason,
	}
}

func (api *orchestratorAPI) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	records, err := api.approvals.List(r.Context(), parseIntQuery(r, "limit", 100))
	if err != nil {
		api.logger.Error("list approvals", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]approvalResponse, 0, len(records))
	for _, record := range records {
		out = append(out, approvalResponseFromRecord(record))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

func (api *orchestratorAPI) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := api.approvals.Get(r.Context(), r.PathValue("approval_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get approval", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, approvalResponseFromRecord(approval))
}

type resolveApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *orchestratorAPI) handleApprove(w http.ResponseWriter, r *http.Request) {
	api.resolveApproval(w, r, domain.ApprovalStatusApproved)
}

func (api *orchestratorAPI) handleDeny(w http.ResponseWriter, r *http.Request) {
	api.resolveApproval(w, r, domain.ApprovalStatusDenied)
}

// resolveApproval decides a pending approval. The store enforces both
// gate rules atomically: only pending approvals resolve, and the actor
// who requested the deployment cannot decide it.
func (api *orchestratorAPI) resolveApproval(w http.ResponseWriter, r *http.Request, status domain.ApprovalStatus) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req resolveApprovalRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	approvalID := r.PathValue("approval_id")
	approval, err := api.approvals.Resolve(r.Context(), approvalID, status, identity.Subject, strings.TrimSpace(req.Reason))
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, repo.ErrApprovalNotPending):
			api.writeError(w, r, http.StatusConflict, "approval_not_pending")
		case errors.Is(err, repo.ErrSameReviewer):
			api.writeError(w, r, http.StatusForbidden, "second_reviewer_required")
		default:
			api.logger.Error("resolve approval", "approval_id", approvalID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.audit(r, identity.Subject, "approval."+string(status), "approval", approval.ApprovalID, map[string]any{
		"run_id":      approval.RunID,
		"environment": approval.Environment,
		"reason":      approval.Reason,
	})
	api.writeJSON(w, http.StatusOK, approvalResponseFromRecord(approval))
}

func (api *orchestratorAPI) audit(r *http.Request, actor, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Error("audit insert failed", "action", action, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
