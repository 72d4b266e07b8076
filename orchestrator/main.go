package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/artifact"
	"github.com/zonepilot-labs/zonepilot-go/internal/config"
	"github.com/zonepilot-labs/zonepilot-go/internal/gate"
	"github.com/zonepilot-labs/zonepilot-go/internal/notify"
	"github.com/zonepilot-labs/zonepilot-go/internal/pipeline"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/auditlog"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/auth"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/env"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/httpserver"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/metrics"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/objectstore"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/postgres"
	repopg "github.com/zonepilot-labs/zonepilot-go/internal/repo/postgres"
	"github.com/zonepilot-labs/zonepilot-go/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ZONEPILOT_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ZONEPILOT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	stackPath := env.String("ZONEPILOT_STACK_CONFIG", "zonepilot.yaml")
	stack, err := config.Load(stackPath)
	if err != nil {
		logger.Error("invalid stack config", "path", stackPath, "error", err)
		os.Exit(2)
	}

	providerToken, err := env.Require("ZONEPILOT_PROVIDER_TOKEN")
	if err != nil {
		logger.Error("missing provider token", "error", err)
		os.Exit(2)
	}

	gitlabWebhookSecret, err := env.Require("ZONEPILOT_GITLAB_WEBHOOK_SECRET")
	if err != nil {
		logger.Error("missing GitLab webhook secret", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	minioStore, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}
	artifacts, err := artifact.NewStore(minioStore, storeCfg.BucketPlans)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	runStore := repopg.NewRunStore(db)
	approvalStore := repopg.NewApprovalStore(db)
	changeSetStore := repopg.NewChangeSetStore(db)
	deploymentStore := repopg.NewDeploymentStore(db)

	pollInterval, err := env.Duration("ZONEPILOT_APPROVAL_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid approval poll interval", "error", err)
		os.Exit(2)
	}
	waitTimeout, err := env.Duration("ZONEPILOT_APPROVAL_WAIT_TIMEOUT", time.Hour)
	if err != nil {
		logger.Error("invalid approval wait timeout", "error", err)
		os.Exit(2)
	}
	approvalGate, err := gate.New(approvalStore, logger, gate.Config{
		PollInterval: pollInterval,
		WaitTimeout:  waitTimeout,
	})
	if err != nil {
		logger.Error("approval gate init failed", "error", err)
		os.Exit(2)
	}

	vcsToken := strings.TrimSpace(env.String("ZONEPILOT_VCS_TOKEN", ""))
	var notifier *notify.Notifier
	vcsBaseURL := strings.TrimSpace(env.String("ZONEPILOT_VCS_BASE_URL", ""))
	vcsProjectID := strings.TrimSpace(env.String("ZONEPILOT_VCS_PROJECT_ID", ""))
	if vcsBaseURL != "" && vcsProjectID != "" && vcsToken != "" {
		client, err := notify.NewGitLabClient(ctx, vcsBaseURL, vcsProjectID, vcsToken)
		if err != nil {
			logger.Error("invalid VCS config", "error", err)
			os.Exit(2)
		}
		botUsername := env.String("ZONEPILOT_VCS_BOT_USERNAME", "zonepilot-bot")
		notifier, err = notify.NewNotifier(client, botUsername, logger)
		if err != nil {
			logger.Error("notifier init failed", "error", err)
			os.Exit(2)
		}
	} else {
		logger.Info("merge request comments disabled", "reason", "VCS API not configured")
	}

	workspaceDir := env.String("ZONEPILOT_WORKSPACE_DIR", filepath.Join(os.TempDir(), "zonepilot-workspaces"))
	workspaces, err := workspace.NewManager(workspaceDir, stack.RepoURL, vcsToken, logger)
	if err != nil {
		logger.Error("workspace manager init failed", "error", err)
		os.Exit(2)
	}

	registry := metrics.New()

	engineDeps := pipeline.Deps{
		Stack:          stack,
		Workspaces:     workspaces,
		Artifacts:      artifacts,
		Gate:           approvalGate,
		Runs:           runStore,
		ChangeSets:     changeSetStore,
		Deployments:    deploymentStore,
		Metrics:        registry,
		Logger:         logger,
		ProvisionerFor: pipeline.DefaultProvisionerFor(stack, providerToken),
		ScannerFor:     pipeline.DefaultScannerFor(stack),
	}
	if notifier != nil {
		engineDeps.Notifier = notifier
	}
	engine, err := pipeline.NewEngine(engineDeps)
	if err != nil {
		logger.Error("pipeline engine init failed", "error", err)
		os.Exit(2)
	}

	var authenticator auth.Authenticator
	if strings.TrimSpace(env.String("ZONEPILOT_OIDC_ISSUER_URL", "")) != "" {
		oidcCfg, err := auth.OIDCConfigFromEnv()
		if err != nil {
			logger.Error("invalid OIDC config", "error", err)
			os.Exit(2)
		}
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, oidcCfg)
		if err != nil {
			logger.Error("OIDC provider unavailable", "error", err)
			os.Exit(1)
		}
		authenticator = oidcAuth
	} else {
		headersAuth, err := auth.NewGatewayHeadersAuthenticator(env.String("ZONEPILOT_INTERNAL_AUTH_SECRET", ""))
		if err != nil {
			logger.Error("invalid internal auth config", "error", err)
			os.Exit(2)
		}
		authenticator = headersAuth
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)
	mux.Handle("GET /metrics", registry.Handler())

	api := newOrchestratorAPI(
		logger,
		db,
		engine,
		runStore,
		approvalStore,
		changeSetStore,
		deploymentStore,
		gitlabWebhookSecret,
		stack.MainBranch,
	)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "orchestrator", event)
		},
		// GitLab authenticates webhooks with its own shared secret.
		SkipPrefixes: []string{"/healthz", "/readyz", "/metrics", "/webhooks/"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Let in-flight runs drain; a deploy with apply in progress is
	// never abandoned mid-apply.
	engine.Shutdown()
}
