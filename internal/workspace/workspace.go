// Package workspace materializes the zone repository for a run. Each
// run gets its own checkout at the run's commit, isolated from every
// other run, so concurrent jobs never share tool state.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
)

type Manager struct {
	baseDir string
	repoURL string
	auth    *githttp.BasicAuth
	logger  *slog.Logger
}

// NewManager prepares per-run checkouts under baseDir. token may be
// empty for anonymous or local repositories.
func NewManager(baseDir, repoURL, token string, logger *slog.Logger) (*Manager, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("workspace base dir is required")
	}
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return nil, errors.New("repository url is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{baseDir: baseDir, repoURL: repoURL, logger: logger}
	if token = strings.TrimSpace(token); token != "" {
		// GitLab project tokens authenticate over HTTPS with the
		// oauth2 pseudo-user.
		m.auth = &githttp.BasicAuth{Username: "oauth2", Password: token}
	}
	return m, nil
}

// Dir is where a run's checkout lives.
func (m *Manager) Dir(runID string) string {
	return filepath.Join(m.baseDir, runID)
}

// Materialize clones the repository and checks out the run's commit
// (or ref tip when no commit is pinned). Returns the checkout path.
func (m *Manager) Materialize(ctx context.Context, run domain.RunContext) (string, error) {
	dir := m.Dir(run.RunID)
	if _, err := os.Stat(dir); err == nil {
		// A retried job reuses the existing checkout.
		return dir, nil
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        m.repoURL,
		Auth:       m.auth,
		NoCheckout: true,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", m.repoURL, err)
	}

	// Merge-request head refs are not fetched by a default clone.
	if ref := strings.TrimSpace(run.Ref); strings.HasPrefix(ref, "refs/") {
		spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))
		err := repo.FetchContext(ctx, &git.FetchOptions{Auth: m.auth, RefSpecs: []gitconfig.RefSpec{spec}})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("fetch %s: %w", ref, err)
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	checkout := &git.CheckoutOptions{Force: true}
	if sha := strings.TrimSpace(run.CommitSHA); sha != "" {
		checkout.Hash = plumbing.NewHash(sha)
	} else if ref := strings.TrimSpace(run.Ref); strings.HasPrefix(ref, "refs/") {
		checkout.Branch = plumbing.ReferenceName(ref)
	} else if ref != "" {
		checkout.Branch = plumbing.NewBranchReferenceName(ref)
	}
	if err := worktree.Checkout(checkout); err != nil {
		return "", fmt.Errorf("checkout %s: %w", run.CommitSHA, err)
	}

	m.logger.Info("workspace materialized",
		"run_id", run.RunID,
		"dir", dir,
		"ref", run.Ref,
		"commit_sha", run.CommitSHA,
	)
	return dir, nil
}

// Cleanup removes a run's checkout. Missing directories are fine.
func (m *Manager) Cleanup(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := os.RemoveAll(m.Dir(runID)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
