// Package artifact hands binary plan files from the plan job to the
// apply job through S3-compatible object storage, keyed by run.
// Absence on download is a normal outcome: retention expires plans
// after one day, and non-PR runs never produce one.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/objectstore"
)

const planContentType = "application/octet-stream"

type Store struct {
	store  objectstore.Store
	bucket string
}

func NewStore(store objectstore.Store, bucket string) (*Store, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{store: store, bucket: bucket}, nil
}

// KeyForRun is the deterministic object key a run's plan lives under.
func KeyForRun(runID string) string {
	return "runs/" + runID + "/tfplan.binary"
}

// Upload stores the plan file produced for runID and returns a handle
// pinning its exact content.
func (s *Store) Upload(ctx context.Context, runID string, path string) (domain.ArtifactHandle, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ArtifactHandle{}, errors.New("run id is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ArtifactHandle{}, fmt.Errorf("read plan file: %w", err)
	}
	sum := sha256.Sum256(raw)

	handle := domain.ArtifactHandle{
		Key:    KeyForRun(runID),
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(raw)),
	}
	if err := s.store.Put(ctx, s.bucket, handle.Key, bytes.NewReader(raw), handle.Size, planContentType); err != nil {
		return domain.ArtifactHandle{}, fmt.Errorf("upload plan: %w", err)
	}
	return handle, nil
}

// Download materializes the plan addressed by handle into destDir.
// found=false with a nil error means the artifact is gone (expired or
// never produced) — callers fall back to auto-apply.
func (s *Store) Download(ctx context.Context, handle domain.ArtifactHandle, destDir string) (string, bool, error) {
	if err := handle.Validate(); err != nil {
		return "", false, err
	}

	body, _, err := s.store.Get(ctx, s.bucket, handle.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("download plan: %w", err)
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", false, fmt.Errorf("read plan object: %w", err)
	}

	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != handle.SHA256 {
		return "", false, fmt.Errorf("plan artifact digest mismatch: got %s, want %s", got, handle.SHA256)
	}

	path := filepath.Join(destDir, filepath.Base(handle.Key))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", false, fmt.Errorf("write plan file: %w", err)
	}
	return path, true, nil
}
