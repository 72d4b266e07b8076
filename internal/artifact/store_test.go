package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zonepilot-labs/zonepilot-go/internal/domain"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/objectstore"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) key(bucket, key string) string { return bucket + "/" + key }

func (m *memStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[m.key(bucket, key)] = raw
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	raw, ok := m.objects[m.key(bucket, key)]
	if !ok {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("%w: %s/%s", objectstore.ErrNotFound, bucket, key)
	}
	info := objectstore.ObjectInfo{Key: key, Size: int64(len(raw)), LastModified: time.Now()}
	return io.NopCloser(bytes.NewReader(raw)), info, nil
}

func (m *memStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	raw, ok := m.objects[m.key(bucket, key)]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%w: %s/%s", objectstore.ErrNotFound, bucket, key)
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(raw))}, nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	delete(m.objects, m.key(bucket, key))
	return nil
}

func writePlanFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tfplan.binary")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write plan file: %v", err)
	}
	return path
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	store, err := NewStore(newMemStore(), "plan-artifacts")
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	content := []byte("binary plan bytes")
	src := writePlanFile(t, content)

	handle, err := store.Upload(context.Background(), "run-1", src)
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}
	if handle.Key != KeyForRun("run-1") {
		t.Fatalf("handle key=%q, want %q", handle.Key, KeyForRun("run-1"))
	}
	if handle.Size != int64(len(content)) {
		t.Fatalf("handle size=%d, want %d", handle.Size, len(content))
	}

	dest := t.TempDir()
	path, found, err := store.Download(context.Background(), handle, dest)
	if err != nil {
		t.Fatalf("Download() err=%v", err)
	}
	if !found {
		t.Fatalf("Download() found=false, want true")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded plan: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded plan differs from uploaded plan")
	}
}

func TestDownload_AbsentIsNotAnError(t *testing.T) {
	store, err := NewStore(newMemStore(), "plan-artifacts")
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	handle := domain.ArtifactHandle{Key: KeyForRun("run-gone"), SHA256: "abc", Size: 3}

	path, found, err := store.Download(context.Background(), handle, t.TempDir())
	if err != nil {
		t.Fatalf("Download() err=%v, want nil for absent artifact", err)
	}
	if found {
		t.Fatalf("Download() found=true, want false")
	}
	if path != "" {
		t.Fatalf("Download() path=%q, want empty", path)
	}
}

func TestDownload_DigestMismatch(t *testing.T) {
	mem := newMemStore()
	store, err := NewStore(mem, "plan-artifacts")
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	src := writePlanFile(t, []byte("original"))
	handle, err := store.Upload(context.Background(), "run-2", src)
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}

	mem.objects["plan-artifacts/"+handle.Key] = []byte("tampered")

	_, _, err = store.Download(context.Background(), handle, t.TempDir())
	if err == nil {
		t.Fatalf("Download() expected digest mismatch error")
	}
}
