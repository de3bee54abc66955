package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return backend
}

func TestPutAndGetObject(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	content := "Hello, ringvault!"
	etag, err := backend.PutObject(ctx, "casstestbackup/us-east-1/app/file.db", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if !strings.HasPrefix(etag, `"`) || !strings.HasSuffix(etag, `"`) {
		t.Errorf("ETag not quoted: %q", etag)
	}

	reader, size, err := backend.GetObject(ctx, "casstestbackup/us-east-1/app/file.db")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != content || size != int64(len(content)) {
		t.Errorf("got %q (%d)", data, size)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Join(backend.RootDir, ".tmp"))
	if len(entries) != 0 {
		t.Errorf("%d temp files left", len(entries))
	}
}

func TestGetObjectNotFound(t *testing.T) {
	backend := newTestBackend(t)
	if _, _, err := backend.GetObject(context.Background(), "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", ".tmp/x", ".parts/x", ".lifecycle.yaml"} {
		if _, err := backend.PutObject(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) should fail", key)
		}
	}
}

func TestDeleteObjectsPrunesDirectories(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	for _, k := range []string{"a/b/c/1", "a/b/c/2"} {
		if _, err := backend.PutObject(ctx, k, strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := backend.DeleteObjects(ctx, []string{"a/b/c/1", "a/b/c/2", "never"}); err != nil {
		t.Fatalf("DeleteObjects: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.RootDir, "a")); !os.IsNotExist(err) {
		t.Error("empty parent directories should be removed")
	}
	exists, err := backend.ObjectExists(ctx, "a/b/c/1")
	if err != nil || exists {
		t.Errorf("ObjectExists = %v, %v", exists, err)
	}
}

func TestListObjects(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	keys := []string{"instances/app/us-east-1/1", "instances/app/us-east-1/2", "instances/app/us-west-2/3", "instances/other/us-east-1/1", "backup/x"}
	for _, k := range keys {
		if _, err := backend.PutObject(ctx, k, strings.NewReader("{}"), 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := backend.PutRetentionRules(ctx, []RetentionRule{{ID: "p", Prefix: "p", ExpirationDays: 1, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.CreateMultipartUpload(ctx, "backup/y"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{"instances/app/", []string{"instances/app/us-east-1/1", "instances/app/us-east-1/2", "instances/app/us-west-2/3"}},
		{"instances/app/us-east", []string{"instances/app/us-east-1/1", "instances/app/us-east-1/2"}},
		{"instances/missing/", nil},
		{"", []string{"backup/x", "instances/app/us-east-1/1", "instances/app/us-east-1/2", "instances/app/us-west-2/3", "instances/other/us-east-1/1"}},
	}
	for _, tt := range tests {
		got := collectKeys(t, backend, tt.prefix)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("ListObjects(%q) = %v, want %v", tt.prefix, got, tt.want)
		}
	}
}

func TestLocalMultipartUpload(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	uploadID, err := backend.CreateMultipartUpload(ctx, "big/file")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	var parts []CompletedPart
	for _, n := range []int{3, 1, 2} {
		etag, err := backend.UploadPart(ctx, "big/file", uploadID, n, strings.NewReader(fmt.Sprint(n)), 1)
		if err != nil {
			t.Fatalf("UploadPart: %v", err)
		}
		parts = append(parts, CompletedPart{PartNumber: n, ETag: etag})
	}
	if err := backend.CompleteMultipartUpload(ctx, "big/file", uploadID, parts); err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(backend.RootDir, "big", "file"))
	if err != nil || string(data) != "123" {
		t.Fatalf("assembled = %q, %v", data, err)
	}
	if _, err := os.Stat(backend.partDir(uploadID)); !os.IsNotExist(err) {
		t.Error("part directory should be removed after completion")
	}
}

func TestLocalAbortMultipartUpload(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	uploadID, _ := backend.CreateMultipartUpload(ctx, "big/file")
	if _, err := backend.UploadPart(ctx, "big/file", uploadID, 1, strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if err := backend.AbortMultipartUpload(ctx, "big/file", uploadID); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	if _, err := backend.UploadPart(ctx, "big/file", uploadID, 2, strings.NewReader("x"), 1); err == nil {
		t.Error("UploadPart after abort should fail")
	}
}

func TestLocalRetentionRules(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	rules, err := backend.GetRetentionRules(ctx)
	if err != nil || len(rules) != 0 {
		t.Fatalf("initial rules = %v, %v", rules, err)
	}

	want := []RetentionRule{{ID: "casstestbackup/us-east-1/app/", Prefix: "casstestbackup/us-east-1/app/", ExpirationDays: 5, Enabled: true}}
	if err := backend.PutRetentionRules(ctx, want); err != nil {
		t.Fatalf("PutRetentionRules: %v", err)
	}
	got, err := backend.GetRetentionRules(ctx)
	if err != nil || len(got) != 1 || got[0] != want[0] {
		t.Fatalf("rules = %+v, %v", got, err)
	}

	if err := backend.PutRetentionRules(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(backend.RootDir, ".lifecycle.yaml")); !os.IsNotExist(err) {
		t.Error("lifecycle file should be removed when no rules remain")
	}
}

func TestCleanTempFiles(t *testing.T) {
	backend := newTestBackend(t)
	stale := filepath.Join(backend.RootDir, ".tmp", "tmp-stale")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := backend.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file should be removed")
	}
}
