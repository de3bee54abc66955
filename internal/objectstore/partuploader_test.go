package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	rverrors "github.com/ringvault/ringvault/internal/errors"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/storage"
)

// uploadCounts snapshots the multipart outcome counters.
type uploadCounts struct {
	success, failure, completeOK, completeFail float64
}

func multipartCounts() uploadCounts {
	return uploadCounts{
		success:      testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("multipart", metrics.ResultSuccess)),
		failure:      testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("multipart", metrics.ResultFailure)),
		completeOK:   testutil.ToFloat64(metrics.MultipartCompletionsTotal.WithLabelValues(metrics.ResultSuccess)),
		completeFail: testutil.ToFloat64(metrics.MultipartCompletionsTotal.WithLabelValues(metrics.ResultFailure)),
	}
}

func (c uploadCounts) since(before uploadCounts) uploadCounts {
	return uploadCounts{
		success:      c.success - before.success,
		failure:      c.failure - before.failure,
		completeOK:   c.completeOK - before.completeOK,
		completeFail: c.completeFail - before.completeFail,
	}
}

func TestSplitParts(t *testing.T) {
	tests := []struct {
		size, partSize int64
		want           string
	}{
		{size: 10, partSize: 4, want: "[{1 0 4 } {2 4 4 } {3 8 2 }]"},
		{size: 8, partSize: 4, want: "[{1 0 4 } {2 4 4 }]"},
		{size: 3, partSize: 4, want: "[{1 0 3 }]"},
		{size: 0, partSize: 4, want: "[{1 0 0 }]"},
		{size: 5, partSize: 0, want: "[{1 0 5 }]"},
	}
	for _, tt := range tests {
		if got := fmt.Sprint(SplitParts(tt.size, tt.partSize)); got != tt.want {
			t.Errorf("SplitParts(%d, %d) = %s, want %s", tt.size, tt.partSize, got, tt.want)
		}
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func TestPartUploaderCompletes(t *testing.T) {
	backend := storage.NewMemoryBackend()
	data := payload(100)
	before := multipartCounts()

	u := NewPartUploader(backend, "backup/big", PartOptions{PartSize: 16, Concurrency: 4, Attempts: 3})
	if err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := multipartCounts().since(before); got != (uploadCounts{success: 1, completeOK: 1}) {
		t.Errorf("counter deltas = %+v", got)
	}

	if u.State() != Completed {
		t.Errorf("state = %s", u.State())
	}
	got, ok := backend.Object("backup/big")
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("assembled object mismatch (ok=%v, %d bytes)", ok, len(got))
	}
	if backend.CompleteCalls != 1 || backend.AbortCalls != 0 || backend.PartAttempts != 7 {
		t.Errorf("complete=%d abort=%d parts=%d", backend.CompleteCalls, backend.AbortCalls, backend.PartAttempts)
	}

	list := backend.CompletedParts[0]
	if !sort.SliceIsSorted(list, func(i, j int) bool { return list[i].PartNumber < list[j].PartNumber }) {
		t.Errorf("completion list not sorted: %v", list)
	}
	for i, p := range list {
		if p.PartNumber != i+1 || p.ETag == "" {
			t.Errorf("part %d = %+v", i, p)
		}
	}
}

func TestPartUploaderRetriesTransientPartFailures(t *testing.T) {
	backend := storage.NewMemoryBackend()
	backend.FailParts = 2
	data := payload(40)

	u := NewPartUploader(backend, "k", PartOptions{PartSize: 20, Concurrency: 1, Attempts: 3})
	if err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if backend.PartAttempts != 4 {
		t.Errorf("part attempts = %d, want 4", backend.PartAttempts)
	}
}

func TestPartUploaderAllPartsFail(t *testing.T) {
	backend := storage.NewMemoryBackend()
	backend.FailParts = -1
	data := payload(64)
	before := multipartCounts()

	u := NewPartUploader(backend, "k", PartOptions{PartSize: 16, Concurrency: 1, Attempts: 3})
	err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data)))
	if !rverrors.IsKind(err, rverrors.PartUploadFailed) {
		t.Fatalf("err = %v, want PartUploadFailed", err)
	}
	if got := multipartCounts().since(before); got != (uploadCounts{failure: 1}) {
		t.Errorf("counter deltas = %+v", got)
	}
	if !errors.Is(err, storage.ErrInjected) {
		t.Errorf("err should wrap the part failure: %v", err)
	}
	var se *rverrors.StoreError
	if errors.As(err, &se) && se.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", se.Attempts)
	}
	if backend.CompleteCalls != 0 {
		t.Errorf("completion attempted %d times", backend.CompleteCalls)
	}
	if backend.AbortCalls != 1 || backend.OpenUploads() != 0 {
		t.Errorf("abort=%d open=%d", backend.AbortCalls, backend.OpenUploads())
	}
	if backend.PartAttempts != 3 {
		t.Errorf("part attempts = %d, want 3", backend.PartAttempts)
	}
	if u.State() != Aborted {
		t.Errorf("state = %s", u.State())
	}
}

func TestPartUploaderCompletionFails(t *testing.T) {
	backend := storage.NewMemoryBackend()
	backend.FailComplete = -1
	data := payload(32)
	before := multipartCounts()

	u := NewPartUploader(backend, "k", PartOptions{PartSize: 16, Concurrency: 2, Attempts: 4})
	err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data)))
	if !rverrors.IsKind(err, rverrors.CompletionFailed) {
		t.Fatalf("err = %v, want CompletionFailed", err)
	}
	// Four failed attempts count as one failed completion.
	if got := multipartCounts().since(before); got != (uploadCounts{failure: 1, completeFail: 1}) {
		t.Errorf("counter deltas = %+v", got)
	}
	if u.State() != Aborted {
		t.Errorf("state = %s", u.State())
	}
	if backend.CompleteCalls != 4 {
		t.Errorf("completion calls = %d, want 4", backend.CompleteCalls)
	}
	if backend.AbortCalls != 1 {
		t.Errorf("abort calls = %d", backend.AbortCalls)
	}
	if _, ok := backend.Object("k"); ok {
		t.Error("object should not exist")
	}
}

func TestPartUploaderInitiationFails(t *testing.T) {
	backend := storage.NewMemoryBackend()
	backend.FailCreates = -1
	before := multipartCounts()

	u := NewPartUploader(backend, "k", PartOptions{PartSize: 16, Attempts: 2})
	err := u.Upload(context.Background(), bytes.NewReader(payload(32)), 32)
	if !rverrors.IsKind(err, rverrors.UploadFailed) {
		t.Fatalf("err = %v, want UploadFailed", err)
	}
	if backend.CreateCalls != 2 || backend.PartAttempts != 0 {
		t.Errorf("create=%d parts=%d", backend.CreateCalls, backend.PartAttempts)
	}
	if got := multipartCounts().since(before); got != (uploadCounts{failure: 1}) {
		t.Errorf("counter deltas = %+v", got)
	}
	if u.State() != Aborted {
		t.Errorf("state = %s", u.State())
	}
	if backend.AbortCalls != 0 {
		t.Errorf("abort calls = %d, want 0 without a session", backend.AbortCalls)
	}
}
