package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	rverrors "github.com/ringvault/ringvault/internal/errors"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/storage"
)

// SessionState is the lifecycle position of a multipart session.
type SessionState int

const (
	Initiated SessionState = iota + 1
	UploadingParts
	Completing
	Completed
	Aborted
)

func (s SessionState) String() string {
	switch s {
	case Initiated:
		return "Initiated"
	case UploadingParts:
		return "UploadingParts"
	case Completing:
		return "Completing"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// DataPart is one contiguous slice of the source uploaded as a part.
type DataPart struct {
	// Number is 1-based and ascending with no gaps.
	Number int
	Offset int64
	Length int64
	// ETag is set once the store acknowledged the part.
	ETag string
}

// SplitParts divides size bytes into parts of at most partSize bytes. An
// empty source yields a single empty part.
func SplitParts(size, partSize int64) []DataPart {
	if partSize <= 0 {
		partSize = size
	}
	if size <= 0 {
		return []DataPart{{Number: 1}}
	}
	parts := make([]DataPart, 0, (size+partSize-1)/partSize)
	for off, n := int64(0), 1; off < size; off, n = off+partSize, n+1 {
		parts = append(parts, DataPart{Number: n, Offset: off, Length: min(partSize, size-off)})
	}
	return parts
}

// PartOptions tunes a multipart session.
type PartOptions struct {
	PartSize    int64
	Concurrency int
	// Attempts bounds every per-part call as well as the initiation and the
	// completion call.
	Attempts int
	Policy   RetryPolicy
}

// PartUploader drives a single multipart session for one remote key. It is
// not reusable.
type PartUploader struct {
	backend storage.Backend
	key     string
	opts    PartOptions
	logger  *slog.Logger

	mu       sync.Mutex
	state    SessionState
	uploadID string
	parts    []DataPart
}

// NewPartUploader creates a session for key. Nothing is sent to the store
// until Upload is called.
func NewPartUploader(backend storage.Backend, key string, opts PartOptions) *PartUploader {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &PartUploader{
		backend: backend,
		key:     key,
		opts:    opts,
		logger:  slog.Default().With("key", key),
	}
}

// State returns the current session state, or zero before Upload starts.
func (u *PartUploader) State() SessionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// UploadID returns the store-allocated session id.
func (u *PartUploader) UploadID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploadID
}

// Parts returns a copy of the session's parts.
func (u *PartUploader) Parts() []DataPart {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]DataPart(nil), u.parts...)
}

func (u *PartUploader) transition(s SessionState) {
	u.mu.Lock()
	u.state = s
	id := u.uploadID
	u.mu.Unlock()
	u.logger.Debug("Multipart session state changed", "uploadId", id, "state", s.String())
}

// partError carries the attempt count of the part that gave up.
type partError struct {
	number   int
	attempts int
	err      error
}

func (e *partError) Error() string {
	return fmt.Sprintf("part %d: %v", e.number, e.err)
}

func (e *partError) Unwrap() error { return e.err }

// Upload sends size bytes of src as a multipart object. A part that runs out
// of attempts aborts the session with PartUploadFailed and the completion
// call is never made. A completion that runs out of attempts aborts the
// session with CompletionFailed.
func (u *PartUploader) Upload(ctx context.Context, src io.ReaderAt, size int64) error {
	u.transition(Initiated)
	var uploadID string
	attempts, err := Retry(ctx, "create_multipart", u.key, u.opts.Attempts, u.opts.Policy, func(ctx context.Context) error {
		var err error
		uploadID, err = u.backend.CreateMultipartUpload(ctx, u.key)
		return err
	})
	if err != nil {
		u.logger.Error("Failed to initiate multipart upload", "attempts", attempts, "error", err)
		// No session exists yet, so there is nothing to abort remotely.
		u.transition(Aborted)
		metrics.UploadsTotal.WithLabelValues("multipart", metrics.ResultFailure).Inc()
		return rverrors.New(rverrors.UploadFailed, u.key, attempts, err)
	}

	u.mu.Lock()
	u.uploadID = uploadID
	u.parts = SplitParts(size, u.opts.PartSize)
	u.mu.Unlock()

	u.transition(UploadingParts)
	if err := u.uploadParts(ctx, src); err != nil {
		u.abort(ctx)
		var pe *partError
		if errors.As(err, &pe) {
			return rverrors.New(rverrors.PartUploadFailed, u.key, pe.attempts, pe.err)
		}
		return rverrors.New(rverrors.PartUploadFailed, u.key, 0, err)
	}

	u.transition(Completing)
	completed := u.completedParts()
	attempts, err = Retry(ctx, "complete_multipart", u.key, u.opts.Attempts, u.opts.Policy, func(ctx context.Context) error {
		return u.backend.CompleteMultipartUpload(ctx, u.key, uploadID, completed)
	})
	metrics.MultipartCompletionsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		u.logger.Error("Failed to complete multipart upload", "uploadId", uploadID, "attempts", attempts, "error", err)
		u.abort(ctx)
		return rverrors.New(rverrors.CompletionFailed, u.key, attempts, err)
	}

	u.transition(Completed)
	metrics.UploadsTotal.WithLabelValues("multipart", metrics.ResultSuccess).Inc()
	metrics.UploadBytesTotal.Add(float64(size))
	u.logger.Info("Multipart upload completed", "uploadId", uploadID, "parts", len(completed), "size", size)
	return nil
}

func (u *PartUploader) uploadParts(ctx context.Context, src io.ReaderAt) error {
	u.mu.Lock()
	uploadID := u.uploadID
	parts := u.parts
	u.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for i := range parts {
		if gctx.Err() != nil {
			break
		}
		part := parts[i]
		g.Go(func() error {
			var etag string
			attempts, err := Retry(gctx, "upload_part", u.key, u.opts.Attempts, u.opts.Policy, func(ctx context.Context) error {
				var err error
				etag, err = u.backend.UploadPart(ctx, u.key, uploadID, part.Number,
					io.NewSectionReader(src, part.Offset, part.Length), part.Length)
				return err
			})
			metrics.PartUploadsTotal.WithLabelValues(metrics.Result(err)).Inc()
			if err != nil {
				u.logger.Warn("Part upload gave up", "uploadId", uploadID, "part", part.Number, "attempts", attempts, "error", err)
				return &partError{number: part.Number, attempts: attempts, err: err}
			}
			u.mu.Lock()
			u.parts[i].ETag = etag
			u.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancelled parent can stop the loop before any part failed.
	return ctx.Err()
}

// completedParts returns the acknowledged tags sorted by part number.
func (u *PartUploader) completedParts() []storage.CompletedPart {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]storage.CompletedPart, 0, len(u.parts))
	for _, p := range u.parts {
		out = append(out, storage.CompletedPart{PartNumber: p.Number, ETag: p.ETag})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

// abort releases the session even when ctx is already cancelled.
func (u *PartUploader) abort(ctx context.Context) {
	u.transition(Aborted)
	metrics.UploadsTotal.WithLabelValues("multipart", metrics.ResultFailure).Inc()
	if err := u.backend.AbortMultipartUpload(context.WithoutCancel(ctx), u.key, u.UploadID()); err != nil {
		u.logger.Warn("Failed to abort multipart upload", "uploadId", u.UploadID(), "error", err)
	}
}
