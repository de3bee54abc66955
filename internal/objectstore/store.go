// Package objectstore layers bounded retries, multipart transfer, background
// uploads and retention management over a storage.Backend.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ringvault/ringvault/internal/config"
	rverrors "github.com/ringvault/ringvault/internal/errors"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/storage"
)

const (
	defaultPartSize           = 8 << 20
	defaultMultipartThreshold = 16 << 20
)

// Store is the remote object store used by backups and the instance
// registry.
type Store struct {
	backend   storage.Backend
	retention *RetentionManager
	pool      *asyncPool

	policy             RetryPolicy
	partSize           int64
	multipartThreshold int64
	partConcurrency    int
	asyncWorkers       int
	asyncQueueSize     int
	clusterPrefix      string
	retentionDays      int
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy sets the backoff between attempts.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithPartSize sets the multipart part size in bytes.
func WithPartSize(n int64) Option {
	return func(s *Store) { s.partSize = n }
}

// WithMultipartThreshold sets the size above which uploads use a multipart
// session.
func WithMultipartThreshold(n int64) Option {
	return func(s *Store) { s.multipartThreshold = n }
}

// WithPartConcurrency bounds the parts in flight per session.
func WithPartConcurrency(n int) Option {
	return func(s *Store) { s.partConcurrency = n }
}

// WithAsync sizes the background upload pool.
func WithAsync(workers, queueSize int) Option {
	return func(s *Store) {
		s.asyncWorkers = workers
		s.asyncQueueSize = queueSize
	}
}

// WithRetention sets the cluster prefix and expiration that Cleanup
// enforces.
func WithRetention(clusterPrefix string, days int) Option {
	return func(s *Store) {
		s.clusterPrefix = clusterPrefix
		s.retentionDays = days
	}
}

// OptionsFromConfig translates the backup, async and retry sections.
func OptionsFromConfig(cfg *config.Config, clusterPrefix string) []Option {
	return []Option{
		WithRetryPolicy(RetryPolicyFromConfig(cfg.Retry)),
		WithPartSize(cfg.Backup.PartSize),
		WithMultipartThreshold(cfg.Backup.MultipartThreshold),
		WithPartConcurrency(cfg.Backup.PartConcurrency),
		WithAsync(cfg.Async.Workers, cfg.Async.QueueSize),
		WithRetention(clusterPrefix, cfg.Backup.RetentionDays),
	}
}

// New creates a Store over backend and starts its background workers.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:            backend,
		retention:          NewRetentionManager(backend),
		policy:             DefaultRetryPolicy(),
		partSize:           defaultPartSize,
		multipartThreshold: defaultMultipartThreshold,
		partConcurrency:    4,
		asyncWorkers:       4,
		asyncQueueSize:     256,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.partSize <= 0 {
		s.partSize = defaultPartSize
	}
	s.pool = newAsyncPool(s.asyncWorkers, s.asyncQueueSize)
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// Upload copies the file at localPath to remoteKey. Files up to the
// multipart threshold are sent in one call, larger ones through a
// PartUploader session. Every remote call gets up to attempts tries.
func (s *Store) Upload(ctx context.Context, localPath, remoteKey string, attempts int) error {
	f, err := os.Open(localPath)
	if err != nil {
		return rverrors.New(rverrors.UploadFailed, remoteKey, 0, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return rverrors.New(rverrors.UploadFailed, remoteKey, 0, err)
	}
	size := info.Size()

	if size > s.multipartThreshold {
		pu := NewPartUploader(s.backend, remoteKey, PartOptions{
			PartSize:    s.partSize,
			Concurrency: s.partConcurrency,
			Attempts:    attempts,
			Policy:      s.policy,
		})
		return pu.Upload(ctx, f, size)
	}

	n, err := Retry(ctx, "put_object", remoteKey, attempts, s.policy, func(ctx context.Context) error {
		_, err := s.backend.PutObject(ctx, remoteKey, io.NewSectionReader(f, 0, size), size)
		return err
	})
	metrics.UploadsTotal.WithLabelValues("single", metrics.Result(err)).Inc()
	if err != nil {
		slog.Error("Upload failed", "key", remoteKey, "attempts", n, "error", err)
		return rverrors.New(rverrors.UploadFailed, remoteKey, n, err)
	}
	metrics.UploadBytesTotal.Add(float64(size))
	slog.Debug("Uploaded object", "key", remoteKey, "size", size)
	return nil
}

// UploadAsync queues Upload on the background pool and returns at once.
// Uploads to the same key run in submission order. Failures are logged and
// counted; the returned Pending may be ignored. With deleteLocal the local
// file is removed after a successful upload only.
func (s *Store) UploadAsync(ctx context.Context, localPath, remoteKey string, attempts int, deleteLocal bool) *Pending {
	p, err := s.pool.submit(ctx, remoteKey, func(ctx context.Context) error {
		err := s.Upload(ctx, localPath, remoteKey, attempts)
		metrics.AsyncUploadsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			slog.Error("Background upload failed", "key", remoteKey, "path", localPath, "error", err)
			return err
		}
		if deleteLocal {
			if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to remove uploaded file", "path", localPath, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.AsyncUploadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		slog.Error("Background upload not queued", "key", remoteKey, "error", err)
	}
	return p
}

// Download copies remoteKey to localPath through a temporary file in the
// same directory, so localPath never holds a partial object. A missing
// object is reported without retrying and unwraps to
// storage.ErrObjectNotFound.
func (s *Store) Download(ctx context.Context, remoteKey, localPath string, attempts int) error {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rverrors.New(rverrors.DownloadFailed, remoteKey, 0, err)
	}

	n, err := Retry(ctx, "get_object", remoteKey, attempts, s.policy, func(ctx context.Context) error {
		return s.downloadOnce(ctx, remoteKey, dir, localPath)
	})
	metrics.DownloadsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return rverrors.New(rverrors.DownloadFailed, remoteKey, n, err)
	}
	return nil
}

func (s *Store) downloadOnce(ctx context.Context, remoteKey, dir, localPath string) error {
	rc, _, err := s.backend.GetObject(ctx, remoteKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("reading object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Delete removes keys in one batch call. An empty batch is a no-op.
func (s *Store) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.backend.DeleteObjects(ctx, keys)
	metrics.DeletesTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		slog.Error("Batch delete failed", "first", keys[0], "count", len(keys), "error", err)
		return rverrors.New(rverrors.DeleteFailed, keys[0], 1, err)
	}
	slog.Debug("Deleted objects", "count", len(keys))
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.backend.ObjectExists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking %q: %w", key, err)
	}
	return ok, nil
}

// List lazily yields the keys under prefix in backend order. Each call
// starts a fresh listing.
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for key, err := range s.backend.ListObjects(ctx, prefix) {
			if err != nil {
				yield("", rverrors.New(rverrors.ListFailed, prefix, 0, err))
				return
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// Cleanup reconciles the expiration rule of the configured cluster prefix.
func (s *Store) Cleanup(ctx context.Context) error {
	if s.clusterPrefix == "" {
		return fmt.Errorf("cleanup: no cluster prefix configured")
	}
	_, err := s.retention.Reconcile(ctx, s.clusterPrefix, s.retentionDays)
	return err
}

// Retention returns the store's RetentionManager.
func (s *Store) Retention() *RetentionManager {
	return s.retention
}

// Close stops accepting background uploads and waits for the queued ones.
// If ctx ends first, in-flight uploads are cancelled.
func (s *Store) Close(ctx context.Context) error {
	return s.pool.close(ctx)
}
