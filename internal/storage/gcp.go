package storage

// The GCP backend stores every key under an optional prefix in one GCS
// bucket. GCS has no multipart API, so parts are written as temporary
// objects and joined with Compose.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//	Parts:    {prefix}.parts/{upload_id}/{part_number}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/ringvault/ringvault/internal/uid"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// partsDir is the key namespace holding in-flight multipart parts.
const partsDir = ".parts/"

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes multiple GCS source objects into a single destination object.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	// ListObjects lazily yields object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) iter.Seq2[string, error]
	// Lifecycle returns the bucket's lifecycle rules.
	Lifecycle(ctx context.Context, bucket string) ([]gcs.LifecycleRule, error)
	// SetLifecycle replaces the bucket's lifecycle rules.
	SetLifecycle(ctx context.Context, bucket string, rules []gcs.LifecycleRule) error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(attrs.Name, nil) {
				return
			}
		}
	}
}

func (c *realGCSClient) Lifecycle(ctx context.Context, bucket string) ([]gcs.LifecycleRule, error) {
	attrs, err := c.client.Bucket(bucket).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return attrs.Lifecycle.Rules, nil
}

func (c *realGCSClient) SetLifecycle(ctx context.Context, bucket string, rules []gcs.LifecycleRule) error {
	_, err := c.client.Bucket(bucket).Update(ctx, gcs.BucketAttrsToUpdate{
		Lifecycle: &gcs.Lifecycle{Rules: rules},
	})
	return err
}

// GCPBackend implements Backend on top of a single GCS bucket.
type GCPBackend struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is prepended to every object name.
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a GCPBackend using Application Default Credentials.
// The bucket must be reachable.
func NewGCPBackend(ctx context.Context, bucket, project, prefix string) (*GCPBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCPBackend) gcsKey(key string) string {
	return b.Prefix + key
}

func (b *GCPBackend) partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s%s%s/%d", b.Prefix, partsDir, uploadID, partNumber)
}

// write streams r into object, hashing as it goes.
func (b *GCPBackend) write(ctx context.Context, object string, r io.Reader) (string, error) {
	h := newETagHasher()
	w := b.client.NewWriter(ctx, b.Bucket, object)
	if _, err := io.Copy(w, io.TeeReader(r, h)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return h.ETag(), nil
}

// PutObject uploads object data and returns its MD5 ETag.
func (b *GCPBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	return b.write(ctx, b.gcsKey(key), r)
}

// GetObject opens an object in the bucket.
func (b *GCPBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	name := b.gcsKey(key)

	attrs, err := b.client.Attrs(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("getting object attrs from GCS: %w", err)
	}

	reader, err := b.client.NewReader(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, attrs.Size, nil
}

// DeleteObjects deletes each key. GCS has no batch delete in the JSON API
// client; missing objects are ignored.
func (b *GCPBackend) DeleteObjects(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := b.client.Delete(ctx, b.Bucket, b.gcsKey(key)); err != nil && !isGCSNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %q from GCS: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ObjectExists checks whether an object exists in the bucket.
func (b *GCPBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, b.gcsKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return true, nil
}

// ListObjects yields keys under prefix, hiding in-flight parts.
func (b *GCPBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range b.client.ListObjects(ctx, b.Bucket, b.gcsKey(prefix)) {
			if err != nil {
				yield("", fmt.Errorf("listing GCS objects under %q: %w", prefix, err))
				return
			}
			key := strings.TrimPrefix(name, b.Prefix)
			if strings.HasPrefix(key, partsDir) {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// CreateMultipartUpload allocates an upload ID. Nothing is written until
// the first part arrives.
func (b *GCPBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return uid.New(), nil
}

// UploadPart stores a part as a temporary object.
func (b *GCPBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	etag, err := b.write(ctx, b.partKey(uploadID, partNumber), r)
	if err != nil {
		return "", fmt.Errorf("uploading part %d: %w", partNumber, err)
	}
	return etag, nil
}

// CompleteMultipartUpload composes the parts into key and removes them.
// GCS compose supports at most 32 sources per call; larger uploads are
// chained through intermediate objects.
func (b *GCPBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("completing upload %s: no parts", uploadID)
	}
	finalName := b.gcsKey(key)
	sorted := sortParts(parts)
	sources := make([]string, len(sorted))
	for i, p := range sorted {
		sources[i] = b.partKey(uploadID, p.PartNumber)
	}

	if len(sources) <= maxComposeSources {
		if _, err := b.client.Compose(ctx, b.Bucket, finalName, sources); err != nil {
			return fmt.Errorf("composing parts in GCS: %w", err)
		}
	} else {
		intermediates, err := b.chainCompose(ctx, sources, finalName)
		b.deleteQuietly(ctx, intermediates)
		if err != nil {
			return err
		}
	}

	b.deleteQuietly(ctx, sources)
	return nil
}

// chainCompose composes batches of 32 into intermediates until one compose
// remains. It returns the intermediates so the caller can remove them.
func (b *GCPBackend) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources

	for generation := 0; len(current) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			batch := current[i:min(i+maxComposeSources, len(current))]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, current); err != nil {
		return intermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return intermediates, nil
}

// AbortMultipartUpload removes every part written for uploadID.
func (b *GCPBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	prefix := b.Prefix + partsDir + uploadID + "/"
	var names []string
	for name, err := range b.client.ListObjects(ctx, b.Bucket, prefix) {
		if err != nil {
			return fmt.Errorf("listing parts for upload %s: %w", uploadID, err)
		}
		names = append(names, name)
	}
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting part %s: %w", name, err)
		}
	}
	return nil
}

func (b *GCPBackend) deleteQuietly(ctx context.Context, names []string) {
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			slog.Warn("Failed to clean up temporary GCS object", "object", name, "error", err)
		}
	}
}

// GetRetentionRules maps GCS Delete rules with an age and a single prefix
// to retention rules. GCS rules have no ID, so the prefix doubles as one.
func (b *GCPBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	raw, err := b.client.Lifecycle(ctx, b.Bucket)
	if err != nil {
		return nil, fmt.Errorf("reading GCS lifecycle: %w", err)
	}
	var rules []RetentionRule
	for _, r := range raw {
		if rule, ok := fromGCSRule(r); ok {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// PutRetentionRules replaces the bucket's retention rules, keeping any
// other lifecycle rules. Disabled rules are not representable in GCS and
// are dropped.
func (b *GCPBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	existing, err := b.client.Lifecycle(ctx, b.Bucket)
	if err != nil {
		return fmt.Errorf("reading GCS lifecycle: %w", err)
	}

	var out []gcs.LifecycleRule
	for _, r := range existing {
		if _, ok := fromGCSRule(r); !ok {
			out = append(out, r)
		}
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		out = append(out, gcs.LifecycleRule{
			Action: gcs.LifecycleAction{Type: gcs.DeleteAction},
			Condition: gcs.LifecycleCondition{
				AgeInDays:     int64(r.ExpirationDays),
				MatchesPrefix: []string{r.Prefix},
			},
		})
	}

	if err := b.client.SetLifecycle(ctx, b.Bucket, out); err != nil {
		return fmt.Errorf("updating GCS lifecycle: %w", err)
	}
	return nil
}

func fromGCSRule(r gcs.LifecycleRule) (RetentionRule, bool) {
	if r.Action.Type != gcs.DeleteAction || r.Condition.AgeInDays <= 0 || len(r.Condition.MatchesPrefix) != 1 {
		return RetentionRule{}, false
	}
	prefix := r.Condition.MatchesPrefix[0]
	return RetentionRule{
		ID:             prefix,
		Prefix:         prefix,
		ExpirationDays: int(r.Condition.AgeInDays),
		Enabled:        true,
	}, true
}

// HealthCheck verifies that the bucket is accessible.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Lifecycle(ctx, b.Bucket)
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
	}
	return false
}

var _ Backend = (*GCPBackend)(nil)
