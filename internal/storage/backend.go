// Package storage defines the remote object store backends ringvault writes
// backups and instance records to.
package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"sort"
)

var (
	// ErrObjectNotFound is returned (possibly wrapped) when a key does not
	// exist in the backend.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRetentionUnsupported is returned by backends that cannot manage
	// bucket lifecycle rules.
	ErrRetentionUnsupported = errors.New("retention rules not supported by backend")
)

// CompletedPart identifies an acknowledged part of a multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// RetentionRule expires every object under Prefix after ExpirationDays.
type RetentionRule struct {
	ID             string `yaml:"id" json:"id"`
	Prefix         string `yaml:"prefix" json:"prefix"`
	ExpirationDays int    `yaml:"expirationInDays" json:"expirationInDays"`
	Enabled        bool   `yaml:"enabled" json:"status"`
}

// Backend is a flat key/value object store with multipart upload and
// lifecycle support. Implementations must be safe for concurrent use.
type Backend interface {
	// PutObject writes the full contents of r to key and returns the ETag.
	PutObject(ctx context.Context, key string, r io.Reader, size int64) (etag string, err error)

	// GetObject opens key for reading. The caller closes the reader. Missing
	// keys return an error wrapping ErrObjectNotFound.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// DeleteObjects removes every key in one logical batch. Missing keys are
	// not an error.
	DeleteObjects(ctx context.Context, keys []string) error

	// ObjectExists reports whether key exists.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// ListObjects yields every key with the given prefix. Iteration stops at
	// the first error, which is yielded with an empty key.
	ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error]

	// CreateMultipartUpload starts a multipart session for key.
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)

	// UploadPart stores one part of a multipart session and returns its ETag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (etag string, err error)

	// CompleteMultipartUpload assembles parts, which must be sorted by part
	// number, into key.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards a multipart session and its parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// GetRetentionRules returns the bucket's expiration rules.
	GetRetentionRules(ctx context.Context) ([]RetentionRule, error)

	// PutRetentionRules replaces the bucket's expiration rules.
	PutRetentionRules(ctx context.Context, rules []RetentionRule) error

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// sortParts returns parts ordered by part number without modifying the input.
func sortParts(parts []CompletedPart) []CompletedPart {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted
}

// etagHasher accumulates an MD5 digest for backends that compute their own
// ETags.
type etagHasher struct {
	hash.Hash
}

func newETagHasher() *etagHasher {
	return &etagHasher{Hash: md5.New()}
}

// ETag returns the quoted hex digest.
func (h *etagHasher) ETag() string {
	return fmt.Sprintf(`"%x"`, h.Sum(nil))
}
