package storage

// The Azure backend stores every key under an optional prefix in one blob
// container.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//
// Multipart uploads use Block Blob primitives:
//
//	UploadPart()              → StageBlock() on the final blob
//	CompleteMultipartUpload() → CommitBlockList()
//	AbortMultipartUpload()    → no-op (uncommitted blocks expire in 7 days)
//
// Lifecycle management policies live on the storage account's management
// plane, so retention rules are not supported through this backend.

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/ringvault/ringvault/internal/uid"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader) error
	// DownloadBlob opens a blob's contents and returns its size.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
	// ListBlobs lazily yields blob names with the given prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) iter.Seq2[string, error]
	// ContainerExists returns an error when the container is unreachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureOptions configures NewAzureBackend.
type AzureOptions struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureBackend implements Backend on top of a single blob container.
type AzureBackend struct {
	// Container is the blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every blob name.
	Prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend and verifies the container is
// reachable.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(opts.Container, opts.AccountURL, opts.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure backend initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

func (b *AzureBackend) blobName(key string) string {
	return b.Prefix + key
}

// blockID generates a block ID for staged blocks. Block IDs must be
// base64-encoded and the same length for all blocks in a blob. The upload
// ID keeps concurrent sessions on one key apart.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)),
	)
}

// PutObject streams r into the blob.
func (b *AzureBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	h := newETagHasher()
	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(key), io.TeeReader(r, h)); err != nil {
		return "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return h.ETag(), nil
}

// GetObject opens a blob for reading.
func (b *AzureBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.DownloadBlob(ctx, b.Container, b.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return rc, size, nil
}

// DeleteObjects deletes each blob; missing blobs are ignored.
func (b *AzureBackend) DeleteObjects(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := b.client.DeleteBlob(ctx, b.Container, b.blobName(key)); err != nil && !isAzureNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %q from Azure Blob: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ObjectExists checks whether a blob exists.
func (b *AzureBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.Container, b.blobName(key))
	if err != nil {
		return false, fmt.Errorf("checking object existence in Azure Blob: %w", err)
	}
	return exists, nil
}

// ListObjects yields blob names under prefix through the flat pager.
func (b *AzureBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range b.client.ListBlobs(ctx, b.Container, b.blobName(prefix)) {
			if err != nil {
				yield("", fmt.Errorf("listing Azure blobs under %q: %w", prefix, err))
				return
			}
			if !yield(strings.TrimPrefix(name, b.Prefix), nil) {
				return
			}
		}
	}
}

// CreateMultipartUpload allocates an upload ID used to namespace block IDs.
func (b *AzureBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return uid.New(), nil
}

// UploadPart stages a block on the final blob.
func (b *AzureBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	if err := b.client.StageBlock(ctx, b.Container, b.blobName(key), blockID(uploadID, partNumber), data); err != nil {
		return "", fmt.Errorf("staging block %d in Azure Blob: %w", partNumber, err)
	}
	h := newETagHasher()
	h.Write(data)
	return h.ETag(), nil
}

// CompleteMultipartUpload commits the staged blocks in part order.
func (b *AzureBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	sorted := sortParts(parts)
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = blockID(uploadID, p.PartNumber)
	}
	if err := b.client.CommitBlockList(ctx, b.Container, b.blobName(key), ids); err != nil {
		return fmt.Errorf("committing block list in Azure Blob: %w", err)
	}
	return nil
}

// AbortMultipartUpload is a no-op: uncommitted blocks are garbage-collected
// by the service.
func (b *AzureBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return nil
}

// GetRetentionRules is not supported on the blob data plane.
func (b *AzureBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	return nil, ErrRetentionUnsupported
}

// PutRetentionRules is not supported on the blob data plane.
func (b *AzureBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	return ErrRetentionUnsupported
}

// HealthCheck verifies that the container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var _ Backend = (*AzureBackend)(nil)
