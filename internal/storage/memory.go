package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/ringvault/ringvault/internal/uid"
)

// ErrInjected is returned by MemoryBackend operations failed through one of
// its fault fields.
var ErrInjected = errors.New("injected fault")

// memObject holds the raw data and precomputed ETag for an in-memory object.
type memObject struct {
	Data []byte
	ETag string
}

type memUpload struct {
	key   string
	parts map[int][]byte
}

// MemoryBackend implements Backend using in-memory maps. Besides serving as
// the "memory" backend it is the fake used in tests: the exported counters
// record calls, and the Fail* fields inject errors.
//
// A Fail* value of n > 0 fails the next n calls of that operation; a
// negative value fails every call; zero disables the fault. Fields must be
// set before the backend is shared and read only after the operations under
// test have returned.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memObject
	uploads map[string]*memUpload
	rules   []RetentionRule

	// RetentionUnsupported makes the rule operations return
	// ErrRetentionUnsupported.
	RetentionUnsupported bool

	PutCalls       int
	GetCalls       int
	CreateCalls    int
	PartAttempts   int
	CompleteCalls  int
	AbortCalls     int
	DeleteCalls    int
	ListCalls      int
	RulePutCalls   int
	FailPuts       int
	FailGets       int
	FailCreates    int
	FailParts      int
	FailComplete   int
	FailDeletes    int
	FailLists      int
	FailRetention  int
	CompletedParts [][]CompletedPart
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

// fault consumes one unit of a fault counter and reports whether the call
// should fail. Callers hold b.mu.
func fault(counter *int) bool {
	switch {
	case *counter < 0:
		return true
	case *counter > 0:
		*counter--
		return true
	}
	return false
}

// PutObject stores a copy of the data.
func (b *MemoryBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.PutCalls++
	if fault(&b.FailPuts) {
		return "", fmt.Errorf("putting %q: %w", key, ErrInjected)
	}
	etag := computeETag(data)
	b.objects[key] = memObject{Data: data, ETag: etag}
	return etag, nil
}

// GetObject returns a reader over a snapshot of the stored data.
func (b *MemoryBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.GetCalls++
	if fault(&b.FailGets) {
		return nil, 0, fmt.Errorf("getting %q: %w", key, ErrInjected)
	}
	obj, ok := b.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), int64(len(obj.Data)), nil
}

// DeleteObjects removes every key; the batch fails as a whole when a fault
// is injected.
func (b *MemoryBackend) DeleteObjects(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DeleteCalls++
	if fault(&b.FailDeletes) {
		return fmt.Errorf("deleting %d objects: %w", len(keys), ErrInjected)
	}
	for _, key := range keys {
		delete(b.objects, key)
	}
	return nil
}

// ObjectExists reports whether key is stored.
func (b *MemoryBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

// ListObjects yields a sorted snapshot of the keys under prefix taken when
// iteration starts.
func (b *MemoryBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		b.mu.Lock()
		b.ListCalls++
		if fault(&b.FailLists) {
			b.mu.Unlock()
			yield("", fmt.Errorf("listing %q: %w", prefix, ErrInjected))
			return
		}
		var keys []string
		for key := range b.objects {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		b.mu.Unlock()

		sort.Strings(keys)
		for _, key := range keys {
			if !yield(key, nil) {
				return
			}
		}
	}
}

// CreateMultipartUpload opens an in-memory session.
func (b *MemoryBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CreateCalls++
	if fault(&b.FailCreates) {
		return "", fmt.Errorf("creating upload for %q: %w", key, ErrInjected)
	}
	uploadID := uid.New()
	b.uploads[uploadID] = &memUpload{key: key, parts: make(map[int][]byte)}
	return uploadID, nil
}

// UploadPart stores a part in the session.
func (b *MemoryBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.PartAttempts++
	if fault(&b.FailParts) {
		return "", fmt.Errorf("uploading part %d: %w", partNumber, ErrInjected)
	}
	up, ok := b.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("upload %s not found", uploadID)
	}
	up.parts[partNumber] = data
	return computeETag(data), nil
}

// CompleteMultipartUpload concatenates the listed parts into key. The part
// list is recorded in CompletedParts.
func (b *MemoryBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CompleteCalls++
	b.CompletedParts = append(b.CompletedParts, append([]CompletedPart(nil), parts...))
	if fault(&b.FailComplete) {
		return fmt.Errorf("completing upload %s: %w", uploadID, ErrInjected)
	}
	up, ok := b.uploads[uploadID]
	if !ok {
		return fmt.Errorf("upload %s not found", uploadID)
	}

	var buf bytes.Buffer
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return fmt.Errorf("completing upload %s: parts out of order at %d", uploadID, p.PartNumber)
		}
		prev = p.PartNumber
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("completing upload %s: part %d missing", uploadID, p.PartNumber)
		}
		buf.Write(data)
	}
	b.objects[up.key] = memObject{Data: buf.Bytes(), ETag: computeETag(buf.Bytes())}
	delete(b.uploads, uploadID)
	return nil
}

// AbortMultipartUpload drops the session.
func (b *MemoryBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.AbortCalls++
	delete(b.uploads, uploadID)
	return nil
}

// OpenUploads returns the number of sessions neither completed nor aborted.
func (b *MemoryBackend) OpenUploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// GetRetentionRules returns a copy of the rules.
func (b *MemoryBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RetentionUnsupported {
		return nil, ErrRetentionUnsupported
	}
	if fault(&b.FailRetention) {
		return nil, fmt.Errorf("reading retention rules: %w", ErrInjected)
	}
	return append([]RetentionRule(nil), b.rules...), nil
}

// PutRetentionRules replaces the rules.
func (b *MemoryBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RetentionUnsupported {
		return ErrRetentionUnsupported
	}
	b.RulePutCalls++
	if fault(&b.FailRetention) {
		return fmt.Errorf("writing retention rules: %w", ErrInjected)
	}
	b.rules = append([]RetentionRule(nil), rules...)
	return nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Object returns the stored bytes for key.
func (b *MemoryBackend) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	return obj.Data, ok
}

var _ Backend = (*MemoryBackend)(nil)
