// Package errors defines the error kinds surfaced by ringvault's object-store
// layer once its bounded retries are exhausted.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal store failure.
type Kind int

const (
	// UploadFailed means a single-shot upload, or the initiation of a
	// multipart session, ran out of attempts.
	UploadFailed Kind = iota + 1
	// DeleteFailed means a batch delete was rejected by the store.
	DeleteFailed
	// PartUploadFailed means at least one multipart part exhausted its
	// attempts. The session was aborted and never completed.
	PartUploadFailed
	// CompletionFailed means every completion attempt of a multipart
	// session failed. The session was aborted.
	CompletionFailed
	// DownloadFailed means a download ran out of attempts or the object
	// does not exist.
	DownloadFailed
	// ListFailed means a prefix listing could not be read.
	ListFailed
)

var kindNames = map[Kind]string{
	UploadFailed:     "UploadFailed",
	DeleteFailed:     "DeleteFailed",
	PartUploadFailed: "PartUploadFailed",
	CompletionFailed: "CompletionFailed",
	DownloadFailed:   "DownloadFailed",
	ListFailed:       "ListFailed",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// StoreError is returned by synchronous store operations that gave up.
type StoreError struct {
	// Kind is the failure class.
	Kind Kind
	// Key is the remote key the operation targeted. Batch operations
	// report the first key of the batch.
	Key string
	// Attempts is how many tries were made before giving up.
	Attempts int
	// Err is the last underlying error.
	Err error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s %q after %d attempt(s): %v", e.Kind, e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Key, e.Err)
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// New builds a StoreError.
func New(kind Kind, key string, attempts int, err error) *StoreError {
	return &StoreError{Kind: kind, Key: key, Attempts: attempts, Err: err}
}

// IsKind reports whether err is, or wraps, a StoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first StoreError in err's chain, or zero.
func KindOf(err error) Kind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
