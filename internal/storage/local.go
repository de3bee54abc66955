package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ringvault/ringvault/internal/uid"
)

// Reserved entries under the local root; no key may start with them.
const (
	localTmpDir        = ".tmp"
	localPartsDir      = ".parts"
	localLifecycleFile = ".lifecycle.yaml"
)

// LocalBackend implements Backend using the local filesystem. Each key is
// a file path relative to RootDir.
type LocalBackend struct {
	// RootDir is the base directory under which all objects are stored.
	RootDir string

	// lifecycleMu serializes read-modify-write of the lifecycle file.
	lifecycleMu sync.Mutex
}

// lifecycleFile is the on-disk form of the retention rules.
type lifecycleFile struct {
	Rules []RetentionRule `yaml:"rules"`
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, localTmpDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files
// left behind are incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, localTmpDir)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the filesystem path for key, rejecting keys that would
// escape the root or collide with reserved entries.
func (b *LocalBackend) objectPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := path.Clean(key)
	if clean != strings.TrimSuffix(key, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	first, _, _ := strings.Cut(clean, "/")
	if first == localTmpDir || first == localPartsDir || first == localLifecycleFile {
		return "", fmt.Errorf("key %q uses a reserved name", key)
	}
	return filepath.Join(b.RootDir, filepath.FromSlash(clean)), nil
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, localTmpDir, "tmp-"+uid.New())
}

func (b *LocalBackend) partDir(uploadID string) string {
	return filepath.Join(b.RootDir, localPartsDir, uploadID)
}

// writeAtomic writes r to dst using the crash-only pattern: write to temp
// file, fsync, rename. It returns the ETag of the written bytes.
func (b *LocalBackend) writeAtomic(dst string, r io.Reader) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directories: %w", err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	h := newETagHasher()
	if _, err := io.Copy(tmpFile, io.TeeReader(r, h)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return h.ETag(), nil
}

// PutObject writes object data atomically.
func (b *LocalBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	objPath, err := b.objectPath(key)
	if err != nil {
		return "", err
	}
	return b.writeAtomic(objPath, r)
}

// GetObject opens the object file for reading.
func (b *LocalBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	objPath, err := b.objectPath(key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("opening object file %q: %w", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object file %q: %w", key, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return file, info.Size(), nil
}

// DeleteObjects removes each object file and prunes empty parent
// directories. Missing files are not an error.
func (b *LocalBackend) DeleteObjects(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		objPath, err := b.objectPath(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing object file %q: %w", key, err))
			continue
		}
		cleanEmptyParents(filepath.Dir(objPath), b.RootDir)
	}
	return errors.Join(errs...)
}

// ObjectExists checks whether an object file exists.
func (b *LocalBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	objPath, err := b.objectPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(objPath)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q: %w", key, err)
}

// ListObjects walks the deepest directory covering prefix in lexical order.
func (b *LocalBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := b.RootDir
		if dir := path.Dir(prefix); strings.Contains(prefix, "/") && dir != "." {
			start = filepath.Join(b.RootDir, filepath.FromSlash(dir))
		}

		err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == start {
					return filepath.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, relErr := filepath.Rel(b.RootDir, p)
			if relErr != nil {
				return relErr
			}
			key := filepath.ToSlash(rel)
			if d.IsDir() {
				if key == localTmpDir || key == localPartsDir {
					return filepath.SkipDir
				}
				return nil
			}
			if key == localLifecycleFile || !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !yield(key, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", fmt.Errorf("listing local objects under %q: %w", prefix, err))
		}
	}
}

// CreateMultipartUpload allocates an upload ID and its part directory.
func (b *LocalBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	if _, err := b.objectPath(key); err != nil {
		return "", err
	}
	uploadID := uid.New()
	if err := os.MkdirAll(b.partDir(uploadID), 0o755); err != nil {
		return "", fmt.Errorf("creating part directory: %w", err)
	}
	return uploadID, nil
}

// UploadPart writes a single part atomically into the upload's directory.
func (b *LocalBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	dir := b.partDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("upload %s not found: %w", uploadID, err)
	}
	etag, err := b.writeAtomic(filepath.Join(dir, fmt.Sprintf("%05d", partNumber)), r)
	if err != nil {
		return "", fmt.Errorf("writing part %d: %w", partNumber, err)
	}
	return etag, nil
}

// CompleteMultipartUpload concatenates the parts into the object and
// removes the part directory.
func (b *LocalBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	objPath, err := b.objectPath(key)
	if err != nil {
		return err
	}
	dir := b.partDir(uploadID)

	readers := make([]io.Reader, 0, len(parts))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range sortParts(parts) {
		f, err := os.Open(filepath.Join(dir, fmt.Sprintf("%05d", p.PartNumber)))
		if err != nil {
			return fmt.Errorf("opening part %d: %w", p.PartNumber, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	if _, err := b.writeAtomic(objPath, io.MultiReader(readers...)); err != nil {
		return fmt.Errorf("assembling parts: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing part directory: %w", err)
	}
	return nil
}

// AbortMultipartUpload removes the upload's part directory.
func (b *LocalBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	err := os.RemoveAll(b.partDir(uploadID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part directory for upload %s: %w", uploadID, err)
	}
	return nil
}

// GetRetentionRules reads .lifecycle.yaml. A missing file means no rules.
// The local backend records rules but does not expire objects.
func (b *LocalBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	data, err := os.ReadFile(filepath.Join(b.RootDir, localLifecycleFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lifecycle file: %w", err)
	}
	var lf lifecycleFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing lifecycle file: %w", err)
	}
	return lf.Rules, nil
}

// PutRetentionRules rewrites .lifecycle.yaml atomically.
func (b *LocalBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	dst := filepath.Join(b.RootDir, localLifecycleFile)
	if len(rules) == 0 {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing lifecycle file: %w", err)
		}
		return nil
	}
	data, err := yaml.Marshal(lifecycleFile{Rules: rules})
	if err != nil {
		return fmt.Errorf("encoding lifecycle file: %w", err)
	}
	if _, err := b.writeAtomic(dst, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing lifecycle file: %w", err)
	}
	return nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ Backend = (*LocalBackend)(nil)
