// Package registry stores cluster membership records as JSON objects in the
// remote object store, one object per app/datacenter/id, with a local
// mirror of the records it has read.
//
// Writes carry no compare-and-swap: two writers of the same key both
// succeed and the last upload wins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/identity"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/objectstore"
	"github.com/ringvault/ringvault/internal/storage"
)

// defaultAttempts bounds every remote call the registry makes.
const defaultAttempts = 3

// stagingDir holds outbound records under the local prefix.
const stagingDir = ".staging"

// RemoteStore is the subset of objectstore.Store the registry uses.
type RemoteStore interface {
	UploadAsync(ctx context.Context, localPath, remoteKey string, attempts int, deleteLocal bool) *objectstore.Pending
	Download(ctx context.Context, remoteKey, localPath string, attempts int) error
	Delete(ctx context.Context, keys []string) error
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
}

var _ RemoteStore = (*objectstore.Store)(nil)

// VolumeAttacher records a volume attachment against a record.
type VolumeAttacher interface {
	AttachVolumes(ctx context.Context, rec *InstanceRecord, mountPath, device string) error
}

type noopAttacher struct{}

func (noopAttacher) AttachVolumes(context.Context, *InstanceRecord, string, string) error {
	return nil
}

// Status tags the outcome of a record lookup.
type Status int

const (
	// Found means the record was read and decoded.
	Found Status = iota + 1
	// NotFound means the store reported no object for the key.
	NotFound
	// Unavailable means the record could not be read or decoded. It says
	// nothing about whether the record exists.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Lookup is the result of reading one record.
type Lookup struct {
	Status Status
	// Record is set when Status is Found.
	Record *InstanceRecord
	// Err is set when Status is Unavailable.
	Err error
}

// Write is the optional completion handle of a record upload.
type Write struct {
	pending *objectstore.Pending
	err     error
}

// Wait blocks until the upload finished or ctx is done.
func (w Write) Wait(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.pending == nil {
		return nil
	}
	return w.pending.Wait(ctx)
}

// Registry is the instance registry.
type Registry struct {
	store        RemoteStore
	info         identity.InstanceInfo
	localPrefix  string
	remotePrefix string
	attempts     int
	attacher     VolumeAttacher
}

// Option configures a Registry.
type Option func(*Registry)

// WithAttempts sets the retry budget of every remote call.
func WithAttempts(n int) Option {
	return func(r *Registry) { r.attempts = n }
}

// WithVolumeAttacher replaces the default no-op attacher.
func WithVolumeAttacher(a VolumeAttacher) Option {
	return func(r *Registry) { r.attacher = a }
}

// New creates a Registry. The local instance's region is the datacenter of
// every record it creates.
func New(store RemoteStore, info identity.InstanceInfo, cfg config.InstancesConfig, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		info:         info,
		localPrefix:  cfg.LocalPrefix,
		remotePrefix: cfg.RemotePrefix,
		attempts:     defaultAttempts,
		attacher:     noopAttacher{},
	}
	if cfg.Attempts > 0 {
		r.attempts = cfg.Attempts
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) remoteKey(rec *InstanceRecord) string {
	return RemoteKey(r.remotePrefix, recordParts(rec.App, rec.Datacenter, rec.ID)...)
}

// Create builds a record in the local datacenter and uploads it in the
// background. The record is returned at once; the Write may be ignored.
func (r *Registry) Create(ctx context.Context, app string, id int, instanceID, hostname, hostIP, rack string, volumes map[string]string, token string) (*InstanceRecord, Write) {
	v := make(map[string]string, len(volumes))
	maps.Copy(v, volumes)
	rec := &InstanceRecord{
		App:        app,
		Datacenter: r.info.Region(),
		ID:         id,
		InstanceID: instanceID,
		Hostname:   hostname,
		HostIP:     hostIP,
		Rack:       rack,
		Token:      token,
		Volumes:    v,
	}
	return rec, r.write(ctx, "create", rec)
}

// Update overwrites the stored record at rec's key.
func (r *Registry) Update(ctx context.Context, rec *InstanceRecord) Write {
	return r.write(ctx, "update", rec)
}

// write stages rec in its own file and queues the upload, which removes
// the staged file on success.
func (r *Registry) write(ctx context.Context, op string, rec *InstanceRecord) Write {
	key := r.remoteKey(rec)
	staged, err := r.stage(rec)
	if err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues(op, metrics.ResultFailure).Inc()
		slog.Error("Failed to stage instance record", "key", key, "error", err)
		return Write{err: err}
	}
	metrics.RegistryOperationsTotal.WithLabelValues(op, metrics.ResultSuccess).Inc()
	slog.Info("Instance record queued", "op", op, "key", key, "path", staged)
	return Write{pending: r.store.UploadAsync(ctx, staged, key, r.attempts, true)}
}

// stage writes rec to a fresh file under the staging directory named after
// the record's key.
func (r *Registry) stage(rec *InstanceRecord) (string, error) {
	data, err := Encode(rec)
	if err != nil {
		return "", err
	}
	dir := LocalPath(filepath.Join(r.localPrefix, stagingDir), rec.App, rec.Datacenter)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	f, err := os.CreateTemp(dir, strconv.Itoa(rec.ID)+"-*.json")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing staging file: %w", err)
	}
	return f.Name(), nil
}

// GetInstance downloads and decodes one record into the local mirror. It
// never fails outright: a missing object yields NotFound, any other error
// Unavailable.
func (r *Registry) GetInstance(ctx context.Context, app, datacenter string, id int) Lookup {
	parts := recordParts(app, datacenter, id)
	key := RemoteKey(r.remotePrefix, parts...)
	local := LocalPath(r.localPrefix, parts...)

	lookup := r.fetch(ctx, key, local, datacenter)
	metrics.RegistryOperationsTotal.WithLabelValues("get", lookup.Status.String()).Inc()
	switch lookup.Status {
	case NotFound:
		slog.Debug("Instance record not found", "key", key)
	case Unavailable:
		slog.Error("Instance record unavailable", "key", key, "error", lookup.Err)
	}
	return lookup
}

func (r *Registry) fetch(ctx context.Context, key, local, datacenter string) Lookup {
	if err := r.store.Download(ctx, key, local, r.attempts); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			dropMirror(local)
			return Lookup{Status: NotFound}
		}
		return Lookup{Status: Unavailable, Err: err}
	}
	return readLocal(local, datacenter)
}

// Cached reads a record from the local mirror without contacting the
// store.
func (r *Registry) Cached(app, datacenter string, id int) Lookup {
	return readLocal(LocalPath(r.localPrefix, recordParts(app, datacenter, id)...), datacenter)
}

func readLocal(path, datacenter string) Lookup {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Lookup{Status: NotFound}
	}
	if err != nil {
		return Lookup{Status: Unavailable, Err: err}
	}
	rec, err := Decode(data, datacenter)
	if err != nil {
		return Lookup{Status: Unavailable, Err: fmt.Errorf("%s: %w", path, err)}
	}
	return Lookup{Status: Found, Record: rec}
}

// GetAllIDs resolves every record stored under app. Keys that do not parse
// and records that cannot be read are logged and skipped. The result is
// unordered; see Sort.
func (r *Registry) GetAllIDs(ctx context.Context, app string) ([]*InstanceRecord, error) {
	prefix := RemoteKey(r.remotePrefix, app) + "/"
	var records []*InstanceRecord
	for key, err := range r.store.List(ctx, prefix) {
		if err != nil {
			metrics.RegistryOperationsTotal.WithLabelValues("list", metrics.ResultFailure).Inc()
			return nil, fmt.Errorf("listing instances of %q: %w", app, err)
		}
		dc, id, err := parseKey(r.remotePrefix, app, key)
		if err != nil {
			slog.Warn("Skipping unrecognised instance key", "key", key, "error", err)
			continue
		}
		lookup := r.GetInstance(ctx, app, dc, id)
		if lookup.Status != Found {
			continue
		}
		records = append(records, lookup.Record)
	}
	metrics.RegistryOperationsTotal.WithLabelValues("list", metrics.ResultSuccess).Inc()
	return records, nil
}

// dropMirror removes a mirrored record that no longer exists remotely.
func dropMirror(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove mirrored instance record", "path", path, "error", err)
	}
}

// Delete removes rec's stored object and its local mirror. Failures are
// logged only.
func (r *Registry) Delete(ctx context.Context, rec *InstanceRecord) {
	key := r.remoteKey(rec)
	err := r.store.Delete(ctx, []string{key})
	metrics.RegistryOperationsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		slog.Error("Failed to delete instance record", "key", key, "error", err)
		return
	}
	dropMirror(LocalPath(r.localPrefix, recordParts(rec.App, rec.Datacenter, rec.ID)...))
	slog.Info("Instance record deleted", "key", key)
}

// Sort orders records by ascending ID in place.
func Sort(records []*InstanceRecord) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

// Sort orders records by ascending ID in place.
func (r *Registry) Sort(records []*InstanceRecord) {
	Sort(records)
}

// AttachVolumes hands the attachment to the configured VolumeAttacher.
func (r *Registry) AttachVolumes(ctx context.Context, rec *InstanceRecord, mountPath, device string) error {
	return r.attacher.AttachVolumes(ctx, rec, mountPath, device)
}
