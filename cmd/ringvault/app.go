package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/identity"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/objectstore"
	"github.com/ringvault/ringvault/internal/registry"
	"github.com/ringvault/ringvault/internal/storage"
)

// app bundles the components every command needs.
type app struct {
	cfg      *config.Config
	info     identity.InstanceInfo
	prefix   string
	backend  storage.Backend
	store    *objectstore.Store
	registry *registry.Registry
	closers  []func() error
}

// newApp resolves the local identity, opens the configured backend and
// builds the store and registry on top of it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	metrics.Register()

	info, err := newIdentity(ctx, cfg.Identity)
	if err != nil {
		return nil, err
	}
	backend, closer, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, info: info, backend: backend}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.prefix = cfg.Backup.ClusterPrefix(info.Region(), cfg.Identity.App)
	a.store = objectstore.New(backend, objectstore.OptionsFromConfig(cfg, a.prefix)...)
	a.registry = registry.New(a.store, info, cfg.Instances)
	return a, nil
}

// close drains background uploads and releases the backend.
func (a *app) close(ctx context.Context) error {
	errs := []error{a.store.Close(ctx)}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func newIdentity(ctx context.Context, cfg config.IdentityConfig) (identity.InstanceInfo, error) {
	switch cfg.Provider {
	case "ec2":
		info, err := identity.NewEC2Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving EC2 identity: %w", err)
		}
		return info, nil
	default:
		info, err := identity.LoadStatic(cfg.LocalFile)
		if err != nil {
			return nil, fmt.Errorf("loading local identity: %w", err)
		}
		return info, nil
	}
}

// newBackend opens the configured storage backend. The returned closer may
// be nil.
func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, func() error, error) {
	switch cfg.Backend {
	case "aws":
		b, err := storage.NewAWSBackend(ctx, storage.AWSOptions{
			Bucket:          cfg.AWSBucket,
			Region:          cfg.AWSRegion,
			Prefix:          cfg.AWSPrefix,
			EndpointURL:     cfg.AWSEndpoint,
			UsePathStyle:    cfg.AWSPathStyle,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initializing AWS storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "aws", "bucket", cfg.AWSBucket, "region", cfg.AWSRegion, "prefix", cfg.AWSPrefix)
		return b, nil, nil
	case "gcp":
		b, err := storage.NewGCPBackend(ctx, cfg.GCPBucket, cfg.GCPProject, cfg.GCPPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing GCP storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "gcp", "bucket", cfg.GCPBucket, "project", cfg.GCPProject, "prefix", cfg.GCPPrefix)
		return b, nil, nil
	case "azure":
		b, err := storage.NewAzureBackend(ctx, storage.AzureOptions{
			Container:          cfg.AzureContainer,
			AccountURL:         cfg.AzureAccountURL,
			Prefix:             cfg.AzurePrefix,
			ConnectionString:   cfg.AzureConnectionString,
			UseManagedIdentity: cfg.AzureManagedIdentity,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initializing Azure storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", cfg.AzureContainer, "account", cfg.AzureAccountURL, "prefix", cfg.AzurePrefix)
		return b, nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", cfg.SQLitePath)
		return b, b.Close, nil
	case "memory":
		slog.Warn("Using in-memory storage backend; data is lost on exit")
		return storage.NewMemoryBackend(), nil, nil
	default:
		b, err := storage.NewLocalBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing local storage backend: %w", err)
		}
		// Every start is a recovery: drop temp files of interrupted writes.
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", cfg.Local.RootDir)
		return b, nil, nil
	}
}
