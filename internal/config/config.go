// Package config handles loading and parsing of ringvault configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ringvault.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Storage   StorageConfig   `yaml:"storage"`
	Backup    BackupConfig    `yaml:"backup"`
	Instances InstancesConfig `yaml:"instances"`
	Async     AsyncConfig     `yaml:"async"`
	Retry     RetryConfig     `yaml:"retry"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig holds operator HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server and the
	// async upload pool.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig selects where the local instance's identity comes from.
type IdentityConfig struct {
	// Provider is "local" (a YAML file) or "ec2" (instance metadata service).
	Provider string `yaml:"provider"`
	// LocalFile is the YAML identity file read by the local provider.
	LocalFile string `yaml:"local_file"`
	// App is the logical cluster name this sidecar serves. Required.
	App string `yaml:"app"`
}

// StorageConfig holds remote object store backend settings.
type StorageConfig struct {
	// Backend is one of "aws", "gcp", "azure", "local", "sqlite", "memory".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// AWSBucket is the S3 bucket name.
	AWSBucket string `yaml:"aws_bucket"`
	// AWSRegion is the region of the S3 bucket.
	AWSRegion string `yaml:"aws_region"`
	// AWSPrefix is an optional key prefix prepended to every S3 key.
	AWSPrefix string `yaml:"aws_prefix"`
	// AWSEndpoint overrides the S3 endpoint (MinIO, localstack).
	AWSEndpoint string `yaml:"aws_endpoint"`
	// AWSPathStyle forces path-style addressing.
	AWSPathStyle bool `yaml:"aws_path_style"`
	// AWSAccessKeyID and AWSSecretAccessKey select static credentials;
	// when empty the default credential chain is used.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`

	// GCPBucket is the GCS bucket name.
	GCPBucket string `yaml:"gcp_bucket"`
	// GCPProject is the GCP project ID.
	GCPProject string `yaml:"gcp_project"`
	// GCPPrefix is an optional key prefix prepended to every GCS object name.
	GCPPrefix string `yaml:"gcp_prefix"`

	// AzureContainer is the blob container name.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount is the storage account; used to build AzureAccountURL
	// when that is empty.
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full account URL.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is an optional key prefix prepended to every blob name.
	AzurePrefix string `yaml:"azure_prefix"`
	// AzureConnectionString selects connection-string auth when set.
	AzureConnectionString string `yaml:"azure_connection_string"`
	// AzureManagedIdentity selects managed identity auth.
	AzureManagedIdentity bool `yaml:"azure_managed_identity"`
}

// LocalConfig holds local filesystem backend settings.
type LocalConfig struct {
	// RootDir is the base directory for local object storage.
	RootDir string `yaml:"root_dir"`
}

// BackupConfig holds backup transfer and retention settings.
type BackupConfig struct {
	// BucketPrefix is the first segment of every backup key, e.g.
	// "casstestbackup".
	BucketPrefix string `yaml:"bucket_prefix"`
	// RetentionDays is the expiration applied to the cluster prefix. Zero
	// or negative removes the rule.
	RetentionDays int `yaml:"retention_days"`
	// CleanupInterval is how often serve reconciles retention.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// UploadAttempts is the retry budget for backup uploads.
	UploadAttempts int `yaml:"upload_attempts"`
	// PartSize is the multipart chunk size in bytes.
	PartSize int64 `yaml:"part_size"`
	// MultipartThreshold is the size above which uploads go multipart.
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	// PartConcurrency bounds parallel part uploads per session.
	PartConcurrency int `yaml:"part_concurrency"`
}

// ClusterPrefix returns the retention prefix for a cluster:
// "{bucketPrefix}/{region}/{app}/".
func (b BackupConfig) ClusterPrefix(region, app string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.BucketPrefix, region, app} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/") + "/"
}

// InstancesConfig holds instance registry settings.
type InstancesConfig struct {
	// LocalPrefix is the directory holding staged and mirrored records.
	LocalPrefix string `yaml:"local_prefix"`
	// RemotePrefix is the key prefix of identity records.
	RemotePrefix string `yaml:"remote_prefix"`
	// Attempts is the retry budget for record transfers.
	Attempts int `yaml:"attempts"`
}

// AsyncConfig sizes the background upload pool.
type AsyncConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RetryConfig configures backoff between attempts.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path is missing it
// falls back to ringvault.example.yaml next to it or one level up.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "ringvault.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "ringvault.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8087,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			Provider:  "local",
			LocalFile: "/etc/ringvault/instance.yaml",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/objects"},
		},
		Backup: BackupConfig{
			BucketPrefix:       "casstestbackup",
			RetentionDays:      0,
			CleanupInterval:    time.Hour,
			UploadAttempts:     5,
			PartSize:           8 << 20,
			MultipartThreshold: 16 << 20,
			PartConcurrency:    4,
		},
		Instances: InstancesConfig{
			LocalPrefix:  "./data/instances",
			RemotePrefix: "instances",
			Attempts:     3,
		},
		Async: AsyncConfig{Workers: 4, QueueSize: 256},
		Retry: RetryConfig{
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8087
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Identity.Provider == "" {
		cfg.Identity.Provider = "local"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/objects.db"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Storage.AzureAccountURL == "" && cfg.Storage.AzureAccount != "" {
		cfg.Storage.AzureAccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.AzureAccount)
	}
	if cfg.Backup.CleanupInterval <= 0 {
		cfg.Backup.CleanupInterval = time.Hour
	}
	if cfg.Backup.UploadAttempts <= 0 {
		cfg.Backup.UploadAttempts = 5
	}
	if cfg.Backup.PartSize <= 0 {
		cfg.Backup.PartSize = 8 << 20
	}
	if cfg.Backup.MultipartThreshold <= 0 {
		cfg.Backup.MultipartThreshold = 16 << 20
	}
	if cfg.Backup.PartConcurrency <= 0 {
		cfg.Backup.PartConcurrency = 4
	}
	if cfg.Instances.LocalPrefix == "" {
		cfg.Instances.LocalPrefix = "./data/instances"
	}
	if cfg.Instances.RemotePrefix == "" {
		cfg.Instances.RemotePrefix = "instances"
	}
	if cfg.Instances.Attempts <= 0 {
		cfg.Instances.Attempts = 3
	}
	if cfg.Async.Workers <= 0 {
		cfg.Async.Workers = 4
	}
	if cfg.Async.QueueSize <= 0 {
		cfg.Async.QueueSize = 256
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 10 * time.Second
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2.0
	}
}

// Validate checks backend-specific required fields.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "aws":
		if c.Storage.AWSBucket == "" {
			errs = append(errs, errors.New("storage.aws_bucket is required when backend is 'aws'"))
		}
	case "gcp":
		if c.Storage.GCPBucket == "" {
			errs = append(errs, errors.New("storage.gcp_bucket is required when backend is 'gcp'"))
		}
	case "azure":
		if c.Storage.AzureContainer == "" {
			errs = append(errs, errors.New("storage.azure_container is required when backend is 'azure'"))
		}
		if c.Storage.AzureAccountURL == "" && c.Storage.AzureConnectionString == "" {
			errs = append(errs, errors.New("storage.azure_account, azure_account_url or azure_connection_string is required when backend is 'azure'"))
		}
	case "local", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Identity.Provider {
	case "local", "ec2":
	default:
		errs = append(errs, fmt.Errorf("unknown identity.provider %q", c.Identity.Provider))
	}
	// An empty app would widen the cluster prefix to the whole region.
	if strings.Trim(c.Identity.App, "/") == "" {
		errs = append(errs, errors.New("identity.app is required"))
	}
	if c.Backup.PartSize > c.Backup.MultipartThreshold {
		errs = append(errs, fmt.Errorf("backup.part_size (%d) must not exceed backup.multipart_threshold (%d)", c.Backup.PartSize, c.Backup.MultipartThreshold))
	}
	return errors.Join(errs...)
}
