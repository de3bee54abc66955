package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringvault.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "identity:\n  app: fake-app\nstorage:\n  backend: memory\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Instances.Attempts != 3 {
		t.Errorf("Instances.Attempts = %d, want 3", cfg.Instances.Attempts)
	}
	if cfg.Instances.RemotePrefix != "instances" {
		t.Errorf("RemotePrefix = %q", cfg.Instances.RemotePrefix)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v", cfg.Retry.Multiplier)
	}
	if cfg.Async.Workers != 4 {
		t.Errorf("Async.Workers = %d", cfg.Async.Workers)
	}
}

func TestLoadParsesDurationsAndSizes(t *testing.T) {
	path := writeConfig(t, `
identity:
  app: fake-app
backup:
  bucket_prefix: casstestbackup
  retention_days: 7
  cleanup_interval: 15m
  part_size: 5242880
  multipart_threshold: 10485760
retry:
  initial_backoff: 50ms
  max_backoff: 2s
  multiplier: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.CleanupInterval != 15*time.Minute {
		t.Errorf("CleanupInterval = %v", cfg.Backup.CleanupInterval)
	}
	if cfg.Backup.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d", cfg.Backup.RetentionDays)
	}
	if cfg.Retry.InitialBackoff != 50*time.Millisecond || cfg.Retry.MaxBackoff != 2*time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Backup.PartSize != 5<<20 {
		t.Errorf("PartSize = %d", cfg.Backup.PartSize)
	}
}

func TestLoadRejectsIncompleteBackend(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"aws without bucket", "storage:\n  backend: aws\n", "aws_bucket"},
		{"gcp without bucket", "storage:\n  backend: gcp\n", "gcp_bucket"},
		{"azure without container", "storage:\n  backend: azure\n  azure_account: acct\n", "azure_container"},
		{"unknown backend", "storage:\n  backend: tape\n", "unknown storage.backend"},
		{"unknown identity", "identity:\n  provider: consul\n", "unknown identity.provider"},
		{"part size above threshold", "backup:\n  part_size: 100\n  multipart_threshold: 10\n", "part_size"},
		{"missing app", "storage:\n  backend: memory\n", "identity.app is required"},
		{"slash-only app", "identity:\n  app: /\n", "identity.app is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestAzureAccountURLDerived(t *testing.T) {
	cfg, err := Load(writeConfig(t, "identity:\n  app: fake-app\nstorage:\n  backend: azure\n  azure_container: c\n  azure_account: acct\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.AzureAccountURL != "https://acct.blob.core.windows.net" {
		t.Errorf("AzureAccountURL = %q", cfg.Storage.AzureAccountURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestClusterPrefix(t *testing.T) {
	tests := []struct {
		bucketPrefix, region, app string
		want                      string
	}{
		{"casstestbackup", "us-east-1", "fake-app", "casstestbackup/us-east-1/fake-app/"},
		{"casstestbackup/", "/us-east-1/", "fake-app", "casstestbackup/us-east-1/fake-app/"},
		{"", "us-east-1", "fake-app", "us-east-1/fake-app/"},
	}
	for _, tt := range tests {
		got := BackupConfig{BucketPrefix: tt.bucketPrefix}.ClusterPrefix(tt.region, tt.app)
		if got != tt.want {
			t.Errorf("ClusterPrefix(%q, %q, %q) = %q, want %q", tt.bucketPrefix, tt.region, tt.app, got, tt.want)
		}
	}
}

func TestDefaultIsValidOnceAppIsSet(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "identity.app") {
		t.Fatalf("Default().Validate() = %v, want identity.app error", err)
	}
	cfg.Identity.App = "fake-app"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}
