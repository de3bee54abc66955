package identity

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

type mockIMDS struct {
	doc      imds.InstanceIdentityDocument
	docErr   error
	metadata map[string]string
	paths    []string
}

func (m *mockIMDS) GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error) {
	if m.docErr != nil {
		return nil, m.docErr
	}
	return &imds.GetInstanceIdentityDocumentOutput{InstanceIdentityDocument: m.doc}, nil
}

func (m *mockIMDS) GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	m.paths = append(m.paths, params.Path)
	v, ok := m.metadata[params.Path]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(v + "\n"))}, nil
}

func TestEnvironmentFor(t *testing.T) {
	if got := EnvironmentFor("vpc-123"); got != VPC {
		t.Errorf("EnvironmentFor(vpc-123) = %s, want VPC", got)
	}
	if got := EnvironmentFor(""); got != Classic {
		t.Errorf("EnvironmentFor(\"\") = %s, want Classic", got)
	}
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.yaml")
	body := "availability_zone: us-east-1c\nprivate_ip: 10.0.0.7\ninstance_id: i-abc\nregion: us-east-1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadStatic(path)
	if err != nil {
		t.Fatalf("LoadStatic: %v", err)
	}
	if s.Rack() != "us-east-1c" || s.Region() != "us-east-1" || s.InstanceID() != "i-abc" {
		t.Errorf("unexpected identity: %+v", s)
	}
	if s.Hostname() != "10.0.0.7" || s.HostIP() != "10.0.0.7" {
		t.Errorf("Hostname/HostIP should fall back to private IP, got %q/%q", s.Hostname(), s.HostIP())
	}
	if s.AutoScalingGroup() != "" || s.InstanceType() != "" {
		t.Error("unset values should be empty strings")
	}
	if s.Environment() != Classic {
		t.Errorf("Environment = %s, want Classic", s.Environment())
	}
}

func TestLoadStaticMissingFile(t *testing.T) {
	if _, err := LoadStatic(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestEC2Info(t *testing.T) {
	client := &mockIMDS{
		doc: imds.InstanceIdentityDocument{
			Region:           "us-west-2",
			AvailabilityZone: "us-west-2a",
			InstanceID:       "i-0123",
			InstanceType:     "i3.xlarge",
			PrivateIP:        "172.31.0.9",
		},
		metadata: map[string]string{
			"hostname":                                "ip-172-31-0-9.internal",
			"mac":                                     "0a:1b:2c",
			"network/interfaces/macs/0a:1b:2c/vpc-id": "vpc-42",
			"tags/instance/aws:autoscaling:groupName": "fake-app-useast1a",
		},
	}

	info, err := NewEC2InfoWithClient(context.Background(), client)
	if err != nil {
		t.Fatalf("NewEC2InfoWithClient: %v", err)
	}
	if info.Region() != "us-west-2" || info.Rack() != "us-west-2a" {
		t.Errorf("Region/Rack = %q/%q", info.Region(), info.Rack())
	}
	if info.Hostname() != "ip-172-31-0-9.internal" {
		t.Errorf("Hostname = %q", info.Hostname())
	}
	if info.HostIP() != "172.31.0.9" {
		t.Errorf("HostIP = %q, want private IP fallback", info.HostIP())
	}
	if info.VpcID() != "vpc-42" || info.Environment() != VPC {
		t.Errorf("VpcID/Environment = %q/%s", info.VpcID(), info.Environment())
	}
	if info.AutoScalingGroup() != "fake-app-useast1a" {
		t.Errorf("AutoScalingGroup = %q", info.AutoScalingGroup())
	}

	calls := len(client.paths)
	_ = info.Hostname()
	if len(client.paths) != calls {
		t.Error("identity should be resolved once at construction")
	}
}

func TestEC2InfoIdentityDocumentRequired(t *testing.T) {
	_, err := NewEC2InfoWithClient(context.Background(), &mockIMDS{docErr: errors.New("timeout")})
	if err == nil {
		t.Fatal("expected error when identity document is unavailable")
	}
}
