package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// IMDSAPI is the subset of the instance metadata client used by EC2Info.
// Tests substitute a mock.
type IMDSAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// EC2Info is an InstanceInfo resolved from the EC2 instance metadata
// service at construction time.
type EC2Info struct {
	static Static
}

// NewEC2Info queries the default metadata endpoint.
func NewEC2Info(ctx context.Context) (*EC2Info, error) {
	return NewEC2InfoWithClient(ctx, imds.New(imds.Options{}))
}

// NewEC2InfoWithClient resolves identity through the given client. The
// identity document is required; the remaining paths are optional and
// logged when absent.
func NewEC2InfoWithClient(ctx context.Context, client IMDSAPI) (*EC2Info, error) {
	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("reading instance identity document: %w", err)
	}

	info := &EC2Info{static: Static{
		RackName:        doc.AvailabilityZone,
		PrivateIPValue:  doc.PrivateIP,
		InstanceIDValue: doc.InstanceID,
		InstanceTypeVal: doc.InstanceType,
		RegionValue:     doc.Region,
	}}

	info.static.HostnameValue = optionalMetadata(ctx, client, "public-hostname")
	if info.static.HostnameValue == "" {
		info.static.HostnameValue = optionalMetadata(ctx, client, "hostname")
	}
	info.static.HostIPValue = optionalMetadata(ctx, client, "public-ipv4")

	if mac := optionalMetadata(ctx, client, "mac"); mac != "" {
		info.static.VpcIDValue = optionalMetadata(ctx, client, "network/interfaces/macs/"+mac+"/vpc-id")
	}
	info.static.ASG = optionalMetadata(ctx, client, "tags/instance/aws:autoscaling:groupName")

	slog.Info("Resolved EC2 identity",
		"instance_id", info.InstanceID(),
		"region", info.Region(),
		"rack", info.Rack(),
		"environment", info.Environment(),
	)
	return info, nil
}

// optionalMetadata returns the trimmed value at path, or "" when the path
// cannot be read.
func optionalMetadata(ctx context.Context, client IMDSAPI, path string) string {
	value, err := readMetadata(ctx, client, path)
	if err != nil {
		slog.Debug("Instance metadata path unavailable", "path", path, "error", err)
		return ""
	}
	return value
}

func readMetadata(ctx context.Context, client IMDSAPI, path string) (string, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	if out.Content == nil {
		return "", errors.New("empty metadata response")
	}
	defer out.Content.Close()
	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (e *EC2Info) Rack() string             { return e.static.Rack() }
func (e *EC2Info) Hostname() string         { return e.static.Hostname() }
func (e *EC2Info) HostIP() string           { return e.static.HostIP() }
func (e *EC2Info) PrivateIP() string        { return e.static.PrivateIP() }
func (e *EC2Info) InstanceID() string       { return e.static.InstanceID() }
func (e *EC2Info) InstanceType() string     { return e.static.InstanceType() }
func (e *EC2Info) VpcID() string            { return e.static.VpcID() }
func (e *EC2Info) AutoScalingGroup() string { return e.static.AutoScalingGroup() }
func (e *EC2Info) Environment() Environment { return e.static.Environment() }
func (e *EC2Info) Region() string           { return e.static.Region() }
