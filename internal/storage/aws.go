package storage

// The AWS backend stores every key under an optional prefix in one S3
// bucket and uses native S3 multipart uploads and bucket lifecycle rules.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxDeleteBatch is the S3 limit on keys per DeleteObjects request.
const maxDeleteBatch = 1000

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetBucketLifecycleConfiguration(ctx context.Context, params *s3.GetBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
	DeleteBucketLifecycle(ctx context.Context, params *s3.DeleteBucketLifecycleInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketLifecycleOutput, error)
}

// AWSOptions configures NewAWSBackend.
type AWSOptions struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// AWSBackend implements Backend on top of a single S3 bucket.
type AWSBackend struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string
	// Prefix is prepended to every key.
	Prefix string
	client S3API
}

// NewAWSBackend creates an AWSBackend using the default credential chain,
// with optional overrides for custom endpoint, path-style addressing, and
// static credentials. The bucket must be reachable.
func NewAWSBackend(ctx context.Context, opts AWSOptions) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSBackendWithClient(opts.Bucket, opts.Region, opts.Prefix, s3.NewFromConfig(cfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("AWS backend initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(bucket, region, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

func (b *AWSBackend) s3Key(key string) string {
	return b.Prefix + key
}

// PutObject reads all data, computes MD5 locally for a consistent ETag,
// then uploads to S3.
func (b *AWSBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	etag := fmt.Sprintf(`"%x"`, md5.Sum(data))

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading to S3: %w", err)
	}
	return etag, nil
}

// GetObject opens an object in the bucket.
func (b *AWSBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// DeleteObjects batch-deletes keys, at most 1000 per request. Per-key
// failures reported by S3 fail the call.
func (b *AWSBackend) DeleteObjects(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(b.s3Key(key))})
		}

		resp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting %d objects from S3: %w", len(objects), err)
		}
		if len(resp.Errors) > 0 {
			first := resp.Errors[0]
			return fmt.Errorf("batch-deleting objects from S3: %d failed, first %q: %s",
				len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// ObjectExists checks whether an object exists in the bucket.
func (b *AWSBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

// ListObjects pages through ListObjectsV2 lazily, one page per request.
func (b *AWSBackend) ListObjects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.Bucket),
			Prefix: aws.String(b.s3Key(prefix)),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("listing S3 objects under %q: %w", prefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(strings.TrimPrefix(aws.ToString(obj.Key), b.Prefix), nil) {
					return
				}
			}
		}
	}
}

// CreateMultipartUpload starts a native S3 multipart upload.
func (b *AWSBackend) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		return "", fmt.Errorf("creating S3 multipart upload: %w", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart uploads one part and returns the ETag S3 assigned to it.
func (b *AWSBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading part %d to S3: %w", partNumber, err)
	}
	return aws.ToString(resp.ETag), nil
}

// CompleteMultipartUpload assembles the uploaded parts.
func (b *AWSBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range sortParts(parts) {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(b.s3Key(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("completing S3 multipart upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload discards the upload and any stored parts.
func (b *AWSBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.s3Key(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("aborting S3 multipart upload: %w", err)
	}
	return nil
}

// GetRetentionRules returns the bucket's expiration rules. Rules without an
// expiration in days are not retention rules and are skipped.
func (b *AWSBackend) GetRetentionRules(ctx context.Context) ([]RetentionRule, error) {
	raw, err := b.lifecycleRules(ctx)
	if err != nil {
		return nil, err
	}
	var rules []RetentionRule
	for _, r := range raw {
		if rule, ok := fromS3Rule(r); ok {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// PutRetentionRules replaces the bucket's expiration rules. Lifecycle rules
// that carry no expiration in days (transitions, incomplete-upload cleanup)
// are preserved. An empty result deletes the lifecycle configuration.
func (b *AWSBackend) PutRetentionRules(ctx context.Context, rules []RetentionRule) error {
	existing, err := b.lifecycleRules(ctx)
	if err != nil {
		return err
	}

	var out []types.LifecycleRule
	for _, r := range existing {
		if _, ok := fromS3Rule(r); !ok {
			out = append(out, r)
		}
	}
	for _, r := range rules {
		out = append(out, toS3Rule(r))
	}

	if len(out) == 0 {
		_, err := b.client.DeleteBucketLifecycle(ctx, &s3.DeleteBucketLifecycleInput{
			Bucket: aws.String(b.Bucket),
		})
		if err != nil {
			return fmt.Errorf("deleting S3 lifecycle configuration: %w", err)
		}
		return nil
	}

	_, err = b.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(b.Bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: out},
	})
	if err != nil {
		return fmt.Errorf("updating S3 lifecycle configuration: %w", err)
	}
	return nil
}

func (b *AWSBackend) lifecycleRules(ctx context.Context) ([]types.LifecycleRule, error) {
	resp, err := b.client.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{
		Bucket: aws.String(b.Bucket),
	})
	if err != nil {
		if awsErrorCode(err) == "NoSuchLifecycleConfiguration" {
			return nil, nil
		}
		return nil, fmt.Errorf("reading S3 lifecycle configuration: %w", err)
	}
	return resp.Rules, nil
}

func fromS3Rule(r types.LifecycleRule) (RetentionRule, bool) {
	if r.Expiration == nil || r.Expiration.Days == nil {
		return RetentionRule{}, false
	}
	prefix := aws.ToString(r.Prefix) //nolint:staticcheck // legacy rules carry the prefix here
	if r.Filter != nil && r.Filter.Prefix != nil {
		prefix = aws.ToString(r.Filter.Prefix)
	}
	return RetentionRule{
		ID:             aws.ToString(r.ID),
		Prefix:         prefix,
		ExpirationDays: int(aws.ToInt32(r.Expiration.Days)),
		Enabled:        r.Status == types.ExpirationStatusEnabled,
	}, true
}

func toS3Rule(r RetentionRule) types.LifecycleRule {
	status := types.ExpirationStatusDisabled
	if r.Enabled {
		status = types.ExpirationStatusEnabled
	}
	return types.LifecycleRule{
		ID:         aws.String(r.ID),
		Status:     status,
		Filter:     &types.LifecycleRuleFilter{Prefix: aws.String(r.Prefix)},
		Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(r.ExpirationDays))},
	}
}

// HealthCheck verifies that the bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	switch awsErrorCode(err) {
	case "NoSuchKey", "NotFound", "404", "NoSuchUpload":
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

var _ Backend = (*AWSBackend)(nil)
