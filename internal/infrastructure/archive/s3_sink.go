package archive

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
)

// S3Sink uploads reports as single objects. PutObject is atomic, so a failed
// upload leaves no object behind.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// A custom endpoint (MinIO, LocalStack) switches to path-style addressing.
func NewS3Client(ctx context.Context, cfg config.ReportsConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewInternalError("failed to load AWS config").WithCause(err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Sink stores reports under prefix in bucket
func NewS3Sink(client S3API, bucket, prefix string, logger *zap.Logger) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.Named("s3_sink"),
	}
}

// EnsureBucket creates the bucket when it does not exist yet
func (s *S3Sink) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}); createErr != nil {
		return errors.NewInternalError("failed to create bucket").WithCause(createErr)
	}

	s.logger.Info("created report bucket", zap.String("bucket", s.bucket))
	return nil
}

// Key returns the object key used for filename
func (s *S3Sink) Key(filename string) string {
	if s.prefix == "" {
		return filename
	}
	return path.Join(s.prefix, filename)
}

// Deliver uploads payload as bucket/prefix/filename
func (s *S3Sink) Deliver(ctx context.Context, filename, contentType string, payload []byte) error {
	if err := validateFilename(filename); err != nil {
		return err
	}

	key := s.Key(filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(payload))),
		ChecksumAlgorithm:    types.ChecksumAlgorithmSha256,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"report-type": "compliance-audit",
		},
	})
	if err != nil {
		return errors.NewExternalError("s3", "failed to upload audit report").WithCause(err)
	}

	s.logger.Info("audit report uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(payload)))
	return nil
}
