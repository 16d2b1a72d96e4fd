package archive

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores a finished audit report. Delivery is all-or-nothing.
type Sink interface {
	Deliver(ctx context.Context, filename, contentType string, payload []byte) error
}

// S3API is the subset of the S3 client used by S3Sink
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}
