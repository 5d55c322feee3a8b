package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3Client is the subset of *s3.Client the backend needs, matched so tests
// can substitute a fake — the same shape as bedrock.RuntimeClient in the
// example pack's model client adapter.
type s3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend stores blobs directly in a bucket, sharding keys under two
// levels of prefix directories (aa/bb/rest) the way content-addressed
// stores commonly lay out millions of objects, plus an optional caller
// prefix so one bucket can host more than one deployment.
type S3Backend struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3Backend constructs a backend against bucket using client (typically
// *s3.Client built from an aws.Config loaded via
// config.LoadDefaultConfig). prefix, if non-empty, is prepended to every
// object key.
func NewS3Backend(client s3Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) objectKey(key string) string {
	if len(key) < 4 {
		if b.prefix == "" {
			return key
		}
		return b.prefix + "/" + key
	}
	sharded := key[:2] + "/" + key[2:4] + "/" + key
	if b.prefix == "" {
		return sharded
	}
	return b.prefix + "/" + sharded
}

func (b *S3Backend) Head(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: s3 head %s: %w", key, err)
	}
	return true, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, content io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   content,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore: s3 put %s: %w", key, err)
	}
	return nil
}

// isNotFound reports whether err is S3's NotFound/NoSuchKey API error,
// matching on the smithy APIError interface rather than a concrete type so
// it survives retries and wrapping the same way isRateLimited does in the
// bedrock model client.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
