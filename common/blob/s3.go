package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/anthive/orchestrator/common/faults"
)

// S3Store backs the blob primitive with an S3 bucket
type S3Store struct {
	client *s3.Client
	bucket string
	log    Logger
}

// NewS3Store creates an S3-backed blob store
func NewS3Store(client *s3.Client, bucket string, log Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, log: log}
}

// Put writes the blob
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return faults.Transient(err, "put s3://%s/%s", s.bucket, key)
	}

	s.log.Debug("blob written", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}

// Get returns the blob or not_found
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, faults.NotFound("blob %s not found", key)
		}
		return nil, faults.Transient(err, "get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Transient(err, "read s3://%s/%s", s.bucket, key)
	}
	return data, nil
}

// Exists reports whether the key holds a blob
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, faults.Transient(err, "head s3://%s/%s", s.bucket, key)
	}
	return true, nil
}

// List returns keys under the prefix
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, faults.Transient(err, "list s3://%s/%s", s.bucket, prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the blob
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return faults.Transient(err, "delete s3://%s/%s", s.bucket, key)
	}
	return nil
}

// Health reports backend reachability
func (s *S3Store) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return faults.Transient(err, "head bucket %s", s.bucket)
	}
	return nil
}
