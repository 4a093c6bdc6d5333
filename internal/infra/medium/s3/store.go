// Package s3 provides a persistence medium backed by an S3-compatible object
// store (AWS S3 or MinIO), for hosts that sync instrument state to a bucket.
// Minimal surface area: single bucket, keys map to object keys under an
// optional prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"groovecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Medium = (*Store)(nil)

// Store is an S3-backed key-value medium.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds explicit construction parameters (mostly for tests). For prod
// we rely primarily on environment variables.
type Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool
}

// Environment variables:
//   GROOVECORE_MEDIUM_DRIVER=s3
//   GROOVECORE_S3_BUCKET=<bucket> (required)
//   GROOVECORE_S3_REGION=<region> (default us-east-1)
//   GROOVECORE_S3_PREFIX=<key prefix> (optional)
//   GROOVECORE_S3_ENDPOINT=<url> (optional, for MinIO)
//   GROOVECORE_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 medium from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// OpenFromEnv constructs an S3 medium from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("GROOVECORE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GROOVECORE_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("GROOVECORE_S3_REGION"),
		Prefix:    os.Getenv("GROOVECORE_S3_PREFIX"),
		Endpoint:  os.Getenv("GROOVECORE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("GROOVECORE_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

// Get returns the object bytes stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &obj})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get object %q: %w", obj, err)
	}
	defer func() { _ = out.Body.Close() }()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read object %q: %w", obj, err)
	}
	return raw, true, nil
}

// Set writes the object under key, mapping service quota failures onto the
// domain sentinel so the eviction ladder can react.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	obj := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &obj,
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		if isQuota(err) {
			return fmt.Errorf("put object %q: %w", obj, domain.ErrQuotaExceeded)
		}
		return fmt.Errorf("put object %q: %w", obj, err)
	}
	return nil
}

// Remove deletes the object under key; absent objects are a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	obj := s.objectKey(key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &obj}); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %q: %w", obj, err)
	}
	return nil
}

// Keys enumerates every stored key under the prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	prefix := ""
	if s.prefix != "" {
		prefix = strings.TrimSuffix(s.prefix, "/") + "/"
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, o := range out.Contents {
			if o.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*o.Key, prefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// apiError matches smithy-style coded service errors without depending on
// the smithy module directly.
type apiError interface {
	ErrorCode() string
}

func isNotFound(err error) bool {
	var ae apiError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func isQuota(err error) bool {
	var ae apiError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "QuotaExceeded", "EntityTooLarge", "ServiceQuotaExceededException":
			return true
		}
	}
	return false
}
