// Package s3client stores run artifacts in an S3-compatible bucket.
package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kuitang/settings-e2e/internal/errs"
)

// Client wraps an S3 client bound to one bucket and an optional key prefix.
type Client struct {
	s3Client   *s3.Client
	bucketName string
	prefix     string
}

// Config holds the configuration for creating an S3 client.
type Config struct {
	// Endpoint overrides the S3 endpoint for S3-compatible stores. Empty means AWS.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// Prefix is prepended to every key, e.g. "settings-e2e".
	Prefix string
	// UsePathStyle is required by gofakes3 and most local S3 emulators.
	UsePathStyle bool
}

// New creates a client. Credentials fall back to the default AWS chain when unset.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errs.New(errs.InvalidArgument, "s3client: bucket name is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3client: load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewFromS3Client(s3Client, cfg.BucketName, cfg.Prefix), nil
}

// NewFromS3Client wraps an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName, prefix string) *Client {
	return &Client{
		s3Client:   s3Client,
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
	}
}

// Key returns the full object key for a caller-relative key.
func (c *Client) Key(key string) string {
	key = strings.TrimLeft(key, "/")
	if c.prefix == "" {
		return key
	}
	return path.Join(c.prefix, key)
}

// PutObject stores content under key. Objects stay private to the bucket.
func (c *Client) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	full := c.Key(key)
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(full),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("s3client: put %q", full), err)
	}
	return nil
}

// GetObject returns the content under key, or an errs.NotFound error.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	full := c.Key(key)
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(full),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &notFound) {
			return nil, errs.Wrap(errs.NotFound, fmt.Sprintf("s3client: %q not found", full), err)
		}
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("s3client: get %q", full), err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("s3client: read %q", full), err)
	}
	return data, nil
}

// ListKeys returns caller-relative keys under prefix.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	full := c.Key(prefix)
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucketName),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("s3client: list %q", full), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if c.prefix != "" {
				key = strings.TrimPrefix(key, c.prefix+"/")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteObject removes key. Deleting a missing key succeeds.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	full := c.Key(key)
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(full),
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("s3client: delete %q", full), err)
	}
	return nil
}

// BucketName returns the configured bucket name.
func (c *Client) BucketName() string {
	return c.bucketName
}

// URI returns the s3:// location of key, for logs and reports.
func (c *Client) URI(key string) string {
	return "s3://" + c.bucketName + "/" + c.Key(key)
}
