// Package s3 implements domain.StorageClient against an S3-compatible
// object store (spec §4.8).
package s3

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/renderflow/broker/internal/config"
)

// Client uploads and deletes render outputs in an S3-compatible bucket,
// and presigns direct-PUT URLs for the worker to push large artifacts
// without proxying them through the broker process.
type Client struct {
	api      *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
	endpoint string
}

// New builds a Client from the OBJECT_STORE_* configuration. Call sites
// should only do so when cfg.ObjectStoreConfigured() is true; otherwise use
// NoopClient.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ObjectStoreRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.ObjectStoreAccess, cfg.ObjectStoreSecret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("op=s3.new: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreEndpoint != "" {
			o.BaseEndpoint = &cfg.ObjectStoreEndpoint
			o.UsePathStyle = true
		}
	})

	return &Client{
		api:      api,
		uploader: manager.NewUploader(api),
		presign:  s3.NewPresignClient(api),
		bucket:   cfg.ObjectStoreBucket,
		endpoint: cfg.ObjectStoreEndpoint,
	}, nil
}

// Upload streams a local file to the bucket under key and returns its public
// URL.
func (c *Client) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("op=s3.upload.open: %w", err)
	}
	defer f.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("op=s3.upload: %w", err)
	}
	return c.PublicURL(key), nil
}

// Delete removes an object, used when a cancelled or cleaned-up job's output
// must not outlive its job record.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("op=s3.delete: %w", err)
	}
	return nil
}

// PresignedPut returns a time-limited URL the worker can PUT an artifact to
// directly, bypassing the broker process for large render outputs.
func (c *Client) PresignedPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=s3.presign: %w", err)
	}
	return req.URL, nil
}

// PublicURL deterministically derives the object's public URL from its key.
func (c *Client) PublicURL(key string) string {
	if c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err != nil {
		return fmt.Errorf("op=s3.ping: %w", err)
	}
	return nil
}
