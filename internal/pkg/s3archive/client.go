package s3archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	appconfig "github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
)

var ErrDisabled = errors.New("s3 archive is disabled")

// Client writes archive objects to an S3 compatible bucket.
type Client struct {
	s3Client *s3.Client
	cfg      appconfig.Archive
}

// NewClient builds the S3 client and makes sure the bucket is reachable.
func NewClient(ctx context.Context, cfg appconfig.Archive) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3 compatible stores (B2, MinIO) expect path-style URLs
			o.UsePathStyle = true
		}
	})

	client := &Client{s3Client: s3Client, cfg: cfg}
	if err := client.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[S3Archive] Initialized S3 client for bucket: %s", cfg.BucketName)
	return client, nil
}

func (c *Client) testConnection(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.cfg.BucketName),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", c.cfg.BucketName, err)
	}
	return nil
}

// PutObject uploads body under key, prefixed with the configured prefix.
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	fullKey := ObjectKey(c.cfg.Prefix, key)
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.BucketName),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"upload-source": "capsulenote-audit",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", c.cfg.BucketName, fullKey, err)
	}

	log.Infof("[S3Archive] Uploaded s3://%s/%s (%d bytes)", c.cfg.BucketName, fullKey, len(body))
	return nil
}

// ObjectKey joins prefix and key with a single slash.
func ObjectKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", prefix, key)
}
