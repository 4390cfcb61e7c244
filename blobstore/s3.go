package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/getcaravan/caravan/schemas"
)

// S3Fetcher reads scraped text objects from an S3 bucket, pinned to the
// object version recorded on the manufacturer.
type S3Fetcher struct {
	client *s3.Client
	bucket string
	prefix string
	logger schemas.Logger
}

// NewS3Fetcher creates a fetcher from the blob store configuration. Static
// credentials are used when provided, otherwise the default chain (IAM
// role, env vars, etc.).
func NewS3Fetcher(ctx context.Context, config *Config, logger schemas.Logger) (*S3Fetcher, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("blob store bucket is required")
	}

	var cfg aws.Config
	var err error
	if config.AccessKey != "" && config.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, config.SessionToken)
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(config.Region),
			awsconfig.WithCredentialsProvider(creds),
		)
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for blob store: %w", err)
	}

	return &S3Fetcher{
		client: s3.NewFromConfig(cfg),
		bucket: config.Bucket,
		prefix: config.KeyPrefix,
		logger: logger,
	}, nil
}

// FetchText downloads one manufacturer's scraped text at the given object
// version.
func (f *S3Fetcher) FetchText(ctx context.Context, etld1, versionID string) (string, error) {
	key := f.objectKey(etld1)
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	out, err := f.client.GetObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to fetch s3://%s/%s@%s: %w", f.bucket, key, versionID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read s3://%s/%s@%s: %w", f.bucket, key, versionID, err)
	}
	f.logger.Debug("fetched scraped text", "etld1", etld1, "version_id", versionID, "bytes", len(data))
	return string(data), nil
}

func (f *S3Fetcher) objectKey(etld1 string) string {
	return f.prefix + etld1 + ".txt"
}
