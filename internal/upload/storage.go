package upload

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// StorageConfig carries the S3-compatible object store connection details.
type StorageConfig struct {
	AccessKey   string
	SecretKey   string
	EndpointURL string
	Bucket      string
	Region      string
}

// NewS3Client builds an S3 client pointed at an S3-compatible endpoint
// (Tigris, MinIO, or AWS S3 itself), using path-style addressing so the
// bucket name doesn't need to be part of the endpoint's DNS name.
func NewS3Client(ctx context.Context, cfg StorageConfig) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.EndpointURL)
		o.UsePathStyle = true
	})
	return client, nil
}
