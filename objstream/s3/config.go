package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL.
	// Used for S3-compatible services (MinIO, LocalStack, R2).
	// Example: "http://localhost:4566" for LocalStack.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted style.
	// Required for some S3-compatible services (e.g., LocalStack, MinIO with default config).
	// AWS S3 uses virtual-hosted style by default.
	UsePathStyle bool

	// Credentials are the AWS credentials to use.
	// If nil, uses the default credential chain.
	Credentials aws.CredentialsProvider
}

// NewClient creates a new S3 client with the given configuration.
//
// SDK retries are disabled: every attempt is surfaced to objstream, which
// applies its own per-operation retry specs and resumes reads.
//
// For AWS S3:
//
//	client, err := s3store.NewClient(ctx, s3store.ClientConfig{
//	    Region: "us-east-1",
//	})
//
// For LocalStack:
//
//	client, err := s3store.NewClient(ctx, s3store.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:4566",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}

	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, clientOptions(cfg)...), nil
}

func clientOptions(cfg ClientConfig) []func(*s3.Options) {
	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3Opts
}

// LocalStackConfig returns the configuration for a local LocalStack.
// Defaults: endpoint=http://localhost:4566, region=us-east-1, credentials=test/test.
func LocalStackConfig() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:4566",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	}
}

// MinIOConfig returns the configuration for a local MinIO.
// Defaults: endpoint=http://localhost:9000, region=us-east-1, credentials=minioadmin/minioadmin.
func MinIOConfig() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
	}
}

// R2Config returns the configuration for Cloudflare R2.
// The accountID is your Cloudflare account ID.
// Credentials should be R2 API tokens.
func R2Config(accountID, accessKeyID, secretAccessKey string) ClientConfig {
	return ClientConfig{
		Region:       "auto",
		Endpoint:     "https://" + accountID + ".r2.cloudflarestorage.com",
		UsePathStyle: false, // R2 supports virtual-hosted style
		Credentials:  credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	}
}

// NewLocalStackClient creates an S3 client configured for LocalStack.
func NewLocalStackClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, LocalStackConfig())
}

// NewMinIOClient creates an S3 client configured for MinIO.
func NewMinIOClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, MinIOConfig())
}

// NewR2Client creates an S3 client configured for Cloudflare R2.
func NewR2Client(ctx context.Context, accountID, accessKeyID, secretAccessKey string) (*s3.Client, error) {
	return NewClient(ctx, R2Config(accountID, accessKeyID, secretAccessKey))
}
