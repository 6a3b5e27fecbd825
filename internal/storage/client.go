// Package storage talks to the S3-compatible object store: client
// construction, bucket listing and presigned access URLs.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stefando/uploadRelay/internal/auth"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint        string // empty = AWS default endpoint resolution
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RoleARN         string // optional role assumed through STS
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// LoadAWSConfig builds the shared AWS configuration: static credentials when
// given, otherwise the default chain, optionally narrowed to an assumed role.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.RoleARN != "" {
		awsCfg.Credentials = auth.NewAssumeRoleProvider(awsCfg, cfg.RoleARN)
	}
	return awsCfg, nil
}

// endpointURL accepts a bare host name and defaults it to https.
func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

// NewClient returns an S3 client for the configured endpoint. pathStyle puts
// the bucket in the URL path instead of the host name.
func NewClient(awsCfg aws.Config, cfg Config, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint))
		}
		o.UsePathStyle = pathStyle
	})
}
