package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// StorageSessionDuration is how long assumed storage credentials stay valid.
// It covers the 3600s presigned URL lifetime with room to spare.
const StorageSessionDuration = 2 * time.Hour

type stsAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// AssumeRoleProvider hands out credentials for a storage role via STS.
// Wrap it in aws.NewCredentialsCache so AssumeRole runs only on expiry.
type AssumeRoleProvider struct {
	client  stsAPI
	roleARN string
}

// NewAssumeRoleProvider returns a cached credentials provider for roleARN.
func NewAssumeRoleProvider(cfg aws.Config, roleARN string) aws.CredentialsProvider {
	return aws.NewCredentialsCache(&AssumeRoleProvider{
		client:  sts.NewFromConfig(cfg),
		roleARN: roleARN,
	})
}

// Retrieve implements the aws.CredentialsProvider interface
func (p *AssumeRoleProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if p.roleARN == "" {
		return aws.Credentials{}, fmt.Errorf("role ARN cannot be empty")
	}

	sessionName := fmt.Sprintf("upload-relay-%d", time.Now().Unix())
	out, err := p.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(p.roleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(int32(StorageSessionDuration / time.Second)),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to assume role %s: %w", p.roleARN, err)
	}
	if out.Credentials == nil {
		return aws.Credentials{}, fmt.Errorf("assume role %s returned no credentials", p.roleARN)
	}

	return aws.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Source:          "AssumeRoleProvider",
		CanExpire:       true,
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}, nil
}
