package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Target addresses an S3-compatible endpoint.
type Target struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
	// Insecure skips TLS certificate verification.
	Insecure bool
	// MaxAttempts bounds SDK-internal retries. One disables them so that
	// timeouts surface to the caller instead of being retried silently.
	MaxAttempts int
}

// NewClient builds an S3 client for t.
func NewClient(ctx context.Context, t Target) (*s3.Client, error) {
	region := t.Region
	if region == "" {
		region = "us-east-1"
	}
	attempts := t.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		if t.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(t.AccessKey, t.SecretKey, "")),
		config.WithHTTPClient(httpClient),
		config.WithRetryer(func() aws.Retryer {
			return awsretry.NewStandard(func(o *awsretry.StandardOptions) {
				o.MaxAttempts = attempts
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if t.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.Endpoint)
		}
		o.UsePathStyle = t.PathStyle
	}), nil
}
