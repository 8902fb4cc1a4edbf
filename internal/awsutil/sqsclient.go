package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// NewSQSClient builds an SQS client for region. A non-empty endpoint (e.g.
// http://localhost:4566 for LocalStack) switches to static dummy credentials
// and overrides the service base endpoint.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}
