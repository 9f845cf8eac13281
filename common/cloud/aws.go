package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/anthive/orchestrator/common/config"
)

// Clients builds AWS service clients over one shared credential chain.
// The chain is resolved once at startup; individual clients are cheap
// and constructed on demand by whichever drivers configuration selects.
type Clients struct {
	cfg      aws.Config
	endpoint string
}

// NewClients resolves the default AWS credential chain
func NewClients(ctx context.Context, cc config.CloudConfig) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cc.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &Clients{cfg: cfg, endpoint: cc.Endpoint}, nil
}

// SQS returns an SQS client
func (c *Clients) SQS() *sqs.Client {
	return sqs.NewFromConfig(c.cfg, func(o *sqs.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}

// Dynamo returns a DynamoDB client
func (c *Clients) Dynamo() *dynamodb.Client {
	return dynamodb.NewFromConfig(c.cfg, func(o *dynamodb.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}

// S3 returns an S3 client. Path style is forced under an endpoint
// override so localstack and minio resolve bucket names correctly.
func (c *Clients) S3() *s3.Client {
	return s3.NewFromConfig(c.cfg, func(o *s3.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
			o.UsePathStyle = true
		}
	})
}

// ECS returns an ECS client
func (c *Clients) ECS() *ecs.Client {
	return ecs.NewFromConfig(c.cfg, func(o *ecs.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}
