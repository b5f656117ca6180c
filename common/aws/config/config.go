package config

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	ceramicrepo "github.com/ceramicnetwork/go-ceramic-repo"
	"github.com/ceramicnetwork/go-ceramic-repo/common"
)

func AwsConfigWithOverride(ctx context.Context, customEndpoint string) (aws.Config, error) {
	endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			PartitionID:   "aws",
			URL:           customEndpoint,
			SigningRegion: os.Getenv(ceramicrepo.Env_AwsRegion),
		}, nil
	})

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	return config.LoadDefaultConfig(httpCtx, config.WithEndpointResolverWithOptions(endpointResolver))
}

func AwsConfig(ctx context.Context) (aws.Config, error) {
	awsEndpoint := os.Getenv(ceramicrepo.Env_AwsEndpoint)
	if len(awsEndpoint) > 0 {
		log.Printf("config: using custom global aws endpoint: %s", awsEndpoint)
		return AwsConfigWithOverride(ctx, awsEndpoint)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	// Load the default configuration
	return config.LoadDefaultConfig(httpCtx, config.WithRegion(os.Getenv(ceramicrepo.Env_AwsRegion)))
}

// AwsConfigForStateStore is the config used by the DynamoDB state store. It
// honors the DB-specific endpoint override so pinned stream state can live
// in a local DynamoDB instance while the anchor queue and other clients hit
// regular AWS endpoints, without affecting live streams.
func AwsConfigForStateStore(ctx context.Context) (aws.Config, error) {
	dbEndpoint := os.Getenv(common.Env_DbAwsEndpoint)
	if len(dbEndpoint) > 0 {
		log.Printf("config: using custom state store endpoint: %s", dbEndpoint)
		return AwsConfigWithOverride(ctx, dbEndpoint)
	}
	return AwsConfig(ctx)
}
