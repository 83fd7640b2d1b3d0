// Package awsconf builds aws.Config values shared by the settings and secret
// backends.
package awsconf

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// DefaultRegion is used when no region resolves and no custom endpoint is set.
const DefaultRegion = "us-east-1"

// Config selects region, profile and credentials for AWS clients.
type Config struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// UseIMDSRegion asks the EC2 instance metadata service for the region
	// when neither config, env nor profile supplied one.
	UseIMDSRegion bool `mapstructure:"use_imds_region"`
}

// regionLookup is replaced in tests.
var regionLookup = imdsRegion

// Load builds the AWS configuration with the SDK's default credential chain
// unless static credentials are given.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	region := awsCfg.Region
	if region == "" && cfg.UseIMDSRegion {
		region = regionLookup(ctx, awsCfg)
	}
	awsCfg.Region = ResolveRegion(cfg.Endpoint, region)
	return awsCfg, nil
}

// ResolveRegion applies the fallback default after SDK resolution. Custom
// endpoints (moto, localstack) get no default.
func ResolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultRegion
	}
	return ""
}

func imdsRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out == nil {
		return ""
	}
	return out.Region
}
