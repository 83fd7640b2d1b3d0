// Package cloudtest provides helpers for cloud integration tests using moto.
//
// The helpers point the settings and secret store AWS clients at a local moto
// server so the S3, Secrets Manager and KMS backends can be exercised without
// real AWS credentials. Tests using this package should be tagged with
// //go:build cloudintegration.
//
// Usage:
//
//	func TestS3Settings(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    store, _ := settings.NewS3Store(cloudtest.S3ClientT(t), cloudtest.S3Config(bucket))
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/3leaps/crewhost/pkg/awsconf"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is configurable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsCfg     aws.Config
	awsCfgOnce sync.Once
	awsCfgErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// AWSConfig returns the shared moto configuration, loaded the same way the
// server loads its own.
func AWSConfig(t *testing.T) aws.Config {
	t.Helper()
	awsCfgOnce.Do(func() {
		awsCfg, awsCfgErr = awsconf.Load(context.Background(), awsconf.Config{
			Region:          Region,
			Endpoint:        Endpoint,
			AccessKeyID:     TestAccessKeyID,
			SecretAccessKey: TestSecretAccessKey,
		})
	})
	if awsCfgErr != nil {
		t.Fatalf("failed to load aws config: %v", awsCfgErr)
	}
	return awsCfg
}

// S3Config returns a settings S3 configuration for bucket on moto.
func S3Config(bucket string) settings.S3Config {
	return settings.S3Config{
		Bucket:         bucket,
		Prefix:         "settings",
		Endpoint:       Endpoint,
		ForcePathStyle: true,
	}
}

// S3ClientT returns an S3 client pointed at moto.
func S3ClientT(t *testing.T) *s3.Client {
	t.Helper()
	return settings.NewS3Client(AWSConfig(t), S3Config(""))
}

// SecretsManagerConfig returns a backend configuration scoped to the test.
func SecretsManagerConfig(t *testing.T) secretstore.SecretsManagerConfig {
	return secretstore.SecretsManagerConfig{
		Endpoint:   Endpoint,
		NamePrefix: uniqueName(t) + "/",
	}
}

// SecretsManagerClientT returns a Secrets Manager client pointed at moto.
func SecretsManagerClientT(t *testing.T) *secretsmanager.Client {
	t.Helper()
	return secretstore.NewSecretsManagerClient(AWSConfig(t), secretstore.SecretsManagerConfig{Endpoint: Endpoint})
}

// KMSClientT returns a KMS client pointed at moto.
func KMSClientT(t *testing.T) *kms.Client {
	t.Helper()
	return secretstore.NewKMSClient(AWSConfig(t), Endpoint)
}

// CreateKey creates a symmetric KMS key and schedules its deletion.
func CreateKey(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := KMSClientT(t)
	out, err := c.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("crewhost " + t.Name()),
	})
	if err != nil {
		t.Fatalf("failed to create kms key: %v", err)
	}
	keyID := aws.ToString(out.KeyMetadata.KeyId)
	t.Cleanup(func() {
		_, _ = c.ScheduleKeyDeletion(context.Background(), &kms.ScheduleKeyDeletionInput{
			KeyId:               aws.String(keyID),
			PendingWindowInDays: aws.Int32(7),
		})
	})
	return keyID
}

func uniqueName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")
	// S3 bucket names max out at 63 characters.
	if len(name) > 50 {
		name = name[:50]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := S3ClientT(t)
	name := uniqueName(t)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() {
		DeleteBucket(t, context.Background(), name)
	})
	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := S3ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}
