package settings

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failGet error
	failPut error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != "settings-bucket" {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Store(t *testing.T) {
	s, err := NewS3Store(newFakeS3(), S3Config{Bucket: "settings-bucket", Prefix: "/users/"})
	require.NoError(t, err)
	storeContract(t, s)
}

func TestS3Store_KeyLayout(t *testing.T) {
	fake := newFakeS3()
	s, err := NewS3Store(fake, S3Config{Bucket: "settings-bucket", Prefix: "users"})
	require.NoError(t, err)

	_, err = s.Merge(context.Background(), "frank@example.com", Patch{Address: String("frank@example.com")})
	require.NoError(t, err)

	require.Len(t, fake.objects, 1)
	for k := range fake.objects {
		assert.True(t, strings.HasPrefix(k, "settings-bucket/users/"))
		assert.NotContains(t, k, "frank")
	}
}

func TestS3Store_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s, err := NewS3Store(fake, S3Config{Bucket: "settings-bucket"})
	require.NoError(t, err)

	fake.failGet = &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}
	_, err = s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.failGet = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	_, err = s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrUnavailable)

	fake.failGet = nil
	fake.failPut = errors.New("connection reset")
	_, err = s.Merge(ctx, "a@example.com", Patch{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestS3Store_PingAndValidation(t *testing.T) {
	_, err := NewS3Store(nil, S3Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewS3Store(newFakeS3(), S3Config{})
	assert.Error(t, err)

	s, err := NewS3Store(newFakeS3(), S3Config{Bucket: "other"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}
