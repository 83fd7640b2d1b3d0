package settings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config names the bucket and key prefix for settings documents.
type S3Config struct {
	Bucket         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool
}

// NewS3Client builds an S3 client honoring custom endpoints.
func NewS3Client(awsCfg aws.Config, cfg S3Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

// S3Store keeps one JSON document per identity in a bucket.
//
// Merge is a read-modify-write guarded by an in-process mutex; concurrent
// writers in other processes are not coordinated.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	mu     sync.Mutex
	now    func() time.Time
}

var _ Store = (*S3Store)(nil)

func NewS3Store(client S3API, cfg S3Config) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("settings.s3.bucket is required")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

func (s *S3Store) key(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return s.prefix + hex.EncodeToString(sum[:]) + ".json"
}

func (s *S3Store) Get(ctx context.Context, identity string) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	return s.get(ctx, id)
}

func (s *S3Store) get(ctx context.Context, id string) (Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return Record{}, wrapS3Error("get", err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read settings object: %w", ErrUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("parse settings: %w", err)
	}
	return rec, nil
}

func (s *S3Store) Merge(ctx context.Context, identity string, patch Patch) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{UserID: id}
	case err != nil:
		return Record{}, err
	}
	rec = patch.Apply(rec, s.now())

	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(id)),
		Body:                 bytes.NewReader(b),
		ContentLength:        aws.Int64(int64(len(b))),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return Record{}, wrapS3Error("put", err)
	}
	return rec, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: head bucket %s: %w", ErrUnavailable, s.bucket, err)
	}
	return nil
}

// wrapS3Error maps missing objects to ErrNotFound and everything else to
// ErrUnavailable.
func wrapS3Error(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		}
	}
	return fmt.Errorf("%w: s3 %s: %w", ErrUnavailable, op, err)
}
