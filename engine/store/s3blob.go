package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/distflow/corewf/engine"
)

// S3BlobStore implements engine.BlobStore over an S3-compatible bucket,
// used to externalize snapshot payloads once they exceed the engine's
// inline-snapshot threshold. It works against AWS S3 as well as any
// S3-compatible endpoint (MinIO, etc.) by setting Endpoint and
// UsePathStyle.
type S3BlobStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3BlobStoreConfig configures an S3BlobStore.
type S3BlobStoreConfig struct {
	Region       string
	Bucket       string
	Prefix       string
	Endpoint     string // non-empty for S3-compatible endpoints (MinIO, etc.)
	UsePathStyle bool
}

// NewS3BlobStore builds an S3BlobStore from the ambient AWS credential chain
// (environment, shared config, IAM role) plus the given bucket/endpoint
// settings.
func NewS3BlobStore(ctx context.Context, cfg S3BlobStoreConfig) (*S3BlobStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3BlobStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *S3BlobStore) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

// Put implements engine.BlobStore. ref is used verbatim as the object key
// (under the configured prefix); the returned reference is the same ref,
// letting callers store it directly in Snapshot.StateExternalRef.
func (s *S3BlobStore) Put(ref string, data []byte) (string, error) {
	ctx := context.Background()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", ref, err)
	}
	return ref, nil
}

// Get implements engine.BlobStore.
func (s *S3BlobStore) Get(ref string) ([]byte, error) {
	ctx := context.Background()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

var _ engine.BlobStore = (*S3BlobStore)(nil)
