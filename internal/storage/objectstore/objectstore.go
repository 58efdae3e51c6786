// Package objectstore backs the journal file store with an S3-compatible
// object store. File ids are store-assigned object keys; access goes
// through presigned, time-bounded URLs.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Veldrovive/JournalServer/internal/storage"
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider     string
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	PresignTTL   time.Duration
	CreateBucket bool
}

// New creates a file store client based on the given configuration.
func New(ctx context.Context, cfg Config) (storage.FileStore, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioStore struct {
	client     *minio.Client
	bucket     string
	presignTTL time.Duration
}

func newMinioStore(ctx context.Context, cfg Config) (*minioStore, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	s := &minioStore{client: cl, bucket: cfg.Bucket, presignTTL: ttl}
	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *minioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// InsertFile uploads a local file and returns the store-assigned file id.
func (m *minioStore) InsertFile(ctx context.Context, localPath string) (string, error) {
	fileID := uuid.NewString()
	if _, err := m.client.FPutObject(ctx, m.bucket, fileID, localPath, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fileID, nil
}

// DeleteFile removes a stored file. Removing an already absent object is
// not an error, which keeps retried deletions idempotent.
func (m *minioStore) DeleteFile(ctx context.Context, fileID string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, fileID, minio.RemoveObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove object %s: %w", fileID, err)
	}
	return nil
}

// ResolveURL returns a presigned GET URL for a stored file, valid for the
// configured TTL.
func (m *minioStore) ResolveURL(ctx context.Context, fileID string) (string, error) {
	signed, err := m.client.PresignedGetObject(ctx, m.bucket, fileID, m.presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", fileID, err)
	}
	return signed.String(), nil
}
