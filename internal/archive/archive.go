// Package archive stores rendered meeting summaries in S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotConfigured = errors.New("archive not configured")

const defaultURLExpiry = 7 * 24 * time.Hour

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
}

type Store struct {
	client objectStore
	bucket string
	expiry time.Duration
}

// New connects to the configured endpoint. An empty endpoint yields a nil
// Store; callers treat that as archiving disabled.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, expiry: defaultURLExpiry}, nil
}

// EnsureBucket creates the bucket on first boot.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return ErrNotConfigured
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func SummaryKey(teamID, meetingID, ext string) string {
	return fmt.Sprintf("summaries/%s/%s.%s", teamID, meetingID, ext)
}

// PutSummary uploads a rendered summary and returns a presigned download URL.
func (s *Store) PutSummary(ctx context.Context, teamID, meetingID, ext, contentType string, data []byte) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	key := SummaryKey(teamID, meetingID, ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.SummaryURL(ctx, key)
}

func (s *Store) SummaryURL(ctx context.Context, key string) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
