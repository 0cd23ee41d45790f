package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/timkrebs/image-resizer/internal/metrics"
)

// Object key prefixes
const (
	OriginalsPrefix = "originals/"
	ProcessedPrefix = "processed/"
)

// OriginalKey returns the key an uploaded original is stored under
func OriginalKey(jobID uuid.UUID, filename string) string {
	return OriginalsPrefix + jobID.String() + "/" + safeName(filename)
}

// ProcessedKey returns the key a resize output is stored under. The output
// file name carries the scaled_ or rotated_ prefix chosen by the resizer.
func ProcessedKey(jobID uuid.UUID, outputName string) string {
	return ProcessedPrefix + jobID.String() + "/" + safeName(outputName)
}

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "image"
	}
	return name
}

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	metrics    *metrics.StorageMetrics
	bucketName string
}

// Config holds MinIO configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New creates a new storage client
func New(cfg Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Storage{
		client:     client,
		bucketName: cfg.Bucket,
	}, nil
}

// SetMetrics injects metrics collectors into storage client
func (s *Storage) SetMetrics(m *metrics.StorageMetrics) {
	s.metrics = m
}

func (s *Storage) transferred(operation string, n int64) {
	if s.metrics != nil && n > 0 {
		s.metrics.BytesTransferred.WithLabelValues(operation).Add(float64(n))
	}
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload streams reader to key
func (s *Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	info, err := s.client.PutObject(ctx, s.bucketName, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.metrics.Observe("upload", start, err)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	s.transferred("upload", info.Size)
	return nil
}

// UploadFile uploads a local file to key
func (s *Storage) UploadFile(ctx context.Context, key, filePath, contentType string) error {
	start := time.Now()
	info, err := s.client.FPutObject(ctx, s.bucketName, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.metrics.Observe("upload_file", start, err)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	s.transferred("upload", info.Size)
	return nil
}

// Download opens key for reading. The caller closes the reader.
func (s *Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	s.metrics.Observe("download", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// DownloadToFile writes the object at key to filePath
func (s *Storage) DownloadToFile(ctx context.Context, key, filePath string) error {
	start := time.Now()
	err := s.client.FGetObject(ctx, s.bucketName, key, filePath, minio.GetObjectOptions{})
	s.metrics.Observe("download_file", start, err)
	if err != nil {
		return fmt.Errorf("failed to download object: %w", err)
	}
	return nil
}

// Delete removes an object from storage
func (s *Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	s.metrics.Observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// GetPresignedURL generates a presigned URL for downloading
func (s *Storage) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

// Stat retrieves object metadata
func (s *Storage) Stat(ctx context.Context, key string) (*minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &info, nil
}

// Health checks if storage is accessible
func (s *Storage) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
