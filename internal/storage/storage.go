package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// ErrDisabled is returned by NewService when no endpoint is configured.
var ErrDisabled = errors.New("object storage not configured")

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Service stores oversized relay ciphertexts in an S3-compatible bucket.
// Objects are deleted together with the relay row that points at them.
type Service struct {
	client       *minio.Client
	bucketName   string
	bucketRegion string
	log          *logrus.Entry
}

// NewService creates a new storage service and makes sure the bucket exists.
func NewService(ctx context.Context, cfg config.S3Config) (*Service, error) {
	if cfg.Endpoint == "" {
		return nil, ErrDisabled
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	service := &Service{
		client:       client,
		bucketName:   cfg.Bucket,
		bucketRegion: cfg.Region,
		log:          logrus.WithField("component", "storage"),
	}

	if err := service.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return service, nil
}

// ensureBucket creates the bucket if it doesn't exist
func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{
			Region: s.bucketRegion,
		})
		if err != nil {
			return err
		}
		s.log.Infof("Created bucket: %s", s.bucketName)
	}

	return nil
}

// Put uploads data under key, replacing any existing object.
func (s *Service) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object under key. Deleting a missing object succeeds.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
