// Package miniostore implements the object store gateway on any
// S3-compatible backend (MinIO, AWS S3) via minio-go.
package miniostore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
)

// Store holds a minio client bound to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New constructs the gateway and bootstraps the bucket and its retention
// rules. Bootstrap is idempotent and safe to run from every process.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.new: %w", err)
	}
	s := &Store{client: client, bucket: cfg.S3Bucket}
	if err := s.ensureBucket(ctx, cfg.S3RetentionDays); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureBucket creates the bucket when missing and installs one-day (by
// default) expiry rules for the raw/, processed/, and archives/ prefixes.
func (s *Store) ensureBucket(ctx context.Context, retentionDays int) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("op=objectstore.bucket_exists: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			// Another process may have won the race.
			if minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
				return fmt.Errorf("op=objectstore.make_bucket: %w", err)
			}
		}
		slog.Info("created bucket", slog.String("bucket", s.bucket))
	}

	if retentionDays <= 0 {
		retentionDays = 1
	}
	lc := lifecycle.NewConfiguration()
	for _, prefix := range []string{"raw/", "processed/", "archives/"} {
		lc.Rules = append(lc.Rules, lifecycle.Rule{
			ID:         "expire-" + prefix[:len(prefix)-1],
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: prefix},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(retentionDays)},
		})
	}
	if err := s.client.SetBucketLifecycle(ctx, s.bucket, lc); err != nil {
		return fmt.Errorf("op=objectstore.set_lifecycle: %w", err)
	}
	return nil
}

// mapErr classifies backend failures into the domain error taxonomy:
// missing keys are NotFound; 5xx and connectivity problems are Transient
// and retryable by callers; everything else is permanent.
func mapErr(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404:
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	case resp.StatusCode == 0 || resp.StatusCode >= 500 || resp.Code == "SlowDown" || resp.Code == "RequestTimeout":
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	default:
		return fmt.Errorf("op=%s: %w", op, err)
	}
}

// PutRaw uploads client-submitted bytes under a raw/ key.
func (s *Store) PutRaw(ctx context.Context, key string, data []byte, contentType string) error {
	return s.put(ctx, "objectstore.put_raw", key, data, contentType)
}

// PutProcessed uploads a worker-produced artifact under a processed/ key.
func (s *Store) PutProcessed(ctx context.Context, key string, data []byte, contentType string) error {
	return s.put(ctx, "objectstore.put_processed", key, data, contentType)
}

func (s *Store) put(ctx context.Context, op, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return mapErr(op, err)
	}
	return nil
}

// Get downloads an object by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr("objectstore.get", err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapErr("objectstore.get", err)
	}
	return data, nil
}

// Sign issues a presigned download URL with the given TTL. The URL embeds
// its own expiry; it may still 404 later if the object is pruned, and
// callers must tolerate that. downloadName, when set, is advertised via
// the content-disposition response header.
func (s *Store) Sign(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error) {
	params := make(url.Values)
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, params)
	if err != nil {
		return "", mapErr("objectstore.sign", err)
	}
	return u.String(), nil
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return mapErr("objectstore.delete", err)
	}
	return nil
}

// Exists reports whether an object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, mapErr("objectstore.stat", err)
	}
	return true, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("op=objectstore.ping: %w", err)
	}
	return nil
}
