// Package storage keeps the original invoice PDFs in object storage so
// every determination can be traced back to its source document.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dfetterman/taxjimmy/internal/config"
)

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and verifies the bucket exists.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// SavePDF stores an invoice PDF under invoices/YYYY/MM/{invoiceID}.pdf
// and returns the object key.
func (s *Store) SavePDF(ctx context.Context, invoiceID string, r io.Reader, size int64) (string, error) {
	now := time.Now()
	key := fmt.Sprintf("invoices/%d/%02d/%s.pdf", now.Year(), now.Month(), invoiceID)

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", fmt.Errorf("upload pdf: %w", err)
	}
	return key, nil
}

// PresignedURL returns a time-limited download URL for a stored PDF.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucket, key, 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url.String(), nil
}

// DeletePDF removes a stored PDF.
func (s *Store) DeletePDF(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
