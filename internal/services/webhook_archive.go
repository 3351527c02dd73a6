package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"bookly/internal/common"

	"github.com/labstack/gommon/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// WebhookArchive keeps raw gateway deliveries for audit and replay.
type WebhookArchive interface {
	Store(ctx context.Context, kind string, body []byte, receivedAt time.Time) (string, error)
}

type minioArchive struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// NewMinioArchive connects to MinIO/S3 and makes sure the bucket exists.
func NewMinioArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *log.Logger) (WebhookArchive, error) {
	if logger == nil {
		logger = common.DiscardLogger()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	found, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !found {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
		logger.Infof("created webhook archive bucket %s", bucket)
	}

	return &minioArchive{client: client, bucket: bucket, logger: logger}, nil
}

func (a *minioArchive) Store(ctx context.Context, kind string, body []byte, receivedAt time.Time) (string, error) {
	key := ArchiveObjectKey(kind, body, receivedAt)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-kind": kind,
		},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveObjectKey names a delivery by day and content hash, so a
// redelivered payload overwrites its earlier copy.
func ArchiveObjectKey(kind string, body []byte, receivedAt time.Time) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("webhooks/%s/%s-%s.json", receivedAt.UTC().Format("2006/01/02"), sanitizeSegment(kind), hex.EncodeToString(sum[:]))
}

// NoopArchive is used when no object store is configured.
type NoopArchive struct{}

func (NoopArchive) Store(ctx context.Context, kind string, body []byte, receivedAt time.Time) (string, error) {
	return "", nil
}
