// Package archive optionally mirrors retention backups to S3-compatible
// object storage once the Retention Manager rotates a JSONL file out
// locally. It is an optional cold-storage extension, not part of the
// required trimming protocol in spec §4.8 — when S3 is unconfigured it is a
// no-op.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/config"
)

// Client wraps an S3-compatible object storage client for retention
// backups.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New creates a storage client configured for an S3-compatible endpoint. If
// no endpoint is configured, StoreBackup and DeleteBackup on the returned
// Client are no-ops and FetchBackup returns an error.
func New(ctx context.Context, cfg config.S3Config) (*Client, error) {
	if cfg.Endpoint == "" {
		slog.Warn("archive: s3 endpoint not configured, cold storage disabled")
		return &Client{bucket: cfg.Bucket}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &cfg.Endpoint
		o.UsePathStyle = true
	})

	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

// Configured reports whether cold storage is actually wired to an endpoint.
func (c *Client) Configured() bool { return c.s3 != nil }

// StoreBackup uploads a retention backup file (gzip-compressed) keyed by
// task id and the backup's ISO-instant suffix, mirroring the local
// `.backup_<iso-instant>` file the Retention Manager wrote.
func (c *Client) StoreBackup(ctx context.Context, taskID uuid.UUID, backupInstant time.Time, contents []byte) error {
	if c.s3 == nil {
		return nil
	}

	key := fmt.Sprintf("retention-backups/%s/%s.jsonl.gz", taskID, backupInstant.UTC().Format(time.RFC3339))

	compressed, err := gzipCompress(contents)
	if err != nil {
		return fmt.Errorf("archive: compress backup: %w", err)
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   bytes.NewReader(compressed),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	slog.Debug("archive: backup uploaded", "key", key, "size", len(compressed))
	return nil
}

// DeleteBackup removes a previously archived backup, mirroring local
// max_backup_age cleanup.
func (c *Client) DeleteBackup(ctx context.Context, taskID uuid.UUID, backupInstant time.Time) error {
	if c.s3 == nil {
		return nil
	}
	key := fmt.Sprintf("retention-backups/%s/%s.jsonl.gz", taskID, backupInstant.UTC().Format(time.RFC3339))
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		slog.Debug("archive: backup delete (may not exist)", "key", key, "err", err)
	}
	return nil
}

// FetchBackup retrieves a previously archived backup's contents.
func (c *Client) FetchBackup(ctx context.Context, taskID uuid.UUID, backupInstant time.Time) ([]byte, error) {
	if c.s3 == nil {
		return nil, fmt.Errorf("archive: not configured")
	}
	key := fmt.Sprintf("retention-backups/%s/%s.jsonl.gz", taskID, backupInstant.UTC().Format(time.RFC3339))
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return gzipDecompress(compressed)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
