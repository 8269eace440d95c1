package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sdko-org/linkproxy/internal/config"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sirupsen/logrus"
)

type S3Publisher struct {
	uploader *s3manager.Uploader
	bucket   string
	key      string
	log      *logrus.Entry
}

func NewS3Publisher(logger *logrus.Logger, cfg *config.Config) (*S3Publisher, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}

	return &S3Publisher{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
		key:      cfg.S3SnapshotKey,
		log: logger.WithFields(logrus.Fields{
			"component": "snapshot_publisher",
			"bucket":    cfg.S3Bucket,
			"key":       cfg.S3SnapshotKey,
		}),
	}, nil
}

func (p *S3Publisher) PublishSnapshot(ctx context.Context, links []models.Link, refreshedAt time.Time) error {
	body, err := json.Marshal(Snapshot{
		RefreshedAt: refreshedAt.UTC(),
		Count:       len(links),
		Links:       links,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = p.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"Refreshed-At": aws.String(refreshedAt.UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}

	p.log.WithField("links", len(links)).Debug("Published link snapshot")
	return nil
}
