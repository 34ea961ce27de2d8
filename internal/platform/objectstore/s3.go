package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nats-io/nuid"
)

const presignTTL = 15 * time.Minute

type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// Store issues presigned upload URLs for vision-board images. Objects are
// keyed by the uploading user so partners cannot overwrite each other's files.
type Store struct {
	cfg     Config
	presign *s3.PresignClient
	NewID   func() string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if strings.TrimSpace(cfg.Endpoint) != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Store{
		cfg:     cfg,
		presign: s3.NewPresignClient(client),
		NewID:   nuid.Next,
	}, nil
}

// PresignUpload returns the object key and a presigned PUT URL valid for a
// short window. The caller uploads directly; nothing transits this service.
func (s *Store) PresignUpload(ctx context.Context, userID, contentType string) (string, string, error) {
	key := fmt.Sprintf("vision/%s/%s", userID, s.NewID())

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if strings.TrimSpace(contentType) != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	return key, req.URL, nil
}

// PublicURL returns the retrieval URL stored in vision-item payloads.
func (s *Store) PublicURL(key string) string {
	base := strings.TrimRight(strings.TrimSpace(s.cfg.PublicBaseURL), "/")
	if base == "" {
		base = strings.TrimRight(strings.TrimSpace(s.cfg.Endpoint), "/") + "/" + s.cfg.Bucket
	}
	return base + "/" + key
}
