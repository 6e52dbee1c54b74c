package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config holds S3 connection settings for the media bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// BlobStore is an opaque store/get-by-key blob store for message media,
// backed by S3 or any S3-compatible service.
type BlobStore struct {
	client *s3.Client
	bucket string
}

// NewBlobStore creates the S3 client for the configured media bucket.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, HostnameImmutable: cfg.PathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	// Buckets with dots in their names need path-style URLs to avoid SSL
	// certificate mismatches.
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 blob store initialized")

	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// KeyFor generates the object key for one message attachment.
func KeyFor(chatID, messageID, mime string) string {
	mediaType := "documents"
	switch {
	case strings.HasPrefix(mime, "image/"):
		mediaType = "images"
	case strings.HasPrefix(mime, "audio/"):
		mediaType = "audio"
	case strings.HasPrefix(mime, "video/"):
		mediaType = "videos"
	}
	return fmt.Sprintf("chats/%s/%s/%s/%s", chatID, time.Now().Format("2006/01/02"), mediaType, messageID)
}

// Put uploads bytes under the given key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte, mime string) error {
	contentType := mime
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Int("size", len(data)).Msg("Failed to upload blob")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().Str("key", key).Str("mime", contentType).Int("size", len(data)).Msg("Blob uploaded")
	return nil
}

// Get downloads the bytes stored under the given key and their MIME type.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}

	mime := ""
	if out.ContentType != nil {
		mime = *out.ContentType
	}
	return data, mime, nil
}
