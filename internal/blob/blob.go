// Package blob adapts the pipeline to its S3-compatible object store. In
// production the endpoint points at Cloudflare R2; tests and local
// deployments run against MinIO. Keys follow two layouts: raw uploads live
// under uploads/{intentId}, normalized photos under {eventId}/{photoId}.jpg.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// UploadPrefix is where presigned uploads land.
const UploadPrefix = "uploads/"

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("blob: object not found")

// ContentTypeJPEG is the content type of every normalized photo.
const ContentTypeJPEG = "image/jpeg"

// opTimeout bounds every single object-store call. It must stay well under
// the queue's visibility timeout.
const opTimeout = 30 * time.Second

// Store is the object-store surface the processors depend on.
type Store interface {
	Head(ctx context.Context, key string) (size int64, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Config locates the bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // non-empty for R2/MinIO
	AccessKey string
	SecretKey string
}

// S3Store is the aws-sdk-v2 implementation of Store.
type S3Store struct {
	client *s3.Client
	bucket string
}

// New builds an S3Store. A custom endpoint switches to path-style addressing
// (R2 and MinIO both want it).
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Head reads object metadata without downloading the body.
func (s *S3Store) Head(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mapErr(key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Get downloads the full object.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapErr(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Put stores data under key with the given content type.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func mapErr(key string, err error) error {
	var notFound *s3types.NoSuchKey
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	// HeadObject reports 404 as a generic API error, not NoSuchKey.
	var ae smithy.APIError
	if errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchKey") {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("object %s: %w", key, err)
}

// IsUploadKey reports whether key sits under the raw-upload prefix.
func IsUploadKey(key string) bool {
	return strings.HasPrefix(key, UploadPrefix)
}

// PhotoKey builds the normalized photo key: {eventId}/{photoId}.jpg.
func PhotoKey(eventID, photoID uuid.UUID) string {
	return fmt.Sprintf("%s/%s.jpg", eventID, photoID)
}

var _ Store = (*S3Store)(nil)
