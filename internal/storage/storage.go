package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/guillaumesp/webvitals/internal/config"
)

type Service struct {
	client     *s3.Client
	bucketName string
}

// Object is a stored file opened for reading. Callers close Body.
type Object struct {
	Body         io.ReadCloser
	ContentType  *string
	LastModified *time.Time
	ETag         *string
}

func NewService(ctx context.Context, cfg config.S3) (*Service, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ServiceURL != "" {
			o.BaseEndpoint = aws.String(cfg.ServiceURL)
			o.UsePathStyle = true
		}
		if cfg.DisablePayloadSigning {
			o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
		}
	})

	return &Service{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

func (s *Service) Bucket() string {
	return s.bucketName
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("head bucket %s: %w", s.bucketName, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucketName, err)
	}
	return nil
}

func (s *Service) UploadFile(ctx context.Context, key, filePath, contentType string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	return s.UploadStream(ctx, key, file, contentType)
}

func (s *Service) UploadStream(ctx context.Context, key string, stream io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   stream,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetFile opens key for reading. A missing key yields an error matching
// *types.NoSuchKey.
func (s *Service) GetFile(ctx context.Context, key string) (*Object, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return &Object{
		Body:         resp.Body,
		ContentType:  resp.ContentType,
		LastModified: resp.LastModified,
		ETag:         resp.ETag,
	}, nil
}

func (s *Service) DeleteFile(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
