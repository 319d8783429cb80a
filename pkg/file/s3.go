package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the S3 operations used by S3Storage.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Storage implements Storage for Amazon S3 and S3-compatible services.
// It is safe for concurrent use.
type S3Storage struct {
	client        S3Client
	bucket        string
	uploadTimeout time.Duration
}

// S3Config contains configuration for S3 storage.
type S3Config struct {
	Bucket         string
	Region         string
	AccessKeyID    string
	SecretKey      string
	Endpoint       string // S3-compatible services
	ForcePathStyle bool   // MinIO and friends
}

// S3Option configures S3Storage.
type S3Option func(*s3Options)

type s3Options struct {
	httpClient      *http.Client
	s3Client        S3Client
	s3ConfigOptions []func(*config.LoadOptions) error
	uploadTimeout   time.Duration
}

// WithS3Client sets a pre-configured client, mostly for tests.
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) {
		o.s3Client = client
	}
}

func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) {
		o.httpClient = client
	}
}

func WithS3ConfigOption(option func(*config.LoadOptions) error) S3Option {
	return func(o *s3Options) {
		o.s3ConfigOptions = append(o.s3ConfigOptions, option)
	}
}

// WithS3UploadTimeout bounds a single Put. Zero leaves the caller's deadline in charge.
func WithS3UploadTimeout(timeout time.Duration) S3Option {
	return func(o *s3Options) {
		o.uploadTimeout = timeout
	}
}

func NewS3Storage(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Storage, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	options := &s3Options{}
	for _, opt := range opts {
		opt(options)
	}

	client := options.s3Client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		if options.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(options.httpClient))
		}
		awsOptions = append(awsOptions, options.s3ConfigOptions...)

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadConfig, err)
		}
		client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &S3Storage{
		client:        client,
		bucket:        cfg.Bucket,
		uploadTimeout: options.uploadTimeout,
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body []byte, contentType string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return classifyS3Error(err, "put object")
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "get object")
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToReadFile, err)
	}
	return body, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if err = classifyS3Error(err, "head object"); errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// classifyS3Error converts S3 errors to package errors.
func classifyS3Error(err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrOperationTimeout, operation)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", ErrOperationCanceled, operation)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "AccessDenied":
			return fmt.Errorf("%w: %s", ErrAccessDenied, operation)
		case "RequestTimeout":
			return fmt.Errorf("%w: %s", ErrRequestTimeout, operation)
		case "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, operation)
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
		case "NoSuchBucket":
			return ErrBucketNotFound
		default:
			return fmt.Errorf("%s failed (code: %s): %w", operation, code, err)
		}
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}
