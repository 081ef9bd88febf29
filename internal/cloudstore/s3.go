package cloudstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// BackendS3 names the S3-compatible backend.
const BackendS3 = "s3"

const checksumMetadataKey = "checksum"

// S3Config configures an S3 or S3-compatible (MinIO) bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Seams for tests.
var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) s3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// revokedCodes are S3 error codes meaning the account's credentials stopped working.
var revokedCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AccountProblem":        {},
	"ExpiredToken":          {},
	"InvalidAccessKeyId":    {},
	"InvalidToken":          {},
	"SignatureDoesNotMatch": {},
}

// S3Store keeps blobs as objects in one bucket, keyed folder/name.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds a client from cfg. Static credentials are used when an access key is set.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("cloudstore: s3 bucket required")
	}
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := loadDefaultAWSConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: load aws config: %w", err)
	}
	client := newS3ClientFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func openS3(ctx context.Context, cfg BackendConfig) (Store, error) {
	return NewS3Store(ctx, cfg.S3)
}

func (s *S3Store) key(name string, options Options) (string, error) {
	if err := validateBlobName(name); err != nil {
		return "", err
	}
	folder := strings.Trim(options.Folder, "/")
	if folder == "" {
		return name, nil
	}
	return path.Join(folder, name), nil
}

func (s *S3Store) Upload(ctx context.Context, name string, data []byte, options Options) (string, error) {
	key, err := s.key(name, options)
	if err != nil {
		return "", err
	}
	checksum := Checksum(data)
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{checksumMetadataKey: checksum},
	}
	if options.MimeType != "" {
		input.ContentType = aws.String(options.MimeType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", mapS3Error("put", key, err)
	}
	return checksum, nil
}

func (s *S3Store) Download(ctx context.Context, name string, options Options) ([]byte, string, error) {
	key, err := s.key(name, options)
	if err != nil {
		return nil, "", err
	}
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", mapS3Error("get", key, err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, "", fmt.Errorf("cloudstore: s3 read %s: %w", key, err)
	}
	return data, Checksum(data), nil
}

// Delete checks existence first: S3 reports success when deleting a missing key.
func (s *S3Store) Delete(ctx context.Context, name string, options Options) error {
	key, err := s.key(name, options)
	if err != nil {
		return err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return mapS3Error("head", key, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return mapS3Error("delete", key, err)
	}
	return nil
}

func mapS3Error(operation, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, revoked := revokedCodes[apiErr.ErrorCode()]; revoked {
			return fmt.Errorf("%w: s3 %s %s: %s", ErrAccessRevoked, operation, key, apiErr.ErrorCode())
		}
		if apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound" {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}
	return fmt.Errorf("cloudstore: s3 %s %s: %w", operation, key, err)
}
