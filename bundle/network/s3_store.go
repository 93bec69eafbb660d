package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3PresignAPI ...
type S3PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// AWSParams ...
type AWSParams struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, e.g. a localstack URL.
	Endpoint string
}

// S3Store reads source objects, writes multipart uploads and presigns links on S3.
type S3Store struct {
	client    S3API
	presigner S3PresignAPI
	logger    log.Logger
}

// NewS3Store ...
func NewS3Store(client *s3.Client, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		logger:    logger,
	}
}

// NewS3Client creates an S3 client; a custom endpoint switches to path-style addressing.
func NewS3Client(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// OpenObject ...
func (s *S3Store) OpenObject(ctx context.Context, loc Location) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("object %s does not exist: %w", loc, err)
		}
		return nil, fmt.Errorf("get object %s: %w", loc, err)
	}
	return out.Body, nil
}

// CreateUpload ...
func (s *S3Store) CreateUpload(ctx context.Context, dest Location) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(dest.Bucket),
		Key:         aws.String(dest.Key),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", err
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", fmt.Errorf("create multipart upload for %s: empty upload id", dest)
	}
	return uploadID, nil
}

// UploadPart ...
func (s *S3Store) UploadPart(ctx context.Context, dest Location, uploadID string, partNumber int32, data []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(dest.Bucket),
		Key:           aws.String(dest.Key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// CompleteUpload ...
func (s *S3Store) CompleteUpload(ctx context.Context, dest Location, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.PartNumber),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(dest.Bucket),
		Key:             aws.String(dest.Key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return err
}

// AbortUpload ...
func (s *S3Store) AbortUpload(ctx context.Context, dest Location, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(dest.Bucket),
		Key:      aws.String(dest.Key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
			s.logger.Debugf("Upload %s is already gone", uploadID)
			return nil
		}
		return err
	}
	return nil
}

// PresignGet ...
func (s *S3Store) PresignGet(ctx context.Context, loc Location, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", loc, err)
	}
	return req.URL, nil
}

// LoadAWSConfig loads the shared AWS configuration used by the S3, DynamoDB and SQS clients.
func LoadAWSConfig(ctx context.Context, params AWSParams, logger log.Logger) (*aws.Config, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}

	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
