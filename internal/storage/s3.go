package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// S3 archives exports in a bucket (AWS S3 or any S3 compatible server).
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 archive. Credentials come from the default AWS chain;
// optFns can override client options.
func NewS3(ctx context.Context, cfg config.StorageConfig, optFns ...func(*s3.Options)) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}, optFns...)...)

	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Root}, nil
}

func (s *S3) key(name string) string {
	return path.Join(s.prefix, clean(name))
}

// CreateExportDirectory writes a .keep marker object below dir, which proves
// the bucket accepts writes.
func (s *S3) CreateExportDirectory(ctx context.Context, dir string) error {
	key := s.key(path.Join(dir, ".keep"))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return s3Err(s.bucket, key, err)
	}
	return nil
}

func (s *S3) WriteExport(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return s3Err(s.bucket, key, err)
	}
	return nil
}

// s3Err turns a 403 or an access-denied error code into *core.StorageAccessDenied.
func s3Err(bucket, key string, err error) error {
	loc := "s3://" + bucket + "/" + key

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AllAccessDisabled", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &core.StorageAccessDenied{Path: loc, Err: err}
		}
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusForbidden {
		return &core.StorageAccessDenied{Path: loc, Err: err}
	}
	return fmt.Errorf("put %s: %w", loc, err)
}
