package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Options configures an S3-compatible bucket. Endpoint is set for R2 or
// other non-AWS providers and switches to path-style addressing.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store downloads blobs with the s3manager downloader.
type S3Store struct {
	bucket     string
	downloader *s3manager.Downloader
}

func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	region := opts.Region
	if region == "" {
		region = "auto"
	}

	awsConfig := &aws.Config{Region: aws.String(region)}
	if opts.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")
	}
	if opts.Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return &S3Store{bucket: opts.Bucket, downloader: s3manager.NewDownloader(sess)}, nil
}

func (s *S3Store) Fetch(ctx context.Context, path string) ([]byte, error) {
	key := strings.TrimPrefix(path, "/")
	buffer := &aws.WriteAtBuffer{}

	_, err := s.downloader.DownloadWithContext(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.RequestFailure
		if errors.As(err, &aerr) && aerr.StatusCode() == 404 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to download attachment %s: %w", path, err)
	}

	return buffer.Bytes(), nil
}
