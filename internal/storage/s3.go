package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putObjectAPI is the slice of the S3 client the uploader uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts attachments into an S3 (or S3-compatible) bucket.
type S3Uploader struct {
	client  putObjectAPI
	bucket  string
	baseURL string
}

// S3Opts holds parameters for creating an S3Uploader.
type S3Opts struct {
	Bucket string
	Region string

	// Endpoint targets an S3-compatible service such as MinIO and switches
	// to path-style addressing.
	Endpoint string

	// PublicBaseURL overrides the URL prefix returned for objects, e.g. a
	// CDN in front of the bucket.
	PublicBaseURL string
}

// NewS3Uploader loads AWS credentials from the default chain.
func NewS3Uploader(ctx context.Context, opts S3Opts) (*S3Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage: s3: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("storage: s3: region is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, opts), nil
}

func newS3Uploader(client putObjectAPI, opts S3Opts) *S3Uploader {
	base := opts.PublicBaseURL
	if base == "" {
		switch {
		case opts.Endpoint != "":
			base = joinURL(opts.Endpoint, opts.Bucket)
		default:
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
		}
	}
	return &S3Uploader{client: client, bucket: opts.Bucket, baseURL: base}
}

// Upload puts data under folder and returns the object URL.
func (u *S3Uploader) Upload(ctx context.Context, data []byte, mimeType, folder, filename string) (string, error) {
	key, err := objectKey(folder, filename)
	if err != nil {
		return "", err
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("storage: s3: put %s: %w", key, err)
	}
	return joinURL(u.baseURL, key), nil
}
