package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultRegion = "us-east-1"

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Mirror copies archived reports to s3://bucket/prefix/.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
}

type S3Settings struct {
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Profile string `mapstructure:"profile"`
	Region  string `mapstructure:"region"`
}

func NewS3Mirror(ctx context.Context, settings S3Settings) (*S3Mirror, error) {
	if settings.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := settings.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*config.LoadOptions) error{config.WithDefaultRegion(region)}
	if settings.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(settings.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg),
		bucket: settings.Bucket,
		prefix: settings.Prefix,
	}, nil
}

func (m *S3Mirror) key(name string) string {
	return path.Join(m.prefix, name)
}

func (m *S3Mirror) Put(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, m.key(name), err)
	}
	return nil
}

func (m *S3Mirror) Delete(ctx context.Context, name string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", m.bucket, m.key(name), err)
	}
	return nil
}
