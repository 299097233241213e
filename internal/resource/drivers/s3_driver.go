package drivers

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultPresignExpiry = time.Hour

// S3Driver stores content in an S3-compatible bucket. All keys are placed
// under an optional prefix so one bucket can serve several requestor nodes.
type S3Driver struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	prefix        string
	publicURL     string // base URL when the bucket is public, presign otherwise
}

func NewS3Driver(client *s3.Client, bucket, prefix, publicURL string) *S3Driver {
	return &S3Driver{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		prefix:        prefix,
		publicURL:     publicURL,
	}
}

func (d *S3Driver) objectKey(key string) string {
	if d.prefix == "" {
		return key
	}
	return path.Join(d.prefix, key)
}

func (d *S3Driver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}

func (d *S3Driver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	resp, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get %s from S3: %w", key, err)
	}

	contentType := "application/octet-stream"
	if resp.ContentType != nil {
		contentType = *resp.ContentType
	}
	return resp.Body, contentType, nil
}

func (d *S3Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from S3: %w", key, err)
	}
	return nil
}

func (d *S3Driver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if d.publicURL != "" {
		return fmt.Sprintf("%s/%s", d.publicURL, d.objectKey(key)), nil
	}

	if expires == 0 {
		expires = defaultPresignExpiry
	}
	presigned, err := d.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign URL for %s: %w", key, err)
	}
	return presigned.URL, nil
}
