package export

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/vgomini/internal/config"
	"github.com/roach88/vgomini/internal/ir"
)

// PutObjectAPI is the slice of the S3 client the exporter needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter uploads digests to an S3 bucket.
type S3Exporter struct {
	client     PutObjectAPI
	bucket     string
	prefix     string
	maxRetries int
}

// NewS3Exporter creates an exporter using the default AWS credential chain.
func NewS3Exporter(ctx context.Context, cfg config.ExportConfig) (*S3Exporter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3ExporterWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ExporterWithClient creates an exporter with a pre-configured client.
func NewS3ExporterWithClient(client PutObjectAPI, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, maxRetries: 3}
}

// Export implements Exporter and returns the s3:// URI of the object.
func (e *S3Exporter) Export(ctx context.Context, d ir.SealDigest) (string, error) {
	body, err := Encode(d)
	if err != nil {
		return "", err
	}
	key := ObjectKey(e.prefix, d)

	err = e.retryWithBackoff(ctx, func() error {
		_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"seal-hash": d.SealHash,
				"window":    d.Window,
			},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("export: put s3://%s/%s: %w", e.bucket, key, err)
	}
	return "s3://" + e.bucket + "/" + key, nil
}

func (e *S3Exporter) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if attempt < e.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
