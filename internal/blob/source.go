package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/playback-loader/internal/file"
	"go.uber.org/zap"
)

// NewSource plays back an MCAP recording stored at s3://bucket/key. The
// object is never downloaded whole; the MCAP index drives ranged reads.
func NewSource(api S3API, bucket, key string, logger *zap.Logger) *file.Source {
	return file.NewReaderSource("blob", fmt.Sprintf("s3://%s/%s", bucket, key),
		func(ctx context.Context) (io.ReadSeekCloser, error) {
			return OpenObject(ctx, api, bucket, key, DefaultReadAhead)
		}, logger)
}

// Upload stores a recording under key.
func Upload(ctx context.Context, api S3API, bucket, key string, body io.Reader, logger *zap.Logger) error {
	_, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        body,
		ContentType: aws.String("application/x-mcap"),
	})
	if err != nil {
		return fmt.Errorf("uploading recording to S3: %w", err)
	}
	if logger != nil {
		logger.Info("recording uploaded", zap.String("bucket", bucket), zap.String("key", key))
	}
	return nil
}
