package objstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/pkg/errors"
)

// S3 stores objects in an S3 bucket. Endpoint and ForcePathStyle make it work
// with S3 compatible services.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewS3(ctx context.Context, cfg *config.Storage) (*S3, error) {
	// Credentials come from the default chain: environment, shared files or
	// the instance role.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, errors.Wrapf(err, "failed to access bucket %s", cfg.Bucket)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.Concurrency = 4
	})

	logger.Infof("s3 object store for bucket %s in region %s", cfg.Bucket, cfg.Region)

	return &S3{client: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

func (c *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/octet-stream"),
		StorageClass: types.StorageClassStandard,
	})

	return errors.Wrapf(err, "failed to upload to s3 %s/%s", c.bucket, key)
}

func (c *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errors.Wrap(ErrNotFound, key)
		}

		return nil, errors.Wrapf(err, "failed to get s3 %s/%s", c.bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)

	return data, errors.Wrapf(err, "reading s3 %s/%s", c.bucket, key)
}

func (c *S3) List(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "listing s3 %s/%s", c.bucket, prefix)
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func (c *S3) Close() error {
	return nil
}
