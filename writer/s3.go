package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "histflow/config"
	"histflow/logger"
)

// Uploader copies a local artifact to object storage.
type Uploader interface {
	Upload(ctx context.Context, broker, localPath string) (string, error)
}

// S3Uploader stores artifacts under <prefix>/<broker>/<file>.
type S3Uploader struct {
	client  *s3.Client
	bucket  string
	prefix  string
	version string
	log     *logger.Log
}

// NewS3Uploader builds an S3 client from the storage configuration.
func NewS3Uploader(ctx context.Context, cfg appconfig.S3Config, version string) (*S3Uploader, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 uploader initialized")

	return &S3Uploader{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		version: version,
		log:     log,
	}, nil
}

// Key returns the object key for an artifact.
func (u *S3Uploader) Key(broker, localPath string) string {
	return path.Join(u.prefix, broker, filepath.Base(localPath))
}

func contentType(localPath string) string {
	switch filepath.Ext(localPath) {
	case ".csv":
		return "text/csv"
	case ".parquet":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func (u *S3Uploader) Upload(ctx context.Context, broker, localPath string) (string, error) {
	key := u.Key(broker, localPath)
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	log := u.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"key":       key,
	})

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
		Metadata: map[string]string{
			"broker":           broker,
			"histflow-version": u.version,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3 bucket %s: %w", u.bucket, err)
	}

	log.Debug("successfully uploaded to S3")
	return key, nil
}
