package lcfips

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RemoteStore is the object store behind the shared binding cache.
type RemoteStore interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	UploadFile(ctx context.Context, key string, body []byte) error
}

// R2Client wraps the S3 client for Cloudflare R2 or any S3 compatible store.
type R2Client struct {
	Client     *s3.Client
	BucketName string
}

// NewR2Client initializes a client from the remote cache settings. With an
// account id and no endpoint the Cloudflare R2 endpoint is used; without
// either, the default AWS endpoint resolution applies.
func NewR2Client(ctx context.Context, rc RemoteCacheConfig, debug bool) (*R2Client, error) {
	if rc.Bucket == "" {
		return nil, fmt.Errorf("remote cache bucket missing in configuration (LCFIPS_CACHE_BUCKET)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(rc.Region),
	}
	if rc.AccessKey != "" || rc.SecretKey != "" {
		if rc.AccessKey == "" || rc.SecretKey == "" {
			return nil, fmt.Errorf("remote cache credentials incomplete (LCFIPS_CACHE_ACCESS_KEY_ID, LCFIPS_CACHE_SECRET_ACCESS_KEY)")
		}
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(rc.AccessKey, rc.SecretKey, "")))
	}
	if debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote cache config: %w", err)
	}

	endpoint := rc.Endpoint
	if endpoint == "" && rc.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", rc.AccountID)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &R2Client{
		Client:     client,
		BucketName: rc.Bucket,
	}, nil
}

// DownloadFile fetches an object.
func (r *R2Client) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

// UploadFile stores an object.
func (r *R2Client) UploadFile(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}
