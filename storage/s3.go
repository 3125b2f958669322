package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratacms/strata/common"
)

// S3Client abstracts the AWS SDK client so tests can inject a mock.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 driver. URL points at any S3-compatible
// endpoint (AWS, MinIO, Hetzner object storage).
type S3Config struct {
	URL       string `mapstructure:"url"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`

	// PathStyle addresses the bucket in the path, required for MinIO.
	PathStyle bool `mapstructure:"path_style"`
}

// S3Storage stores objects in one bucket of an S3-compatible endpoint.
type S3Storage struct {
	client S3Client
	bucket string

	// uploader handles multipart uploads for large bodies; only available
	// when constructed from a real SDK client.
	uploader *manager.Uploader
}

// NewS3Storage connects to the endpoint and ensures the bucket exists.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.URL,
					SigningRegion:     region,
					HostnameImmutable: cfg.PathStyle,
				}, nil
			})),
	)
	if err != nil {
		return nil, common.Internalf(err, "s3 configuration failed")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		o.HTTPClient = &http.Client{}
	})
	store, err := NewS3StorageWithClient(ctx, client, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	store.uploader = manager.NewUploader(client)
	return store, nil
}

// NewS3StorageWithClient wires an existing client, creating the bucket when
// it is missing.
func NewS3StorageWithClient(ctx context.Context, client S3Client, bucket string) (*S3Storage, error) {
	if bucket == "" {
		return nil, common.E(common.KindBadRequest, "s3 bucket is required")
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return nil, common.Internalf(err, "s3 bucket %q is not accessible", bucket)
		}
		common.Logger.WithField("bucket", bucket).Info("created storage bucket")
	}
	return &S3Storage{client: client, bucket: bucket}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if s.uploader != nil {
		if _, err := s.uploader.Upload(ctx, input); err != nil {
			return common.Internalf(err, "s3 put %q failed", key)
		}
		return nil
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return common.Internalf(err, "s3 put %q failed", key)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil, common.NotFound("file", key)
		}
		return nil, nil, common.Internalf(err, "s3 get %q failed", key)
	}
	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return out.Body, info, nil
}

func (s *S3Storage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, common.NotFound("file", key)
		}
		return nil, common.Internalf(err, "s3 head %q failed", key)
	}
	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return common.Internalf(err, "s3 delete %q failed", key)
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, common.Internalf(err, "s3 list %q failed", prefix)
	}
	infos := make([]ObjectInfo, 0, len(out.Contents))
	for _, item := range out.Contents {
		info := ObjectInfo{}
		if item.Key != nil {
			info.Key = *item.Key
		}
		if item.Size != nil {
			info.Size = *item.Size
		}
		if item.LastModified != nil {
			info.LastModified = *item.LastModified
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// checkKey rejects keys that could escape the bucket namespace or collide
// with signing payloads.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return common.E(common.KindBadRequest, "invalid storage key %q", key)
	}
	return nil
}
