package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client implements S3Client in memory for tests.
type MockS3Client struct {
	Objects map[string]*MockS3Object
	Buckets map[string]bool

	// Err is returned from every operation when set.
	Err error

	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	GetObjectCalled    bool
	HeadObjectCalled   bool
	DeleteObjectCalled bool
	ListObjectsCalled  bool

	LastBucket      string
	LastKey         string
	LastContentType string
}

// MockS3Object is one stored object with its content.
type MockS3Object struct {
	Key         string
	Content     string
	ContentType string
}

func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: map[string]*MockS3Object{},
		Buckets: map[string]bool{},
	}
}

func (m *MockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.HeadBucketCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Buckets[m.LastBucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

func (m *MockS3Client) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.CreateBucketCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	if m.Err != nil {
		return nil, m.Err
	}
	m.Buckets[m.LastBucket] = true
	return &s3.CreateBucketOutput{}, nil
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	m.LastKey = aws.ToString(params.Key)
	m.LastContentType = aws.ToString(params.ContentType)
	if m.Err != nil {
		return nil, m.Err
	}
	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = string(data)
	}
	m.Objects[m.LastKey] = &MockS3Object{
		Key:         m.LastKey,
		Content:     content,
		ContentType: m.LastContentType,
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	m.LastKey = aws.ToString(params.Key)
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[m.LastKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(obj.Content)),
		ContentLength: aws.Int64(int64(len(obj.Content))),
	}
	if obj.ContentType != "" {
		out.ContentType = aws.String(obj.ContentType)
	}
	return out, nil
}

func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.HeadObjectCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	m.LastKey = aws.ToString(params.Key)
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[m.LastKey]
	if !ok {
		return nil, &types.NotFound{}
	}
	out := &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.Content)))}
	if obj.ContentType != "" {
		out.ContentType = aws.String(obj.ContentType)
	}
	return out, nil
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.DeleteObjectCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	m.LastKey = aws.ToString(params.Key)
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, m.LastKey)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.ListObjectsCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	if m.Err != nil {
		return nil, m.Err
	}
	prefix := aws.ToString(params.Prefix)
	var contents []types.Object
	for key, obj := range m.Objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:  aws.String(obj.Key),
				Size: aws.Int64(int64(len(obj.Content))),
			})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}
