package file_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/paygate/pkg/file"
)

type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadObjectOutput), args.Error(1)
}

func newS3(t *testing.T, client *MockS3Client) *file.S3Storage {
	t.Helper()
	store, err := file.NewS3Storage(context.Background(), file.S3Config{
		Bucket: "archive",
		Region: "us-east-1",
	}, file.WithS3Client(client))
	require.NoError(t, err)
	return store
}

func TestS3Storage_Put(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("uploads with content type", func(t *testing.T) {
		t.Parallel()
		client := new(MockS3Client)
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return aws.ToString(in.Bucket) == "archive" &&
				aws.ToString(in.Key) == "webhooks/evt_1.json" &&
				aws.ToString(in.ContentType) == "application/json" &&
				aws.ToInt64(in.ContentLength) == 2
		}), mock.Anything).Return(&s3.PutObjectOutput{}, nil).Once()

		require.NoError(t, newS3(t, client).Put(ctx, "webhooks//evt_1.json", []byte("{}"), "application/json"))
		client.AssertExpectations(t)
	})

	t.Run("access denied", func(t *testing.T) {
		t.Parallel()
		client := new(MockS3Client)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"})

		err := newS3(t, client).Put(ctx, "k", []byte("x"), "")
		assert.ErrorIs(t, err, file.ErrAccessDenied)
	})

	t.Run("throttled", func(t *testing.T) {
		t.Parallel()
		client := new(MockS3Client)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "SlowDown"})

		err := newS3(t, client).Put(ctx, "k", []byte("x"), "")
		assert.ErrorIs(t, err, file.ErrServiceUnavailable)
	})

	t.Run("invalid key never reaches s3", func(t *testing.T) {
		t.Parallel()
		client := new(MockS3Client)
		err := newS3(t, client).Put(ctx, "../k", []byte("x"), "")
		assert.ErrorIs(t, err, file.ErrInvalidKey)
		client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestS3Storage_GetAndExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := new(MockS3Client)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "present"
	}), mock.Anything).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("payload"))}, nil)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "absent"
	}), mock.Anything).Return(nil, &types.NoSuchKey{})
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "present"
	}), mock.Anything).Return(&s3.HeadObjectOutput{}, nil)
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "absent"
	}), mock.Anything).Return(nil, &types.NotFound{})

	store := newS3(t, client)

	body, err := store.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	_, err = store.Get(ctx, "absent")
	assert.ErrorIs(t, err, file.ErrObjectNotFound)

	ok, err := store.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewS3Storage_RequiresBucketAndRegion(t *testing.T) {
	t.Parallel()
	_, err := file.NewS3Storage(context.Background(), file.S3Config{Region: "us-east-1"})
	assert.ErrorIs(t, err, file.ErrInvalidConfig)
}
