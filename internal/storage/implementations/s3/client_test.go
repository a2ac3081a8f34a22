package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

var _ interfaces.CheckpointStore = (*S3Storage)(nil)

// memoryS3 implements the handful of S3 calls the store makes.
type memoryS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: make(map[string][]byte)}
}

func (m *memoryS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "missing", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *memoryS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memoryS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	m.mu.Lock()
	var keys []string
	for k := range m.objects {
		if len(k) >= len(aws.StringValue(in.Prefix)) && k[:len(aws.StringValue(in.Prefix))] == aws.StringValue(in.Prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	// two pages to exercise pagination
	mid := len(keys) / 2
	pages := [][]string{keys[:mid], keys[mid:]}
	for i, page := range pages {
		out := &s3.ListObjectsV2Output{}
		for _, k := range page {
			out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
		}
		if !fn(out, i == len(pages)-1) {
			break
		}
	}
	return nil
}

func createTestStorage(t *testing.T, prefix string) (*S3Storage, *memoryS3) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	storage, err := NewS3Storage(&S3Config{Bucket: "checkpoints", Prefix: prefix, Compression: true}, logger)
	require.NoError(t, err)
	fake := newMemoryS3()
	storage.client = fake
	return storage, fake
}

func TestNewS3Storage(t *testing.T) {
	config := &S3Config{Region: "us-east-1", Bucket: "bucket"}
	storage, err := NewS3Storage(config, nil)
	require.NoError(t, err)
	assert.Equal(t, config, storage.config)
	assert.NotNil(t, storage.logger)
}

func TestNewS3StorageInvalidConfig(t *testing.T) {
	_, err := NewS3Storage(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewS3Storage(&S3Config{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestS3StorageGenerateKey(t *testing.T) {
	storage, _ := createTestStorage(t, "fedgroup")
	assert.Equal(t, "fedgroup/run-1/round-000003.msgpack.gz", storage.generateKey("run-1", 3))
	assert.Equal(t, "fedgroup/run-1/", storage.generateRunPrefix("run-1"))

	storage, _ = createTestStorage(t, "")
	assert.Equal(t, "run-1/round-000003.msgpack.gz", storage.generateKey("run-1", 3))
}

func TestS3StorageRoundTrip(t *testing.T) {
	storage, fake := createTestStorage(t, "ckpt")
	ctx := context.Background()

	for _, round := range []int{4, 1, 9} {
		require.NoError(t, storage.Store(ctx, &models.Snapshot{
			RunID:       "run-1",
			Round:       round,
			GlobalModel: models.Params{float64(round)},
			CreatedAt:   time.Now().UTC(),
		}))
	}
	fake.objects["ckpt/run-1/notes.txt"] = []byte("ignored")
	assert.Len(t, fake.objects, 4)

	got, err := storage.Retrieve(ctx, "run-1", 9)
	require.NoError(t, err)
	assert.Equal(t, models.Params{9}, got.GlobalModel)

	rounds, err := storage.ListRounds(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, rounds)

	ok, err := storage.Exists(ctx, "run-1", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, storage.Delete(ctx, "run-1", 4))
	ok, err = storage.Exists(ctx, "run-1", 4)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = storage.Retrieve(ctx, "run-1", 4)
	assert.ErrorIs(t, err, errors.ErrCheckpointNotFound)
}

func TestS3StorageDisconnectedOperations(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "bucket"}, logrus.New())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, storage.Store(ctx, &models.Snapshot{RunID: "r"}), errors.ErrStorageConnectionFailed)
	_, err = storage.ListRounds(ctx, "r")
	assert.ErrorIs(t, err, errors.ErrStorageConnectionFailed)
	assert.NoError(t, storage.Close())
}

func TestS3StorageInvalidData(t *testing.T) {
	storage, _ := createTestStorage(t, "")
	assert.Error(t, storage.Store(context.Background(), nil))
}
