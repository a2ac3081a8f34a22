package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/internal/utils/encoding"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// S3Config holds configuration for the S3 checkpoint store
type S3Config struct {
	Region          string        `mapstructure:"region" json:"region"`
	Bucket          string        `mapstructure:"bucket" json:"bucket"`
	AccessKeyID     string        `mapstructure:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" json:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token" json:"session_token,omitempty"`
	Endpoint        string        `mapstructure:"endpoint" json:"endpoint,omitempty"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" json:"force_path_style"`
	DisableSSL      bool          `mapstructure:"disable_ssl" json:"disable_ssl"`
	Prefix          string        `mapstructure:"prefix" json:"prefix"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" json:"max_retries"`
	StorageClass    string        `mapstructure:"storage_class" json:"storage_class"`
	Format          string        `mapstructure:"format" json:"format"`
	Compression     bool          `mapstructure:"compression" json:"compression"`
}

// S3Storage keeps one object per snapshot under <prefix>/<run id>/.
type S3Storage struct {
	config *S3Config
	codec  *encoding.Codec
	client s3iface.S3API
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewS3Storage creates a new S3 checkpoint store. Call Connect before use.
func NewS3Storage(config *S3Config, logger *logrus.Logger) (*S3Storage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeMissingField, "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeMissingField, "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	codec, err := encoding.NewCodec(config.Format, config.Compression)
	if err != nil {
		return nil, err
	}
	return &S3Storage{config: config, codec: codec, logger: logger}, nil
}

// Connect creates the AWS session and checks that the bucket is reachable
func (s *S3Storage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}
	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}
	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to create AWS session")
	}
	client := s3.New(sess)

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			"Failed to access bucket").WithContext("bucket", s.config.Bucket)
	}

	s.client = client
	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")
	return nil
}

// Close drops the client
func (s *S3Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client = nil
		s.logger.Info("S3 connection closed")
	}
	return nil
}

func (s *S3Storage) conn() (s3iface.S3API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "S3 not connected")
	}
	return s.client, nil
}

func (s *S3Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *S3Storage) generateKey(runID string, round int) string {
	return path.Join(s.config.Prefix, models.SnapshotKey(runID, round)+s.codec.Extension())
}

func (s *S3Storage) generateRunPrefix(runID string) string {
	return path.Join(s.config.Prefix, runID) + "/"
}

// Store uploads the snapshot
func (s *S3Storage) Store(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "snapshot cannot be nil")
	}
	client, err := s.conn()
	if err != nil {
		return err
	}

	data, err := s.codec.Encode(snapshot)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to encode snapshot")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.generateKey(snapshot.RunID, snapshot.Round)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(s.codec.ContentType()),
		Metadata: map[string]*string{
			"run-id": aws.String(snapshot.RunID),
			"mode":   aws.String(snapshot.Mode),
		},
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}
	if _, err := client.PutObjectWithContext(ctx, input); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upload checkpoint to S3")
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": s.config.Bucket,
		"key":    aws.StringValue(input.Key),
		"bytes":  len(data),
	}).Debug("Stored checkpoint in S3")
	return nil
}

// Retrieve downloads one snapshot
func (s *S3Storage) Retrieve(ctx context.Context, runID string, round int) (*models.Snapshot, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(runID, round)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.WrapError(errors.ErrCheckpointNotFound, errors.ErrorTypeStorage, errors.CodeNotFound,
				"checkpoint not found").WithContext("run_id", runID).WithContext("round", round)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to download checkpoint from S3")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read checkpoint body")
	}

	var snap models.Snapshot
	if err := s.codec.Decode(data, &snap); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decode checkpoint")
	}
	return &snap, nil
}

// Exists checks for the snapshot object
func (s *S3Storage) Exists(ctx context.Context, runID string, round int) (bool, error) {
	client, err := s.conn()
	if err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(runID, round)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to check checkpoint")
}

// ListRounds lists the run's objects and returns their rounds in ascending order
func (s *S3Storage) ListRounds(ctx context.Context, runID string) ([]int, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rounds := []int{}
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.generateRunPrefix(runID)),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if !strings.HasSuffix(key, s.codec.Extension()) {
				continue
			}
			if round, ok := models.ParseSnapshotRound(key); ok {
				rounds = append(rounds, round)
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list checkpoints")
	}
	sort.Ints(rounds)
	return rounds, nil
}

// Delete removes the snapshot object
func (s *S3Storage) Delete(ctx context.Context, runID string, round int) error {
	client, err := s.conn()
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(runID, round)),
	}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to delete checkpoint")
	}
	return nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
