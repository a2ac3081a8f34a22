package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/internal/utils/encoding"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// RedisConfig holds configuration for the Redis checkpoint store
type RedisConfig struct {
	Addr          string        `mapstructure:"addr" json:"addr"`
	Password      string        `mapstructure:"password" json:"password"`
	DB            int           `mapstructure:"db" json:"db"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	PoolSize      int           `mapstructure:"pool_size" json:"pool_size"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	TTL           time.Duration `mapstructure:"ttl" json:"ttl"`
	KeyPrefix     string        `mapstructure:"key_prefix" json:"key_prefix"`
	Format        string        `mapstructure:"format" json:"format"`
	Compression   bool          `mapstructure:"compression" json:"compression"`
	UseClustering bool          `mapstructure:"use_clustering" json:"use_clustering"`
	ClusterAddrs  []string      `mapstructure:"cluster_addrs" json:"cluster_addrs"`
}

// RedisStorage stores one value per snapshot plus a sorted set of rounds per run.
type RedisStorage struct {
	config *RedisConfig
	codec  *encoding.Codec
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisStorage creates a new Redis checkpoint store. Call Connect before use.
func NewRedisStorage(config *RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeMissingField, "Redis config cannot be nil")
	}
	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError(errors.CodeMissingField, "Redis address or cluster addresses are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	codec, err := encoding.NewCodec(config.Format, config.Compression)
	if err != nil {
		return nil, err
	}

	return &RedisStorage{config: config, codec: codec, logger: logger}, nil
}

// Connect establishes connection to Redis
func (r *RedisStorage) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
	}

	r.client = client
	r.closed = false
	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")
	return nil
}

// Close closes the Redis connection
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close Redis connection")
	}
	r.logger.Info("Redis connection closed")
	return nil
}

func (r *RedisStorage) conn() (redis.UniversalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "Redis not connected")
	}
	return r.client, nil
}

func (r *RedisStorage) prefixed(key string) string {
	if r.config.KeyPrefix == "" {
		return key
	}
	return r.config.KeyPrefix + ":" + key
}

func (r *RedisStorage) generateCheckpointKey(runID string, round int) string {
	return r.prefixed(fmt.Sprintf("checkpoint:%s:%d", runID, round))
}

func (r *RedisStorage) generateRoundsKey(runID string) string {
	return r.prefixed("rounds:" + runID)
}

// Store writes the snapshot and indexes its round
func (r *RedisStorage) Store(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "snapshot cannot be nil")
	}
	client, err := r.conn()
	if err != nil {
		return err
	}

	data, err := r.codec.Encode(snapshot)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to encode snapshot")
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.generateCheckpointKey(snapshot.RunID, snapshot.Round), data, r.config.TTL)
		pipe.ZAdd(ctx, r.generateRoundsKey(snapshot.RunID), &redis.Z{
			Score:  float64(snapshot.Round),
			Member: strconv.Itoa(snapshot.Round),
		})
		if r.config.TTL > 0 {
			pipe.Expire(ctx, r.generateRoundsKey(snapshot.RunID), r.config.TTL)
		}
		return nil
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to store checkpoint in Redis")
	}

	r.logger.WithFields(logrus.Fields{
		"run_id": snapshot.RunID,
		"round":  snapshot.Round,
		"bytes":  len(data),
	}).Debug("Stored checkpoint in Redis")
	return nil
}

// Retrieve reads one snapshot
func (r *RedisStorage) Retrieve(ctx context.Context, runID string, round int) (*models.Snapshot, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, r.generateCheckpointKey(runID, round)).Bytes()
	if err == redis.Nil {
		return nil, errors.WrapError(errors.ErrCheckpointNotFound, errors.ErrorTypeStorage, errors.CodeNotFound,
			"checkpoint not found").WithContext("run_id", runID).WithContext("round", round)
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read checkpoint from Redis")
	}

	var snap models.Snapshot
	if err := r.codec.Decode(data, &snap); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decode checkpoint")
	}
	return &snap, nil
}

// Exists checks if a snapshot is stored for the round
func (r *RedisStorage) Exists(ctx context.Context, runID string, round int) (bool, error) {
	client, err := r.conn()
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, r.generateCheckpointKey(runID, round)).Result()
	if err != nil {
		return false, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to check checkpoint")
	}
	return n > 0, nil
}

// ListRounds returns the indexed rounds in ascending order
func (r *RedisStorage) ListRounds(ctx context.Context, runID string) ([]int, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}
	members, err := client.ZRange(ctx, r.generateRoundsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list checkpoints")
	}
	return parseRounds(members), nil
}

// Delete removes a snapshot and its index entry
func (r *RedisStorage) Delete(ctx context.Context, runID string, round int) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.generateCheckpointKey(runID, round))
		pipe.ZRem(ctx, r.generateRoundsKey(runID), strconv.Itoa(round))
		return nil
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to delete checkpoint")
	}
	return nil
}

func parseRounds(members []string) []int {
	rounds := make([]int, 0, len(members))
	for _, m := range members {
		if round, err := strconv.Atoi(m); err == nil {
			rounds = append(rounds, round)
		}
	}
	return rounds
}
