package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the redis-backed store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Key names the single value holding the serialized task sequence,
	// keyed per installation.
	Key string `mapstructure:"key"`
}

// RedisStore keeps the whole task sequence in one redis key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	key := cfg.Key
	if key == "" {
		key = "papercrawl:tasks"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load reads the task sequence. A missing key is an empty sequence.
func (s *RedisStore) Load(ctx context.Context) ([]Task, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: redis get %s: %v", ErrStoreUnavailable, s.key, err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode task store %s: %w", s.key, err)
	}
	return tasks, nil
}

// Save overwrites the task sequence. Redis SET of one value is atomic,
// so a concurrent Load never sees a partial write.
func (s *RedisStore) Save(ctx context.Context, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode task store: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", ErrStoreUnavailable, s.key, err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
