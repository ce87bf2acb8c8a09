package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/redis/go-redis/v9"
)

var _ ConfigStore = (*RedisConfigStore)(nil)

// DefaultRedisConfigHash is the hash holding configuration entries.
const DefaultRedisConfigHash = "moniwatch:config"

// RedisConfigStore keeps configuration key-value pairs in one Redis hash,
// so several deployments can share chat-group and template settings.
type RedisConfigStore struct {
	client *redis.Client
	hash   string
}

// NewRedisConfigStore connects to addr ("host:port" or a redis:// URL) and
// verifies the connection.
func NewRedisConfigStore(ctx context.Context, addr, hash string) (*RedisConfigStore, error) {
	if !strings.Contains(addr, "://") {
		addr = "redis://" + addr
	}
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if hash == "" {
		hash = DefaultRedisConfigHash
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisConfigStore{client: client, hash: hash}, nil
}

// GetConfig returns a configuration value.
func (s *RedisConfigStore) GetConfig(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", models.ErrConfigNotFound
	}
	return v, err
}

// SetConfig stores a configuration value.
func (s *RedisConfigStore) SetConfig(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.hash, key, value).Err()
}

// DeleteConfig removes a configuration value.
func (s *RedisConfigStore) DeleteConfig(ctx context.Context, key string) error {
	n, err := s.client.HDel(ctx, s.hash, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrConfigNotFound
	}
	return nil
}

// Close closes the client.
func (s *RedisConfigStore) Close() error {
	return s.client.Close()
}

// WithConfigStore returns a Store whose configuration lookups are served by
// cfg instead of the primary backend.
func WithConfigStore(primary Store, cfg ConfigStore) Store {
	return &splitStore{Store: primary, config: cfg}
}

type splitStore struct {
	Store
	config ConfigStore
}

func (s *splitStore) GetConfig(ctx context.Context, key string) (string, error) {
	return s.config.GetConfig(ctx, key)
}

func (s *splitStore) SetConfig(ctx context.Context, key, value string) error {
	return s.config.SetConfig(ctx, key, value)
}

func (s *splitStore) DeleteConfig(ctx context.Context, key string) error {
	return s.config.DeleteConfig(ctx, key)
}

func (s *splitStore) Close() error {
	err := s.Store.Close()
	if c, ok := s.config.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
