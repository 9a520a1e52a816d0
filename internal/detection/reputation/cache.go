package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"apt-edr/internal/schema"

	"github.com/redis/go-redis/v9"
)

// VerdictCache stores remote verdicts by digest so repeated batches do not
// re-query the remote API for the same content.
type VerdictCache interface {
	Get(ctx context.Context, digest string) (*schema.ReputationVerdict, bool, error)
	Set(ctx context.Context, digest string, verdict *schema.ReputationVerdict, ttl time.Duration) error
	Close() error
}

// RedisCacheConfig holds Redis verdict cache settings.
type RedisCacheConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// DefaultRedisCacheConfig returns the default cache configuration.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		TTL:          time.Hour,
	}
}

// RedisCache is a Redis-backed VerdictCache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("reputation: connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func cacheKey(digest string) string {
	return "reputation:verdict:" + digest
}

// Get retrieves a cached verdict. The second return is false on a miss.
func (c *RedisCache) Get(ctx context.Context, digest string) (*schema.ReputationVerdict, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(digest)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reputation: cache get: %w", err)
	}

	var verdict schema.ReputationVerdict
	if err := json.Unmarshal([]byte(val), &verdict); err != nil {
		// A corrupt entry is treated as a miss; the remote tier re-resolves it.
		return nil, false, nil
	}
	return &verdict, true, nil
}

// Set stores a verdict with a TTL.
func (c *RedisCache) Set(ctx context.Context, digest string, verdict *schema.ReputationVerdict, ttl time.Duration) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("reputation: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(digest), data, ttl).Err(); err != nil {
		return fmt.Errorf("reputation: cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
