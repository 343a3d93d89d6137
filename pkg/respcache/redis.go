package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "assetgw:resp:"

// RedisConfig configures a Redis-backed cache.
type RedisConfig struct {
	Addr          string
	DB            int
	Password      string
	TTL           time.Duration
	MaxEntryBytes int64
}

// Redis shares cached responses between gateway replicas.
type Redis struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxBytes int64
}

// NewRedis connects to cfg.Addr. The connection is established lazily.
func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &Redis{rdb: rdb, ttl: cfg.TTL, maxBytes: cfg.MaxEntryBytes}
}

// Ping checks connectivity.
func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}

func (c *Redis) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("respcache: redis get %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("respcache: decode %s: %w", key, err)
	}
	return &entry, true, nil
}

func (c *Redis) Insert(ctx context.Context, key string, status int, header http.Header, body io.Reader) error {
	data, err := readLimited(body, c.maxBytes)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(Entry{Status: status, Header: header, Body: data})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, doc, c.ttl).Err(); err != nil {
		return fmt.Errorf("respcache: redis set %s: %w", key, err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("respcache: redis del %s: %w", key, err)
	}
	return nil
}
