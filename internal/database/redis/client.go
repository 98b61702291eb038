// Package redis keeps the miner's small shared state: the extranonce cursor
// per chain tip, the set of already submitted blocks, pass counters and a
// rolling hash-rate window.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// KeyPrefix namespaces every key, so several miners can share a server.
	KeyPrefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	return connect(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, cfg.KeyPrefix)
}

// NewClientFromURL creates a client from a redis:// URL.
func NewClientFromURL(url, keyPrefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return connect(opts, keyPrefix)
}

func connect(opts *redis.Options, prefix string) (*Client, error) {
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if prefix == "" {
		prefix = "gomine"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Extranonce cursor

// GetCursor returns the next extranonce to try on top of prevHash.
func (c *Client) GetCursor(ctx context.Context, prevHash string) (uint32, bool, error) {
	val, err := c.rdb.Get(ctx, c.key("cursor", prevHash)).Uint64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	if val > 0xffffffff {
		return 0, false, fmt.Errorf("cursor %d out of range", val)
	}
	return uint32(val), true, nil
}

// SetCursor records next as the extranonce to resume from. The key expires
// once the tip is long stale.
func (c *Client) SetCursor(ctx context.Context, prevHash string, next uint32, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key("cursor", prevHash), next, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// Submission de-duplication

// MarkSubmitted records blockHash and reports whether this call was the
// first to do so.
func (c *Client) MarkSubmitted(ctx context.Context, blockHash string, ttl time.Duration) (bool, error) {
	first, err := c.rdb.SetNX(ctx, c.key("submitted", blockHash), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark submission: %w", err)
	}
	return first, nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error) {
	key := c.key("counter", name)
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.key("counter", name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate stores a hash-rate sample for a backend
func (c *Client) SetHashrate(ctx context.Context, backend string, hashrate float64, window time.Duration) error {
	key := c.key("hashrate", backend)
	now := time.Now()

	// Store as sorted set with timestamp as score; the member must be unique
	member := redis.Z{
		Score:  float64(now.Unix()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'g', -1, 64),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).Unix(), 10))
	pipe.Expire(ctx, key, window*2) // Keep data a bit longer than window

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate calculates average hashrate over a time window
func (c *Client) GetAverageHashrate(ctx context.Context, backend string, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, c.key("hashrate", backend), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples averages "<nanos>:<rate>" members, skipping malformed ones.
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		for i := 0; i < len(val); i++ {
			if val[i] != ':' {
				continue
			}
			if rate, err := strconv.ParseFloat(val[i+1:], 64); err == nil {
				total += rate
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
