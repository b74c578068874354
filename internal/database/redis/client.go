// Package redis keeps stratum resume ids and live per-pool counters in Redis.
// Session ids survive a process restart so the next subscribe can resume.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb        redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	Prefix       string
	SessionTTL   time.Duration
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to the server named by cfg.URL and pings it.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connect", "invalid redis url")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connect", "failed to ping Redis")
	}
	return newClient(rdb, cfg.Prefix, cfg.SessionTTL), nil
}

func newClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Client {
	if prefix == "" {
		prefix = "gominer"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Client{rdb: rdb, prefix: prefix, sessionTTL: ttl}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) sessionKey(poolURL, user string) string {
	return fmt.Sprintf("%s:session:%s:%s", c.prefix, poolURL, user)
}

func (c *Client) poolKey(poolID int) string {
	return fmt.Sprintf("%s:pool:%d", c.prefix, poolID)
}

func (c *Client) blockKey() string {
	return c.prefix + ":block"
}

// Session resume ids

// LoadSession returns the stored resume id, or "" when none is stored.
func (c *Client) LoadSession(ctx context.Context, poolURL, user string) (string, error) {
	id, err := c.rdb.Get(ctx, c.sessionKey(poolURL, user)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "load_session", "failed to get session")
	}
	return id, nil
}

// SaveSession stores the resume id. An empty id forgets it.
func (c *Client) SaveSession(ctx context.Context, poolURL, user, sessionID string) error {
	key := c.sessionKey(poolURL, user)
	var err error
	if sessionID == "" {
		err = c.rdb.Del(ctx, key).Err()
	} else {
		err = c.rdb.Set(ctx, key, sessionID, c.sessionTTL).Err()
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "save_session", "failed to set session")
	}
	return nil
}

// Live counters

// RecordShare bumps the per-pool result counter and difficulty sum.
func (c *Client) RecordShare(ctx context.Context, ev tracker.ShareEvent) error {
	key := c.poolKey(ev.PoolID)
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, string(ev.Result), 1)
	if ev.Result == tracker.ShareAccepted {
		pipe.HIncrByFloat(ctx, key, "diff_accepted", ev.Difficulty)
	}
	pipe.HSet(ctx, key, "last_share", ev.Time.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_share", "failed to update pool counters").
			WithContext("pool_id", ev.PoolID)
	}
	return nil
}

// RecordBlock stores the current chain tip.
func (c *Client) RecordBlock(ctx context.Context, ev tracker.BlockEvent) error {
	err := c.rdb.HSet(ctx, c.blockKey(),
		"hash", ev.Hash,
		"pool_id", ev.PoolID,
		"generation", ev.Generation,
		"seen_at", ev.Time.Unix(),
	).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_block", "failed to store block")
	}
	return nil
}

// RecordSwitch counts switches into each pool.
func (c *Client) RecordSwitch(ctx context.Context, ev tracker.SwitchEvent) error {
	if err := c.rdb.HIncrBy(ctx, c.poolKey(ev.To), "switched_to", 1).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_switch", "failed to count switch")
	}
	return nil
}

// PoolCounters returns the live counters of one pool.
func (c *Client) PoolCounters(ctx context.Context, poolID int) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, c.poolKey(poolID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "pool_counters", "failed to read pool counters")
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}
