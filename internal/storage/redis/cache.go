package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
	locker *redislock.Client
}

func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	client := redis.NewClient(opt)

	return &Client{Client: client, locker: redislock.New(client)}
}

func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.Set(ctx, key, data, expiration).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// WithLock runs fn while holding key. When another holder owns the key it
// returns redislock.ErrNotObtained without running fn. The lock expires after
// ttl if this process dies.
func (c *Client) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	lock, err := c.locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	return fn(ctx)
}
