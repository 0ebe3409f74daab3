package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deptchat/internal/model"
)

const (
	profilePrefix   = "dir_profile:"
	rateLimitPrefix = "rate:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetProfile читает профиль из dir_profile:{id}. Отсутствие ключа: не ошибка.
func (c *Client) GetProfile(ctx context.Context, userID string) (*model.UserPublic, error) {
	raw, err := c.cli.Get(ctx, profilePrefix+userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get profile: %w", err)
	}
	var p model.UserPublic
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("redis decode profile: %w", err)
	}
	return &p, nil
}

func (c *Client) SetProfile(ctx context.Context, p *model.UserPublic, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis encode profile: %w", err)
	}
	return c.cli.Set(ctx, profilePrefix+p.ID, raw, ttl).Err()
}

func (c *Client) DeleteProfile(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, profilePrefix+userID).Err()
}

// Allow: фиксированное окно на INCR + EXPIRE. INCR и TTL идут одной транзакцией;
// ключ без срока жизни (первый инкремент или сбой прошлого EXPIRE) получает TTL окна.
func (c *Client) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	k := rateLimitPrefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	if ttl.Val() < 0 {
		if err := c.cli.Expire(ctx, k, window).Err(); err != nil {
			// Счётчик без TTL не должен остаться в Redis.
			if delErr := c.cli.Del(ctx, k).Err(); delErr != nil {
				return false, fmt.Errorf("redis rate limit expire: %w (del: %v)", err, delErr)
			}
			return false, fmt.Errorf("redis rate limit expire: %w", err)
		}
	}
	return incr.Val() <= int64(max), nil
}
