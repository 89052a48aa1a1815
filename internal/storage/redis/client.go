package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rideshare/internal/storage"
)

// Подписки живут 30 дней с последнего обновления.
const subscriptionTTL = 30 * 24 * time.Hour

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

// Raw возвращает клиент go-redis (нужен ленте изменений для pub/sub).
func (c *Client) Raw() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

func presenceKey(userID string) string { return "presence:" + userID }
func pushKey(userID string) string     { return "push:" + userID }

// Touch отмечает соединение connID живым до now+PresenceTTL.
// Множество упорядочено по сроку, чтобы соединения упавшей реплики истекали сами.
func (c *Client) Touch(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	exp := time.Now().Add(storage.PresenceTTL).Unix()
	pipe := c.cli.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(exp), Member: connID})
	pipe.Expire(ctx, key, storage.PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Touch: %w", err)
	}
	return nil
}

func (c *Client) Leave(ctx context.Context, userID, connID string) error {
	if err := c.cli.ZRem(ctx, presenceKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("redis.Leave: %w", err)
	}
	return nil
}

func (c *Client) Online(ctx context.Context, userID string) (bool, error) {
	key := presenceKey(userID)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := c.cli.ZCount(ctx, key, "("+now, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("redis.Online: %w", err)
	}
	if n == 0 {
		c.cli.ZRemRangeByScore(ctx, key, "-inf", now)
	}
	return n > 0, nil
}

// AddSubscription хранит подписки в хеше push:{user} с полем endpoint.
func (c *Client) AddSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := pushKey(userID)
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, sub.Endpoint, data)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.AddSubscription: %w", err)
	}
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	if err := c.cli.HDel(ctx, pushKey(userID), endpoint).Err(); err != nil {
		return fmt.Errorf("redis.RemoveSubscription: %w", err)
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	vals, err := c.cli.HGetAll(ctx, pushKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Subscriptions: %w", err)
	}
	out := make([]storage.PushSubscription, 0, len(vals))
	for _, raw := range vals {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(raw), &sub) != nil || sub.Endpoint == "" {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}
