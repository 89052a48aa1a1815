package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rideshare/internal/logger"
)

// RedisSource читает события, которые переиздаёт Relay, поэтому реплики шлюза
// делят один слушатель базы.
type RedisSource struct {
	rdb     *redis.Client
	channel string
}

func NewRedisSource(rdb *redis.Client, channel string) *RedisSource {
	return &RedisSource{rdb: rdb, channel: channel}
}

func (s *RedisSource) Name() string { return "redis:" + s.channel }

func (s *RedisSource) Listen(ctx context.Context, ready func(), deliver func(Event)) error {
	ps := s.rdb.Subscribe(ctx, s.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("feed.RedisSource subscribe: %w", err)
	}
	ready()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("feed.RedisSource receive: %w", err)
		}
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			logger.Errorf("feed: skip payload on %s: %v", s.channel, err)
			continue
		}
		deliver(ev)
	}
}

// Relay переиздаёт в канал Redis каждое событие, которое видит клиент.
// Возвращённые подписки закрывает вызывающий.
func Relay(ctx context.Context, c *Client, rdb *redis.Client, channel string) ([]*Subscription, error) {
	publish := func(ev Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			logger.Errorf("feed.Relay marshal: %v", err)
			return
		}
		if err := rdb.Publish(ctx, channel, b).Err(); err != nil {
			logger.Errorf("feed.Relay publish %s: %v", ev.Table, err)
		}
	}
	var subs []*Subscription
	for _, table := range []string{TableRideRequests, TableMessages, TableRides} {
		s, err := c.Subscribe(Spec{Table: table}, publish, nil)
		if err != nil {
			for _, prev := range subs {
				prev.Close()
			}
			return nil, fmt.Errorf("feed.Relay %s: %w", table, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}
