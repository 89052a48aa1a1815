package storage

import (
	"context"
	"time"
)

// PresenceTTL: сколько живёт отметка присутствия без продления (клиент продлевает её на каждый pong).
const PresenceTTL = 2 * time.Minute

// PushSubscription: подписка Web Push из браузера.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Store: присутствие пользователей (открытые сокеты на всех репликах шлюза) и push-подписки.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	Touch(ctx context.Context, userID, connID string) error
	Leave(ctx context.Context, userID, connID string) error
	Online(ctx context.Context, userID string) (bool, error)

	AddSubscription(ctx context.Context, userID string, sub PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]PushSubscription, error)

	Close() error
}
