package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rideshare/internal/storage"
)

// Client: хранилище в памяти процесса: присутствие видно только этой реплике.
type Client struct {
	mu       sync.RWMutex
	now      func() time.Time
	presence map[string]map[string]time.Time
	subs     map[string]map[string]storage.PushSubscription
}

func New() *Client {
	return &Client{
		now:      time.Now,
		presence: make(map[string]map[string]time.Time),
		subs:     make(map[string]map[string]storage.PushSubscription),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Touch(ctx context.Context, userID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := c.presence[userID]
	if conns == nil {
		conns = make(map[string]time.Time)
		c.presence[userID] = conns
	}
	conns[connID] = c.now().Add(storage.PresenceTTL)
	return nil
}

func (c *Client) Leave(ctx context.Context, userID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conns := c.presence[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(c.presence, userID)
		}
	}
	return nil
}

func (c *Client) Online(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for _, exp := range c.presence[userID] {
		if exp.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.subs[userID]
	if m == nil {
		m = make(map[string]storage.PushSubscription)
		c.subs[userID] = m
	}
	m[sub.Endpoint] = sub
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs[userID], endpoint)
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.PushSubscription, 0, len(c.subs[userID]))
	for _, s := range c.subs[userID] {
		out = append(out, s)
	}
	return out, nil
}
