package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
)

var (
	ErrFeedExhausted    = errors.New("feed: reconnect attempts exhausted")
	ErrFeedDisconnected = errors.New("feed: disconnected")
	ErrClientClosed     = errors.New("feed: client closed")
)

// Status описывает состояние соединения; его получают все подписки.
type Status int

const (
	StatusSubscribed Status = iota + 1
	StatusDisconnected
	StatusReconnected
	// StatusResync: события могли потеряться, потребитель обязан перечитать данные.
	StatusResync
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnected:
		return "reconnected"
	case StatusResync:
		return "resync"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

type (
	Handler    func(Event)
	StatusFunc func(Status, error)
)

// Spec выбирает события подписки. Пустой Ops означает все операции.
type Spec struct {
	Table  string
	Ops    []Op
	Filter Filter
}

func (s Spec) String() string {
	if s.Filter.IsZero() {
		return s.Table
	}
	return s.Table + ":" + s.Filter.String()
}

func (s Spec) wants(op Op) bool {
	if len(s.Ops) == 0 {
		return true
	}
	for _, o := range s.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Source представляет один upstream-транспорт. Listen блокируется до отмены ctx или обрыва;
// ready вызывается, когда подписка на upstream установлена.
type Source interface {
	Name() string
	Listen(ctx context.Context, ready func(), deliver func(Event)) error
}

type Options struct {
	BufferSize     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries: число неудачных попыток подряд до отказа; 0 означает без ограничения.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

type connState int

const (
	stateConnecting connState = iota
	stateLive
	stateDown
	stateFailed
	stateClosed
)

// Client мультиплексирует логические подписки поверх одного Source.
type Client struct {
	src  Source
	opts Options

	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	state    connState
	everLive bool
	lastErr  error
}

func NewClient(src Source, opts Options) *Client {
	return &Client{
		src:  src,
		opts: opts.withDefaults(),
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe регистрирует логическую подписку. События приходят в onEvent
// последовательно, в порядке upstream. onStatus может быть nil.
func (c *Client) Subscribe(spec Spec, onEvent Handler, onStatus StatusFunc) (*Subscription, error) {
	if onEvent == nil {
		return nil, errors.New("feed: nil event handler")
	}
	if err := spec.Filter.validate(spec.Table); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil, ErrClientClosed
	}
	c.nextID++
	s := newSubscription(c, c.nextID, spec, onEvent, onStatus, c.opts.BufferSize)
	c.subs[s.id] = s
	switch c.state {
	case stateLive:
		s.pushStatus(StatusSubscribed, nil)
	case stateFailed:
		s.pushStatus(StatusFailed, c.lastErr)
	}
	go s.loop()
	return s, nil
}

// Unsubscribe останавливает доставку и отбрасывает очередь. Один вызов обработчика
// для уже извлечённого из очереди элемента ещё может произойти после возврата;
// потребители отбрасывают такие поздние события сами. Повторный вызов и вызов
// из обработчика безопасны.
func (c *Client) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()
	s.stop()
}

// Live сообщает, установлена ли сейчас подписка на upstream.
func (c *Client) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateLive
}

// Subscriptions возвращает число открытых логических подписок.
func (c *Client) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Run держит транспорт до отмены ctx, переподключаясь с удвоением задержки.
// После MaxRetries неудач подряд возвращает ErrFeedExhausted.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.InitialBackoff
	failures := 0
	ready := func() {
		failures = 0
		backoff = c.opts.InitialBackoff
		c.markLive()
	}
	for {
		err := c.src.Listen(ctx, ready, c.dispatch)
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}
		if err == nil {
			err = errors.New("source ended")
		}
		c.markDown(err)
		failures++
		if c.opts.MaxRetries > 0 && failures > c.opts.MaxRetries {
			logger.Errorf("feed: %s gave up after %d attempts: %v", c.src.Name(), failures, err)
			c.markFailed(err)
			return fmt.Errorf("%w: %v", ErrFeedExhausted, err)
		}
		metrics.FeedReconnects.Inc()
		logger.Errorf("feed: %s dropped (attempt %d), retry in %v: %v", c.src.Name(), failures, backoff, err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			c.shutdown()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) markLive() {
	c.mu.Lock()
	st := StatusSubscribed
	if c.everLive {
		st = StatusReconnected
	}
	c.state = stateLive
	c.everLive = true
	c.lastErr = nil
	c.broadcastLocked(st, nil)
	c.mu.Unlock()
	logger.Infof("feed: %s %s", c.src.Name(), st)
}

func (c *Client) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if c.state == stateLive {
		c.broadcastLocked(StatusDisconnected, fmt.Errorf("%w: %v", ErrFeedDisconnected, err))
	}
	c.state = stateDown
}

func (c *Client) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateFailed
	c.lastErr = err
	c.broadcastLocked(StatusFailed, err)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*Subscription)
	c.state = stateClosed
	for _, s := range subs {
		s.pushStatus(StatusClosed, nil)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

func (c *Client) broadcastLocked(st Status, err error) {
	for _, s := range c.subs {
		s.pushStatus(st, err)
	}
}

func (c *Client) dispatch(ev Event) {
	newRow, oldRow := parseRow(ev.New), parseRow(ev.Old)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs {
		if s.spec.Table != ev.Table || !s.spec.wants(ev.Op) || !s.spec.Filter.matches(newRow, oldRow) {
			continue
		}
		metrics.FeedEvents.WithLabelValues(ev.Table).Inc()
		s.pushEvent(ev)
	}
}
