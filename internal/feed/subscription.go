package feed

import (
	"sync"

	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
)

type item struct {
	ev     Event
	status Status
	err    error
}

// Subscription: логическая подписка со своей горутиной доставки.
// Статусы не теряются никогда; события сверх буфера отбрасываются и
// заменяются одним StatusResync.
type Subscription struct {
	id       uint64
	spec     Spec
	client   *Client
	onEvent  Handler
	onStatus StatusFunc
	limit    int

	mu       sync.Mutex
	queue    []item
	events   int
	overflow bool
	stopped  bool
	draining bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscription(c *Client, id uint64, spec Spec, onEvent Handler, onStatus StatusFunc, limit int) *Subscription {
	return &Subscription{
		id:       id,
		spec:     spec,
		client:   c,
		onEvent:  onEvent,
		onStatus: onStatus,
		limit:    limit,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Subscription) Spec() Spec { return s.spec }

// Close: сокращение для Client.Unsubscribe.
func (s *Subscription) Close() { s.client.Unsubscribe(s) }

func (s *Subscription) pushEvent(ev Event) {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return
	}
	if s.events >= s.limit {
		metrics.FeedDropped.Inc()
		if !s.overflow {
			s.overflow = true
			s.queue = append(s.queue, item{status: StatusResync})
			logger.Errorf("feed: %s buffer full, requesting resync", s.spec)
		}
		s.mu.Unlock()
		s.signal()
		return
	}
	s.events++
	s.queue = append(s.queue, item{ev: ev})
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) pushStatus(st Status, err error) {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, item{status: st, err: err})
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop отбрасывает очередь и завершает цикл. Элемент, уже извлечённый
// циклом, ещё может быть доставлен.
func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// finish даёт циклу доставить очередь и затем завершиться.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				draining := s.draining
				s.mu.Unlock()
				if draining {
					s.once.Do(func() { close(s.done) })
					return
				}
				break
			}
			it := s.queue[0]
			s.queue[0] = item{}
			s.queue = s.queue[1:]
			if it.status == 0 {
				s.events--
			} else if it.status == StatusResync {
				s.overflow = false
			}
			s.mu.Unlock()
			s.deliver(it)
		}
	}
}

func (s *Subscription) deliver(it item) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("feed: handler panic on %s: %v", s.spec, r)
		}
	}()
	if it.status == 0 {
		s.onEvent(it.ev)
		return
	}
	if s.onStatus != nil {
		s.onStatus(it.status, it.err)
	}
}
