// Package unread ведёт счётчик непрочитанных сообщений, адресованных
// пользователю сессии: общий и по каждой заявке.
package unread

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
	"github.com/rideshare/internal/model"
)

// Backend: часть хранилища сообщений, нужная счётчику.
type Backend interface {
	CountUnreadByRequest(ctx context.Context, receiverID string) (model.UnreadTally, error)
	// MarkRead выставляет is_read всем непрочитанным сообщениям requestID для
	// receiverID и возвращает ровно изменённые строки.
	MarkRead(ctx context.Context, requestID, receiverID string) ([]model.ReadMark, error)
	MarkMessageRead(ctx context.Context, messageID, receiverID string) ([]model.ReadMark, error)
}

// Snapshot: копия состояния счётчика.
type Snapshot struct {
	Total     int            `json:"total"`
	ByRequest map[string]int `json:"by_request"`
}

type Listener func(Snapshot)

const maxRecountRetries = 3

// Counter создаётся один раз на сессию и общий для всех её представлений.
// Правило для конкурентных обновлений: авторитетный пересчёт заменяет
// локальные изменения старше него.
type Counter struct {
	userID  string
	backend Backend

	mu         sync.Mutex
	byRequest  map[string]int
	total      int
	asOf       time.Time
	seen       *seenSet
	marks      uint64
	recountGen uint64
	closed     bool
	listeners  map[int]Listener
	nextL      int

	notifyMu sync.Mutex
}

func New(userID string, backend Backend, seenCapacity int) *Counter {
	return &Counter{
		userID:    userID,
		backend:   backend,
		byRequest: make(map[string]int),
		seen:      newSeenSet(seenCapacity),
		listeners: make(map[int]Listener),
	}
}

func (c *Counter) UserID() string { return c.userID }

// OnChange регистрирует l; возвращённая функция его удаляет. l не должен блокироваться.
func (c *Counter) OnChange(l Listener) func() {
	c.mu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Counter) snapshotLocked() Snapshot {
	by := make(map[string]int, len(c.byRequest))
	for id, n := range c.byRequest {
		if n > 0 {
			by[id] = n
		}
	}
	return Snapshot{Total: c.total, ByRequest: by}
}

func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Counter) ForRequest(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byRequest[requestID]
}

// Reset обнуляет счётчик при старте сессии до первого пересчёта.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.byRequest = make(map[string]int)
	c.total = 0
	c.asOf = time.Time{}
	c.seen.reset()
	c.mu.Unlock()
	c.notify()
}

// Close прекращает обновления и удаляет слушателей.
func (c *Counter) Close() {
	c.mu.Lock()
	c.closed = true
	c.listeners = make(map[int]Listener)
	c.mu.Unlock()
}

// Increment учитывает одно входящее сообщение. Дубликаты, чужие и уже
// прочитанные сообщения, а также вошедшие в последний пересчёт, игнорируются.
// Сообщает, изменился ли счётчик.
func (c *Counter) Increment(m *model.Message) bool {
	if m == nil || m.ReceiverID != c.userID || m.IsRead {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.seen.get(m.ID); dup {
		c.mu.Unlock()
		return false
	}
	if !c.asOf.IsZero() && !m.CreatedAt.After(c.asOf) {
		c.seen.put(m.ID, &seenEntry{state: stateCounted, requestID: m.RideRequestID, createdAt: m.CreatedAt})
		c.mu.Unlock()
		return false
	}
	c.seen.put(m.ID, &seenEntry{state: stateCounted, requestID: m.RideRequestID, createdAt: m.CreatedAt})
	c.byRequest[m.RideRequestID]++
	c.total++
	c.mu.Unlock()
	c.notify()
	return true
}

// MarkRead помечает прочитанными все сообщения requestID и уменьшает
// счётчик на число реально изменённых строк.
func (c *Counter) MarkRead(ctx context.Context, requestID string) (int, error) {
	if c.userID == "" {
		return 0, model.ErrNotAuthenticated
	}
	marks, err := c.backend.MarkRead(ctx, requestID, c.userID)
	if err != nil {
		return 0, model.Transient("unread.MarkRead", err)
	}
	return c.applyMarks(marks), nil
}

// MarkMessageRead помечает прочитанным одно сообщение, пришедшее
// при открытом чате.
func (c *Counter) MarkMessageRead(ctx context.Context, messageID string) (int, error) {
	if c.userID == "" {
		return 0, model.ErrNotAuthenticated
	}
	marks, err := c.backend.MarkMessageRead(ctx, messageID, c.userID)
	if err != nil {
		return 0, model.Transient("unread.MarkMessageRead", err)
	}
	return c.applyMarks(marks), nil
}

// applyMarks уменьшает счётчик один раз на каждое учтённое сообщение. Отметки
// для ещё не учтённых запоминаются, и их событие вставки игнорируется.
func (c *Counter) applyMarks(marks []model.ReadMark) int {
	if len(marks) == 0 {
		return 0
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.marks++
	changed := 0
	for _, m := range marks {
		if c.markLocked(m) {
			changed++
		}
	}
	c.mu.Unlock()
	if changed > 0 {
		c.notify()
	}
	return changed
}

func (c *Counter) markLocked(m model.ReadMark) bool {
	e, ok := c.seen.get(m.ID)
	counted := false
	switch {
	case ok && e.state == stateRead:
		return false
	case ok && e.state == stateCounted:
		counted = true
	case !ok:
		counted = !c.asOf.IsZero() && !m.CreatedAt.After(c.asOf)
	}
	c.seen.put(m.ID, &seenEntry{state: stateRead, requestID: m.RideRequestID, createdAt: m.CreatedAt})
	if !counted {
		return false
	}
	if c.byRequest[m.RideRequestID] > 0 {
		c.byRequest[m.RideRequestID]--
	}
	if c.total > 0 {
		c.total--
	}
	return true
}

// Recount заменяет локальное состояние авторитетным подсчётом. Результат,
// пересёкшийся с отметкой прочтения, отбрасывается и чтение повторяется;
// результат старше уже применённого отбрасывается.
func (c *Counter) Recount(ctx context.Context) error {
	if c.userID == "" {
		return model.ErrNotAuthenticated
	}
	defer logger.DeferLogDuration("unread.Recount", time.Now())()
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return model.ErrClosed
		}
		c.recountGen++
		gen := c.recountGen
		marksAtStart := c.marks
		c.mu.Unlock()

		tally, err := c.backend.CountUnreadByRequest(ctx, c.userID)
		if err != nil {
			return model.Transient("unread.Recount", err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return model.ErrClosed
		}
		if gen != c.recountGen {
			c.mu.Unlock()
			return nil
		}
		if c.marks != marksAtStart && attempt < maxRecountRetries {
			c.mu.Unlock()
			continue
		}
		before := c.total
		c.applyTallyLocked(tally)
		after := c.total
		c.mu.Unlock()
		if before != after {
			metrics.UnreadCorrections.Inc()
			logger.Debugf("unread: recount for %s corrected %d -> %d", c.userID, before, after)
		}
		c.notify()
		return nil
	}
}

func (c *Counter) applyTallyLocked(t model.UnreadTally) {
	by := make(map[string]int, len(t.ByRequest))
	total := 0
	for id, n := range t.ByRequest {
		if n > 0 {
			by[id] = n
			total += n
		}
	}
	// Сообщения, учтённые локально после снимка, в подсчёт не вошли.
	c.seen.each(func(_ string, e *seenEntry) {
		if e.state == stateCounted && e.createdAt.After(t.AsOf) {
			by[e.requestID]++
			total++
		}
	})
	c.byRequest = by
	c.total = total
	c.asOf = t.AsOf
}

// HandleEvent применяет событие таблицы messages для этого пользователя.
// Вставка считается новым сообщением; обновление is_read (из другой вкладки
// или устройства) считается отметкой прочтения.
func (c *Counter) HandleEvent(ev feed.Event) {
	if ev.Table != feed.TableMessages {
		return
	}
	var m model.Message
	if err := ev.DecodeRow(&m); err != nil {
		if !errors.Is(err, feed.ErrNoRow) {
			logger.Errorf("unread: decode %s event: %v", ev.Op, err)
		}
		return
	}
	if m.ReceiverID != c.userID {
		return
	}
	switch ev.Op {
	case feed.OpInsert:
		c.Increment(&m)
	case feed.OpUpdate:
		if m.IsRead {
			c.applyMarks([]model.ReadMark{{ID: m.ID, RideRequestID: m.RideRequestID, CreatedAt: m.CreatedAt}})
		}
	}
}

func (c *Counter) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}
