// Package chat управляет лентой сообщений принятой заявки: загрузка истории,
// живые добавления, оптимистичная отправка и отметки прочтения.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/model"
)

type Backend interface {
	GetRequest(ctx context.Context, id string) (*model.RideRequest, error)
	ListMessages(ctx context.Context, requestID string) ([]*model.Message, error)
	CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error)
}

// ReadMarker реализуется *unread.Counter.
type ReadMarker interface {
	MarkRead(ctx context.Context, requestID string) (int, error)
	MarkMessageRead(ctx context.Context, messageID string) (int, error)
}

// Subscriber реализуется *feed.Client.
type Subscriber interface {
	Subscribe(spec feed.Spec, onEvent feed.Handler, onStatus feed.StatusFunc) (*feed.Subscription, error)
	Unsubscribe(s *feed.Subscription)
}

type Deps struct {
	Backend Backend
	Unread  ReadMarker
	Feed    Subscriber
}

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateSending State = "sending"
	StateClosed  State = "closed"
)

// Причины закрытия.
const (
	ReasonClosed  = "closed"
	ReasonRevoked = "revoked"
)

const tempPrefix = "temp-"

// Entry: одно отображаемое сообщение. Pending означает оптимистичную отправку.
type Entry struct {
	model.Message
	Pending bool `json:"pending"`
}

// View: снимок состояния контроллера.
type View struct {
	RequestID string  `json:"request_id"`
	State     State   `json:"state"`
	Live      bool    `json:"live"`
	Reason    string  `json:"reason,omitempty"`
	Messages  []Entry `json:"messages"`
}

// SendError: ошибка отправки; Content возвращается в поле ввода.
type SendError struct {
	RequestID string
	Content   string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.RequestID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Controller struct {
	requestID string
	userID    string
	peerID    string
	deps      Deps
	echo      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	reason    string
	live      bool
	focused   bool
	inflight  int
	// request: самая новая из виденных версий строки заявки.
	request   model.RideRequest
	entries   []*Entry
	byID      map[string]*Entry
	buffered  []feed.Event
	msgSub    *feed.Subscription
	reqSub    *feed.Subscription
	listeners map[int]func(View)
	nextL     int

	notifyMu sync.Mutex
}

// Open проверяет доступ userID к заявке, подписывается на её сообщения,
// загружает историю и помечает её прочитанной. Открыть чат могут только
// две стороны принятой заявки. События, пришедшие во время загрузки,
// применяются после истории.
func Open(ctx context.Context, userID, requestID string, deps Deps, echoWindow time.Duration) (*Controller, error) {
	if userID == "" {
		return nil, model.ErrNotAuthenticated
	}
	req, err := deps.Backend.GetRequest(ctx, requestID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: request %s", model.ErrAccessDenied, requestID)
	}
	if err != nil {
		return nil, model.Transient("chat.Open", err)
	}
	if !req.IsParty(userID) || !req.ChatAllowed() {
		return nil, fmt.Errorf("%w: request %s", model.ErrAccessDenied, requestID)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		requestID: requestID,
		userID:    userID,
		peerID:    req.Counterpart(userID),
		deps:      deps,
		echo:      echoWindow,
		ctx:       cctx,
		cancel:    cancel,
		state:     StateLoading,
		focused:   true,
		request:   *req,
		byID:      make(map[string]*Entry),
		listeners: make(map[int]func(View)),
	}

	msgSub, err := deps.Feed.Subscribe(feed.Spec{
		Table:  feed.TableMessages,
		Ops:    []feed.Op{feed.OpInsert, feed.OpUpdate},
		Filter: feed.Eq("ride_request_id", requestID),
	}, c.onMessage, c.onStatus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat.Open subscribe: %w", err)
	}
	c.setSub(&c.msgSub, msgSub)
	reqSub, err := deps.Feed.Subscribe(feed.Spec{
		Table:  feed.TableRideRequests,
		Filter: feed.Eq("id", requestID),
	}, c.onRequest, nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("chat.Open subscribe: %w", err)
	}
	c.setSub(&c.reqSub, reqSub)

	history, err := deps.Backend.ListMessages(ctx, requestID)
	if err != nil {
		c.Close()
		return nil, model.Transient("chat.Open", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request %s", model.ErrAccessDenied, requestID)
	}
	for _, m := range history {
		c.mergeLocked(m)
	}
	buffered := c.buffered
	c.buffered = nil
	for _, ev := range buffered {
		c.applyLocked(ev)
	}
	c.state = StateReady
	c.mu.Unlock()
	c.notify()

	c.markAll()
	return c, nil
}

// setSub сохраняет подписку или освобождает её, если чат закрылся во время подписки.
func (c *Controller) setSub(dst **feed.Subscription, s *feed.Subscription) {
	c.mu.Lock()
	if c.state != StateClosed {
		*dst = s
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.deps.Feed.Unsubscribe(s)
}

func (c *Controller) RequestID() string { return c.requestID }

// OnChange регистрирует fn; последним fn получит View со StateClosed.
func (c *Controller) OnChange(fn func(View)) func() {
	c.mu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{RequestID: c.requestID, State: c.state, Live: c.live, Reason: c.reason}
	v.Messages = make([]Entry, len(c.entries))
	for i, e := range c.entries {
		v.Messages[i] = *e
	}
	return v
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	v := c.viewLocked()
	ls := make([]func(View), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	if c.state == StateClosed {
		c.listeners = make(map[int]func(View))
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(v)
	}
}

// SetFocused запоминает, открыт ли чат на переднем плане. При получении
// фокуса всё помечается прочитанным.
func (c *Controller) SetFocused(focused bool) {
	c.mu.Lock()
	was := c.focused
	c.focused = focused
	ready := c.state != StateLoading && c.state != StateClosed
	c.mu.Unlock()
	if focused && !was && ready {
		c.markAll()
	}
}

func (c *Controller) markAll() {
	if _, err := c.deps.Unread.MarkRead(c.ctx, c.requestID); err != nil && c.ctx.Err() == nil {
		logger.Errorf("chat: mark read %s: %v", c.requestID, err)
	}
}

// Close отписывается от ленты. Поздние события и результаты отбрасываются.
func (c *Controller) Close() {
	c.closeWith(ReasonClosed)
}

func (c *Controller) closeWith(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.reason = reason
	c.live = false
	c.buffered = nil
	subs := []*feed.Subscription{c.msgSub, c.reqSub}
	c.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			c.deps.Feed.Unsubscribe(s)
		}
	}
	c.cancel()
	c.notify()
}

func (c *Controller) closedErrLocked() error {
	if c.reason == ReasonRevoked {
		return fmt.Errorf("%w: request %s is no longer accepted", model.ErrAccessDenied, c.requestID)
	}
	return model.ErrClosed
}

// Send оптимистично добавляет текст и сохраняет его. Пустой текст игнорируется.
// При ошибке оптимистичная запись удаляется и возвращается *SendError.
func (c *Controller) Send(ctx context.Context, text string) error {
	content := model.NormalizeContent(text)
	if content == "" {
		return nil
	}
	c.mu.Lock()
	if c.state == StateClosed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	if c.state == StateLoading {
		c.mu.Unlock()
		return fmt.Errorf("%w: chat still loading", model.ErrInvalidTransition)
	}
	temp := &Entry{
		Message: model.Message{
			ID:            tempPrefix + uuid.NewString(),
			RideRequestID: c.requestID,
			SenderID:      c.userID,
			ReceiverID:    c.peerID,
			Content:       content,
			CreatedAt:     time.Now().UTC(),
		},
		Pending: true,
	}
	c.insertLocked(temp)
	c.inflight++
	c.state = StateSending
	c.mu.Unlock()
	c.notify()

	saved, err := c.deps.Backend.CreateMessage(ctx, &model.Message{
		RideRequestID: c.requestID,
		SenderID:      c.userID,
		ReceiverID:    c.peerID,
		Content:       content,
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if err != nil {
			return &SendError{RequestID: c.requestID, Content: text, Err: model.Transient("chat.Send", err)}
		}
		return nil
	}
	c.inflight--
	if c.inflight == 0 {
		c.state = StateReady
	}
	if err != nil {
		c.removeLocked(temp.ID)
		c.mu.Unlock()
		c.notify()
		return &SendError{RequestID: c.requestID, Content: text, Err: model.Transient("chat.Send", err)}
	}
	if _, echoed := c.byID[saved.ID]; echoed {
		c.removeLocked(temp.ID)
	} else if _, ok := c.byID[temp.ID]; ok {
		c.removeLocked(temp.ID)
		c.insertLocked(&Entry{Message: *saved})
	} else {
		c.insertLocked(&Entry{Message: *saved})
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) insertLocked(e *Entry) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return model.MessageLess(&e.Message, &c.entries[i].Message)
	})
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	c.byID[e.ID] = e
}

func (c *Controller) removeLocked(id string) {
	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// mergeLocked добавляет m или обновляет имеющуюся копию. is_read меняется
// только с false на true. Сообщает, было ли m новым.
func (c *Controller) mergeLocked(m *model.Message) bool {
	if m.RideRequestID != c.requestID || m.ID == "" {
		return false
	}
	if cur, ok := c.byID[m.ID]; ok {
		cur.IsRead = cur.IsRead || m.IsRead
		return false
	}
	if m.SenderID == c.userID {
		if temp := c.matchEchoLocked(m); temp != nil {
			c.removeLocked(temp.ID)
		}
	}
	c.insertLocked(&Entry{Message: *m})
	return true
}

// matchEchoLocked находит самую старую отправку, эхом которой является вставка.
func (c *Controller) matchEchoLocked(m *model.Message) *Entry {
	for _, e := range c.entries {
		if !e.Pending || e.Content != m.Content || e.SenderID != m.SenderID {
			continue
		}
		d := m.CreatedAt.Sub(e.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= c.echo {
			return e
		}
	}
	return nil
}

// applyLocked применяет одно событие сообщения и возвращает id сообщения,
// которое нужно сразу пометить прочитанным, если такое есть.
func (c *Controller) applyLocked(ev feed.Event) string {
	var m model.Message
	if err := ev.DecodeNew(&m); err != nil {
		return ""
	}
	fresh := c.mergeLocked(&m)
	if fresh && ev.Op == feed.OpInsert && m.ReceiverID == c.userID && !m.IsRead && c.focused {
		return m.ID
	}
	return ""
}

func (c *Controller) onMessage(ev feed.Event) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateLoading:
		c.buffered = append(c.buffered, ev)
		c.mu.Unlock()
		return
	}
	markID := c.applyLocked(ev)
	c.mu.Unlock()
	c.notify()
	if markID != "" {
		go func() {
			if _, err := c.deps.Unread.MarkMessageRead(c.ctx, markID); err != nil && c.ctx.Err() == nil {
				logger.Errorf("chat: mark message %s read: %v", markID, err)
			}
		}()
	}
}

// onRequest закрывает чат, когда заявка выходит из статуса accepted.
func (c *Controller) onRequest(ev feed.Event) {
	var r model.RideRequest
	if err := ev.DecodeRow(&r); err != nil {
		return
	}
	if ev.Op != feed.OpDelete {
		c.mu.Lock()
		if r.Older(&c.request) {
			c.mu.Unlock()
			return
		}
		c.request = r
		c.mu.Unlock()
	}
	if ev.Op == feed.OpDelete || !r.ChatAllowed() {
		logger.Infof("chat: %s revoked (%s %s)", c.requestID, ev.Op, r.Status)
		c.closeWith(ReasonRevoked)
	}
}

func (c *Controller) onStatus(st feed.Status, err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	switch st {
	case feed.StatusSubscribed, feed.StatusReconnected, feed.StatusResync:
		c.live = true
	case feed.StatusDisconnected, feed.StatusFailed, feed.StatusClosed:
		c.live = false
	}
	loading := c.state == StateLoading
	c.mu.Unlock()
	c.notify()
	if err != nil {
		logger.Debugf("chat: %s feed %s: %v", c.requestID, st, err)
	}
	if (st == feed.StatusReconnected || st == feed.StatusResync) && !loading {
		go c.resync()
	}
}

// resync перечитывает заявку и историю после разрыва ленты.
func (c *Controller) resync() {
	req, err := c.deps.Backend.GetRequest(c.ctx, c.requestID)
	if (err == nil && !req.ChatAllowed()) || errors.Is(err, model.ErrNotFound) {
		c.closeWith(ReasonRevoked)
		return
	}
	history, err := c.deps.Backend.ListMessages(c.ctx, c.requestID)
	if err != nil {
		if c.ctx.Err() == nil {
			logger.Errorf("chat: resync %s: %v", c.requestID, err)
		}
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	for _, m := range history {
		c.mergeLocked(m)
	}
	focused := c.focused
	c.mu.Unlock()
	c.notify()
	if focused {
		c.markAll()
	}
}
