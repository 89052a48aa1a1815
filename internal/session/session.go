// Package session связывает realtime-компоненты одной вкладки пользователя:
// счётчик непрочитанных, хранилища заявок открытых представлений и чаты.
// Сессия создаётся при входе и освобождается при выходе или отключении.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rideshare/internal/chat"
	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/requests"
	"github.com/rideshare/internal/unread"
)

type Backend interface {
	unread.Backend
	requests.Backend
	chat.Backend
	CreateRequest(ctx context.Context, rideID, passengerID string) (*model.RideRequest, error)
}

// Sink получает состояние для вкладки. Методы не должны блокироваться.
type Sink interface {
	Unread(unread.Snapshot)
	Requests(role model.Role, items []requests.Item)
	Chat(view chat.View)
	LiveStatus(status feed.Status)
}

type Options struct {
	RecountInterval time.Duration
	SoftRemoveGrace time.Duration
	EchoMatchWindow time.Duration
	SeenIDs         int
}

type watchedStore struct {
	store *requests.Store
	subs  []*feed.Subscription
}

type Session struct {
	userID  string
	backend Backend
	feed    *feed.Client
	sink    Sink
	opts    Options
	counter *unread.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	unreadSub *feed.Subscription
	stores    map[model.Role]*watchedStore
	chats     map[string]*chat.Controller
}

// Start создаёт сессию userID: обнуляет счётчик непрочитанных, подписывается
// на адресованные пользователю сообщения и делает первый пересчёт.
func Start(ctx context.Context, userID string, backend Backend, fc *feed.Client, sink Sink, opts Options) (*Session, error) {
	if userID == "" {
		return nil, model.ErrNotAuthenticated
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID:  userID,
		backend: backend,
		feed:    fc,
		sink:    sink,
		opts:    opts,
		counter: unread.New(userID, backend, opts.SeenIDs),
		ctx:     sctx,
		cancel:  cancel,
		stores:  make(map[model.Role]*watchedStore),
		chats:   make(map[string]*chat.Controller),
	}
	s.counter.Reset()
	s.counter.OnChange(sink.Unread)

	sub, err := fc.Subscribe(feed.Spec{
		Table:  feed.TableMessages,
		Ops:    []feed.Op{feed.OpInsert, feed.OpUpdate},
		Filter: feed.Eq("receiver_id", userID),
	}, s.counter.HandleEvent, s.onUnreadStatus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session.Start subscribe: %w", err)
	}
	s.unreadSub = sub

	if err := s.counter.Recount(ctx); err != nil {
		logger.Errorf("session: initial recount for %s: %v", userID, err)
	}
	metrics.Sessions.Inc()

	if opts.RecountInterval > 0 {
		s.wg.Add(1)
		go s.recountLoop()
	}
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Counter() *unread.Counter { return s.counter }

// recountLoop периодически пересчитывает счётчик против накопленного дрейфа.
func (s *Session) recountLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.RecountInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.counter.Recount(s.ctx); err != nil && !errors.Is(err, model.ErrClosed) && s.ctx.Err() == nil {
				logger.Errorf("session: periodic recount for %s: %v", s.userID, err)
			}
		}
	}
}

func (s *Session) onUnreadStatus(st feed.Status, err error) {
	s.sink.LiveStatus(st)
	switch st {
	case feed.StatusReconnected, feed.StatusResync:
		s.background(func(ctx context.Context) {
			if err := s.counter.Recount(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("session: recount after %s: %v", st, err)
			}
		})
	case feed.StatusFailed:
		logger.Errorf("session: live updates unavailable for %s: %v", s.userID, err)
	}
}

// background запускает fn в контексте сессии, если она не закрыта.
func (s *Session) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// WatchRequests открывает (или обновляет) список заявок роли и отправляет его в sink.
func (s *Session) WatchRequests(ctx context.Context, role model.Role) (*requests.Store, error) {
	if role != model.RoleDriver && role != model.RolePassenger {
		return nil, fmt.Errorf("%w: unknown role %q", model.ErrInvalidTransition, role)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ErrClosed
	}
	if w, ok := s.stores[role]; ok {
		s.mu.Unlock()
		return w.store, w.store.RefreshAll(ctx)
	}
	store := requests.New(role, s.userID, s.backend, s.opts.SoftRemoveGrace)
	w := &watchedStore{store: store}
	s.stores[role] = w
	s.mu.Unlock()

	store.OnChange(func(items []requests.Item) { s.sink.Requests(role, items) })
	onStatus := func(st feed.Status, _ error) {
		if st == feed.StatusReconnected || st == feed.StatusResync {
			s.background(func(ctx context.Context) {
				if err := store.RefreshAll(ctx); err != nil && ctx.Err() == nil {
					logger.Errorf("session: refresh %s requests after %s: %v", role, st, err)
				}
			})
		}
	}
	specs := []feed.Spec{{Table: feed.TableRideRequests, Filter: feed.Eq("passenger_id", s.userID)}}
	if role == model.RoleDriver {
		// Заявки привязаны к поездке: представление водителя получает все события
		// заявок, а хранилище отбрасывает события чужих поездок.
		specs = []feed.Spec{
			{Table: feed.TableRideRequests},
			{Table: feed.TableRides, Filter: feed.Eq("driver_id", s.userID)},
		}
	}
	for i, spec := range specs {
		var status feed.StatusFunc
		if i == 0 {
			status = onStatus
		}
		sub, err := s.feed.Subscribe(spec, store.Reconcile, status)
		if err != nil {
			s.dropStore(role)
			return nil, fmt.Errorf("session.WatchRequests subscribe: %w", err)
		}
		s.mu.Lock()
		w.subs = append(w.subs, sub)
		s.mu.Unlock()
	}
	if err := store.RefreshAll(ctx); err != nil {
		return store, err
	}
	return store, nil
}

func (s *Session) dropStore(role model.Role) {
	s.mu.Lock()
	w, ok := s.stores[role]
	delete(s.stores, role)
	s.mu.Unlock()
	if ok {
		s.releaseStore(w)
	}
}

func (s *Session) releaseStore(w *watchedStore) {
	for _, sub := range w.subs {
		s.feed.Unsubscribe(sub)
	}
	w.store.Close()
}

// Store возвращает хранилище роли, если оно открыто.
func (s *Session) Store(role model.Role) *requests.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.stores[role]; ok {
		return w.store
	}
	return nil
}

// Transition применяет действие над заявкой через хранилище действующей роли.
func (s *Session) Transition(ctx context.Context, requestID string, a requests.Action) error {
	role := model.RolePassenger
	if a == requests.ActionAccept || a == requests.ActionReject {
		role = model.RoleDriver
	}
	if a == requests.ActionHide {
		role = s.roleFor(ctx, requestID)
	}
	store := s.Store(role)
	if store == nil {
		var err error
		if store, err = s.WatchRequests(ctx, role); store == nil {
			return err
		}
	}
	return store.Transition(ctx, requestID, a)
}

// roleFor определяет сторону пользователя в заявке, сначала по открытым хранилищам.
func (s *Session) roleFor(ctx context.Context, requestID string) model.Role {
	for _, role := range []model.Role{model.RoleDriver, model.RolePassenger} {
		if st := s.Store(role); st != nil {
			if _, ok := st.Get(requestID); ok {
				return role
			}
		}
	}
	if req, err := s.backend.GetRequest(ctx, requestID); err == nil && req.DriverID() == s.userID {
		return model.RoleDriver
	}
	return model.RolePassenger
}

// RequestRide создаёт заявку pending на rideID. Хранилище пассажира
// узнаёт о ней из ленты изменений.
func (s *Session) RequestRide(ctx context.Context, rideID string) (*model.RideRequest, error) {
	if s.isClosed() {
		return nil, model.ErrClosed
	}
	req, err := s.backend.CreateRequest(ctx, rideID, s.userID)
	if err != nil {
		return nil, model.Transient("session.RequestRide", err)
	}
	return req, nil
}

// OpenChat открывает чат requestID или возвращает уже открытый.
func (s *Session) OpenChat(ctx context.Context, requestID string) (*chat.Controller, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ErrClosed
	}
	if c, ok := s.chats[requestID]; ok {
		s.mu.Unlock()
		s.sink.Chat(c.View())
		return c, nil
	}
	s.mu.Unlock()

	c, err := chat.Open(ctx, s.userID, requestID, chat.Deps{Backend: s.backend, Unread: s.counter, Feed: s.feed}, s.opts.EchoMatchWindow)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return nil, model.ErrClosed
	}
	if prev, ok := s.chats[requestID]; ok {
		s.mu.Unlock()
		c.Close()
		return prev, nil
	}
	s.chats[requestID] = c
	s.mu.Unlock()

	c.OnChange(func(v chat.View) {
		if v.State == chat.StateClosed {
			s.forgetChat(requestID, c)
		}
		s.sink.Chat(v)
	})
	v := c.View()
	if v.State == chat.StateClosed {
		// Доступ отозван до подключения слушателя.
		s.forgetChat(requestID, c)
	}
	s.sink.Chat(v)
	return c, nil
}

func (s *Session) forgetChat(requestID string, c *chat.Controller) {
	s.mu.Lock()
	if cur, ok := s.chats[requestID]; ok && cur == c {
		delete(s.chats, requestID)
	}
	s.mu.Unlock()
}

// Chat возвращает открытый чат requestID или nil.
func (s *Session) Chat(requestID string) *chat.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[requestID]
}

func (s *Session) CloseChat(requestID string) {
	s.mu.Lock()
	c, ok := s.chats[requestID]
	delete(s.chats, requestID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (s *Session) FocusChat(requestID string, focused bool) error {
	c := s.Chat(requestID)
	if c == nil {
		return fmt.Errorf("%w: chat %s is not open", model.ErrNotFound, requestID)
	}
	c.SetFocused(focused)
	return nil
}

// SendMessage отправляет сообщение через открытый чат requestID.
func (s *Session) SendMessage(ctx context.Context, requestID, text string) error {
	c := s.Chat(requestID)
	if c == nil {
		return fmt.Errorf("%w: chat %s is not open", model.ErrNotFound, requestID)
	}
	return c.Send(ctx, text)
}

// Refresh перечитывает авторитетные данные: счётчик непрочитанных и все открытые списки.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.counter.Recount(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	stores := make([]*requests.Store, 0, len(s.stores))
	for _, w := range s.stores {
		stores = append(stores, w.store)
	}
	s.mu.Unlock()
	for _, st := range stores {
		if err := st.RefreshAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close освобождает все подписки, таймеры и фоновые вызовы сессии.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	chats := s.chats
	stores := s.stores
	s.chats = make(map[string]*chat.Controller)
	s.stores = make(map[model.Role]*watchedStore)
	unreadSub := s.unreadSub
	s.mu.Unlock()

	for _, c := range chats {
		c.Close()
	}
	for _, w := range stores {
		s.releaseStore(w)
	}
	s.feed.Unsubscribe(unreadSub)
	s.counter.Close()
	s.cancel()
	s.wg.Wait()
	metrics.Sessions.Dec()
}
