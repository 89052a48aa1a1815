// Package requests: коллекция заявок в памяти для одной роли (панель водителя
// или поездки пассажира) с оптимистичными переходами и сверкой по событиям.
package requests

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/reconcile"
)

// Backend: часть реляционного хранилища для заявок.
type Backend interface {
	GetRequest(ctx context.Context, id string) (*model.RideRequest, error)
	ListForDriver(ctx context.Context, driverID string) ([]*model.RideRequest, error)
	ListForPassenger(ctx context.Context, passengerID string) ([]*model.RideRequest, error)
	DecideRequest(ctx context.Context, id, driverID string, to model.RequestStatus) (*model.RideRequest, error)
	CancelRequest(ctx context.Context, id, passengerID string) (*model.RideRequest, error)
	HideRequest(ctx context.Context, id string, role model.Role, userID string) (*model.RideRequest, error)
}

// Item: одна отображаемая заявка.
type Item struct {
	model.RideRequest
	// Removing выставлен в период grace перед мягким удалением.
	Removing bool `json:"removing"`
	// Optimistic выставлен, пока локальный переход ждёт сервер.
	Optimistic bool `json:"optimistic"`
}

type overlay struct {
	token  uint64
	status model.RequestStatus
	hide   bool
}

type entry struct {
	base     model.RideRequest
	overlay  *overlay
	removing bool
	gone     bool
	// merges считает слияния событий в base; поздний ответ сервера
	// не затирает более новое событие.
	merges uint64
	// rev: номер последнего локального изменения записи в хранилище.
	rev uint64
}

// tombstone помнит запись, ушедшую из списка; чтение, начатое до её ухода,
// её не возвращает.
type tombstone struct {
	rev     uint64
	version time.Time
}

// effective: базовая запись с наложенным оптимистичным изменением.
func (e *entry) effective(role model.Role) model.RideRequest {
	r := e.base
	if e.overlay == nil {
		return r
	}
	if e.overlay.status != "" {
		r.Status = e.overlay.status
	}
	if e.overlay.hide {
		if role == model.RoleDriver {
			r.HiddenByDriver = true
		} else {
			r.HiddenByPassenger = true
		}
	}
	return r
}

// Store безопасен для конкурентного использования. Слушатели вызываются вне блокировки.
type Store struct {
	role    model.Role
	userID  string
	backend Backend
	policy  *reconcile.Policy
	grace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[string]*entry
	myRides   map[string]bool
	fetching  map[string]bool
	gen       uint64
	seq       uint64
	rev       uint64
	dropped   map[string]tombstone
	closed    bool
	listeners map[int]func([]Item)
	nextL     int

	notifyMu sync.Mutex
}

func New(role model.Role, userID string, backend Backend, grace time.Duration) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		role:      role,
		userID:    userID,
		backend:   backend,
		policy:    reconcile.New(),
		grace:     grace,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		myRides:   make(map[string]bool),
		fetching:  make(map[string]bool),
		dropped:   make(map[string]tombstone),
		listeners: make(map[int]func([]Item)),
	}
}

func (s *Store) Role() model.Role { return s.role }

// OnChange регистрирует fn на каждое изменение списка; fn не должен блокироваться.
func (s *Store) OnChange(fn func([]Item)) func() {
	s.mu.Lock()
	id := s.nextL
	s.nextL++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close отменяет отложенные удаления и загрузки; поздние результаты отбрасываются.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[int]func([]Item))
	s.mu.Unlock()
	s.cancel()
	s.policy.Stop()
}

// visible сообщает, показывает ли список роли r, без учёта флагов скрытия.
func (s *Store) visible(r model.RideRequest) bool {
	if s.role == model.RoleDriver {
		return r.Status == model.RequestPending || r.Status == model.RequestAccepted
	}
	return true
}

func (s *Store) hidden(r model.RideRequest) bool {
	return r.HiddenFor(s.role)
}

// settleLocked запускает или отменяет мягкое удаление и убирает записи,
// которые роль больше не показывает. Вызывается после каждого изменения e.
func (s *Store) settleLocked(id string, e *entry) {
	eff := e.effective(s.role)
	leaving := e.gone || s.hidden(eff)
	switch {
	case leaving && !e.removing:
		e.removing = true
		s.policy.SoftRemove(id, s.grace, func() { s.finishRemoval(id) })
	case !leaving && e.removing:
		s.policy.Cancel(id)
		e.removing = false
	}
	if e.overlay == nil && !e.removing && !s.visible(eff) {
		s.dropLocked(id, e)
	}
}

// touchLocked отмечает e как изменённую сейчас.
func (s *Store) touchLocked(e *entry) {
	s.rev++
	e.rev = s.rev
}

func (s *Store) dropLocked(id string, e *entry) {
	s.rev++
	s.dropped[id] = tombstone{rev: s.rev, version: e.base.UpdatedAt}
	delete(s.entries, id)
}

// buried сообщает, что r не новее строки, уже ушедшей из списка.
func (s *Store) buried(r *model.RideRequest) bool {
	t, ok := s.dropped[r.ID]
	return ok && !r.UpdatedAt.After(t.version)
}

func (s *Store) finishRemoval(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if s.closed || !ok || !e.removing {
		s.mu.Unlock()
		return
	}
	s.dropLocked(id, e)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) itemsLocked() []Item {
	out := make([]Item, 0, len(s.entries))
	for _, e := range s.entries {
		eff := e.effective(s.role)
		if !s.visible(eff) && !e.removing {
			continue
		}
		if s.hidden(eff) && !e.removing {
			continue
		}
		out = append(out, Item{RideRequest: eff, Removing: e.removing, Optimistic: e.overlay != nil})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Items возвращает отображаемый список, новые сверху.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked()
}

func (s *Store) Get(id string) (Item, bool) {
	for _, it := range s.Items() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func (s *Store) byStatus(st model.RequestStatus) []Item {
	var out []Item
	for _, it := range s.Items() {
		if it.Status == st {
			out = append(out, it)
		}
	}
	return out
}

// Pending: раздел водителя "новые заявки".
func (s *Store) Pending() []Item { return s.byStatus(model.RequestPending) }

// Accepted: раздел водителя "подтверждённые пассажиры".
func (s *Store) Accepted() []Item { return s.byStatus(model.RequestAccepted) }

// Upcoming возвращает ещё не начавшиеся и активные поездки.
func (s *Store) Upcoming(now time.Time) []Item {
	var out []Item
	for _, it := range s.Items() {
		if isUpcoming(it.RideRequest, now) {
			out = append(out, it)
		}
	}
	return out
}

// Past: дополнение к Upcoming.
func (s *Store) Past(now time.Time) []Item {
	var out []Item
	for _, it := range s.Items() {
		if !isUpcoming(it.RideRequest, now) {
			out = append(out, it)
		}
	}
	return out
}

func isUpcoming(r model.RideRequest, now time.Time) bool {
	if r.Status == model.RequestCancelled || r.Status == model.RequestRejected {
		return false
	}
	if r.Ride == nil || r.Ride.DepartureTime.IsZero() {
		return true
	}
	return !r.Ride.DepartureTime.Before(now)
}

// ChatAvailable сообщает, разрешает ли подтверждённый сервером статус чат
// и не покидает ли заявка список.
func (s *Store) ChatAvailable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && !e.removing && !e.gone && e.base.ChatAllowed()
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	items := s.itemsLocked()
	ls := make([]func([]Item), 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(items)
	}
}

// RefreshAll заменяет коллекцию авторитетным чтением. Из перекрывающихся
// обновлений побеждает начатое последним. Незавершённые оптимистичные
// изменения накладываются поверх результата. Записи, изменённые локально
// после начала чтения, сохраняют своё состояние, если чтение не новее.
func (s *Store) RefreshAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrClosed
	}
	s.gen++
	gen := s.gen
	since := s.rev
	s.mu.Unlock()

	var (
		list []*model.RideRequest
		err  error
	)
	if s.role == model.RoleDriver {
		list, err = s.backend.ListForDriver(ctx, s.userID)
	} else {
		list, err = s.backend.ListForPassenger(ctx, s.userID)
	}
	if err != nil {
		return model.Transient("requests.RefreshAll", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrClosed
	}
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	fresh := make(map[string]*entry, len(list))
	for _, r := range list {
		if s.role == model.RoleDriver {
			s.myRides[r.RideID] = true
		}
		if t, ok := s.dropped[r.ID]; ok && t.rev > since && !r.UpdatedAt.After(t.version) {
			continue
		}
		fresh[r.ID] = &entry{base: *r}
	}
	for id, old := range s.entries {
		e, ok := fresh[id]
		changed := old.rev > since && !(ok && old.base.Older(&e.base))
		if changed || (ok && e.base.Older(&old.base)) {
			fresh[id] = old
			continue
		}
		if !ok {
			if old.removing {
				s.policy.Cancel(id)
			}
			continue
		}
		e.overlay = old.overlay
		e.merges = old.merges
		e.removing = old.removing && s.hidden(e.effective(s.role))
		if old.removing && !e.removing {
			s.policy.Cancel(id)
		}
	}
	for id, t := range s.dropped {
		if t.rev <= since {
			delete(s.dropped, id)
		}
	}
	s.entries = fresh
	for id, e := range fresh {
		s.settleLocked(id, e)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Reconcile применяет событие таблицы ride_requests или rides.
// Повторное применение события даёт то же состояние, что и однократное.
func (s *Store) Reconcile(ev feed.Event) {
	switch ev.Table {
	case feed.TableRideRequests:
		s.reconcileRequest(ev)
	case feed.TableRides:
		s.reconcileRide(ev)
	}
}

func (s *Store) reconcileRequest(ev feed.Event) {
	var r model.RideRequest
	if err := ev.DecodeRow(&r); err != nil {
		if !errors.Is(err, feed.ErrNoRow) {
			logger.Errorf("requests: decode %s: %v", ev.Op, err)
		}
		return
	}
	if r.ID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, known := s.entries[r.ID]
	if ev.Op == feed.OpDelete {
		if known {
			e.gone = true
			s.touchLocked(e)
			s.settleLocked(r.ID, e)
		}
		s.mu.Unlock()
		s.notify()
		return
	}
	if known {
		if r.Older(&e.base) {
			// Повторная или переупорядоченная доставка более старой версии.
			s.mu.Unlock()
			return
		}
		mergeRow(&e.base, r)
		e.merges++
		s.touchLocked(e)
		s.settleLocked(r.ID, e)
		s.mu.Unlock()
		s.notify()
		return
	}
	if !s.visible(r) || s.hidden(r) || s.buried(&r) {
		s.mu.Unlock()
		return
	}
	if s.role == model.RolePassenger && r.PassengerID != s.userID {
		s.mu.Unlock()
		return
	}
	if mine, decided := s.myRides[r.RideID]; decided && !mine {
		s.mu.Unlock()
		return
	}
	if s.role == model.RolePassenger {
		e := &entry{base: r}
		s.touchLocked(e)
		s.entries[r.ID] = e
	}
	s.mu.Unlock()
	s.notify()
	s.fetch(r.ID)
}

// mergeRow копирует колонки строки r в base и сохраняет присоединённые данные.
func mergeRow(base *model.RideRequest, r model.RideRequest) {
	ride, passenger, driver := base.Ride, base.Passenger, base.Driver
	*base = r
	base.Ride, base.Passenger, base.Driver = ride, passenger, driver
}

// fetch в фоне загружает полную запись ещё не виденной заявки.
// Результат отбрасывается, если хранилище успело закрыться.
func (s *Store) fetch(id string) {
	s.mu.Lock()
	if s.fetching[id] {
		s.mu.Unlock()
		return
	}
	s.fetching[id] = true
	s.mu.Unlock()

	go func() {
		r, err := s.backend.GetRequest(s.ctx, id)
		s.mu.Lock()
		delete(s.fetching, id)
		if s.closed {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			if !errors.Is(err, model.ErrNotFound) && s.ctx.Err() == nil {
				logger.Errorf("requests: fetch %s: %v", id, err)
			}
			return
		}
		if s.role == model.RoleDriver {
			mine := r.DriverID() == s.userID
			s.myRides[r.RideID] = mine
			if !mine {
				s.mu.Unlock()
				return
			}
		}
		if e, ok := s.entries[id]; ok {
			e.base.Ride, e.base.Passenger, e.base.Driver = r.Ride, r.Passenger, r.Driver
			if e.base.Older(r) {
				mergeRow(&e.base, *r)
				e.merges++
			}
			s.touchLocked(e)
			s.settleLocked(id, e)
		} else if !s.buried(r) {
			e := &entry{base: *r}
			s.touchLocked(e)
			s.entries[id] = e
			s.settleLocked(id, e)
		}
		s.mu.Unlock()
		s.notify()
	}()
}

func (s *Store) reconcileRide(ev feed.Event) {
	var ride model.RideSummary
	if err := ev.DecodeRow(&ride); err != nil || ride.ID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.role == model.RoleDriver && ride.DriverID != "" {
		s.myRides[ride.ID] = ride.DriverID == s.userID
	}
	leaving := ev.Op == feed.OpDelete || (s.role == model.RoleDriver && ride.Status == model.RideCancelled)
	changed := false
	for id, e := range s.entries {
		if e.base.RideID != ride.ID {
			continue
		}
		changed = true
		if leaving {
			e.gone = true
		} else {
			rc := ride
			e.base.Ride = &rc
		}
		s.touchLocked(e)
		s.settleLocked(id, e)
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}
