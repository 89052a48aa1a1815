// Package memrepo: реляционное хранилище в памяти для тестов и локального запуска.
// Реализует те же методы, что и репозитории Postgres, и порождает
// события изменений так же, как notify-триггеры.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/model"
)

type Store struct {
	mu       sync.Mutex
	rides    map[string]*model.RideSummary
	requests map[string]*model.RideRequest
	messages map[string]*model.Message
	profiles map[string]*model.Profile
	failures map[string]error
	sink     func(feed.Event)
	now      func() time.Time
	last     time.Time
}

func New() *Store {
	return &Store{
		rides:    make(map[string]*model.RideSummary),
		requests: make(map[string]*model.RideRequest),
		messages: make(map[string]*model.Message),
		profiles: make(map[string]*model.Profile),
		failures: make(map[string]error),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// OnChange задаёт получателя событий изменений.
func (s *Store) OnChange(sink func(feed.Event)) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Fail заставляет следующий вызов метода op вернуть err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	s.failures[op] = err
	s.mu.Unlock()
}

func (s *Store) failLocked(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// tick возвращает строго возрастающее время; порядок по created_at стабилен.
func (s *Store) tickLocked() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// emit вызывается под блокировкой; sink не должен обращаться к хранилищу.
func (s *Store) emitLocked(table string, op feed.Op, newRow, oldRow any) {
	if s.sink == nil {
		return
	}
	ev, err := feed.NewEvent(table, op, newRow, oldRow)
	if err != nil {
		return
	}
	s.sink(ev)
}

func (s *Store) AddProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = &p
}

// AddRide добавляет поездку; пустой id генерируется.
func (s *Store) AddRide(r model.RideSummary) *model.RideSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = model.RideActive
	}
	s.rides[r.ID] = &r
	s.emitLocked(feed.TableRides, feed.OpInsert, r, nil)
	out := r
	return &out
}

// DeleteRide удаляет поездку вместе с заявками и их сообщениями.
func (s *Store) DeleteRide(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return model.ErrNotFound
	}
	for rid, req := range s.requests {
		if req.RideID != id {
			continue
		}
		for mid, m := range s.messages {
			if m.RideRequestID == rid {
				delete(s.messages, mid)
			}
		}
		delete(s.requests, rid)
		s.emitLocked(feed.TableRideRequests, feed.OpDelete, nil, plainRequest(req))
	}
	delete(s.rides, id)
	s.emitLocked(feed.TableRides, feed.OpDelete, nil, *r)
	return nil
}

// UpdateRequest применяет mutate к заявке и порождает событие обновления,
// как при записи другим клиентом.
func (s *Store) UpdateRequest(id string, mutate func(*model.RideRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return model.ErrNotFound
	}
	old := plainRequest(req)
	mutate(req)
	req.UpdatedAt = s.tickLocked()
	s.emitLocked(feed.TableRideRequests, feed.OpUpdate, plainRequest(req), old)
	return nil
}

// Message возвращает копию сохранённого сообщения.
func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// plainRequest убирает присоединённые данные; события несут только колонки строки.
func plainRequest(r *model.RideRequest) model.RideRequest {
	out := *r
	out.Ride, out.Passenger, out.Driver = nil, nil, nil
	return out
}

func (s *Store) joinedLocked(r *model.RideRequest) *model.RideRequest {
	out := plainRequest(r)
	if ride, ok := s.rides[r.RideID]; ok {
		rc := *ride
		out.Ride = &rc
		if p, ok := s.profiles[ride.DriverID]; ok {
			pc := *p
			out.Driver = &pc
		}
	}
	if p, ok := s.profiles[r.PassengerID]; ok {
		pc := *p
		out.Passenger = &pc
	}
	return &out
}

func (s *Store) GetRequest(_ context.Context, id string) (*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("GetRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.joinedLocked(r), nil
}

func (s *Store) ListForDriver(_ context.Context, driverID string) ([]*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("ListForDriver"); err != nil {
		return nil, err
	}
	var out []*model.RideRequest
	for _, r := range s.requests {
		ride, ok := s.rides[r.RideID]
		if !ok || ride.DriverID != driverID || ride.Status == model.RideCancelled {
			continue
		}
		if r.HiddenByDriver || (r.Status != model.RequestPending && r.Status != model.RequestAccepted) {
			continue
		}
		out = append(out, s.joinedLocked(r))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ListForPassenger(_ context.Context, passengerID string) ([]*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("ListForPassenger"); err != nil {
		return nil, err
	}
	var out []*model.RideRequest
	for _, r := range s.requests {
		if r.PassengerID != passengerID || r.HiddenByPassenger {
			continue
		}
		out = append(out, s.joinedLocked(r))
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(rs []*model.RideRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

func (s *Store) CreateRequest(_ context.Context, rideID, passengerID string) (*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CreateRequest"); err != nil {
		return nil, err
	}
	ride, ok := s.rides[rideID]
	if !ok || ride.Status == model.RideCancelled {
		return nil, model.ErrNotFound
	}
	if ride.DriverID == passengerID {
		return nil, model.ErrAccessDenied
	}
	for _, r := range s.requests {
		if r.RideID == rideID && r.PassengerID == passengerID && r.Status != model.RequestCancelled {
			return nil, model.ErrAlreadyRequested
		}
	}
	r := &model.RideRequest{
		ID:          uuid.NewString(),
		RideID:      rideID,
		PassengerID: passengerID,
		Status:      model.RequestPending,
		CreatedAt:   s.tickLocked(),
	}
	r.UpdatedAt = r.CreatedAt
	s.requests[r.ID] = r
	s.emitLocked(feed.TableRideRequests, feed.OpInsert, plainRequest(r), nil)
	return s.joinedLocked(r), nil
}

func (s *Store) updateLocked(r *model.RideRequest, mutate func(*model.RideRequest)) *model.RideRequest {
	old := plainRequest(r)
	mutate(r)
	r.UpdatedAt = s.tickLocked()
	s.emitLocked(feed.TableRideRequests, feed.OpUpdate, plainRequest(r), old)
	return s.joinedLocked(r)
}

func (s *Store) DecideRequest(_ context.Context, id, driverID string, to model.RequestStatus) (*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("DecideRequest"); err != nil {
		return nil, err
	}
	if to != model.RequestAccepted && to != model.RequestRejected {
		return nil, model.ErrInvalidTransition
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if ride, ok := s.rides[r.RideID]; !ok || ride.DriverID != driverID {
		return nil, model.ErrAccessDenied
	}
	if r.Status != model.RequestPending {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, r.Status, to)
	}
	return s.updateLocked(r, func(r *model.RideRequest) { r.Status = to }), nil
}

func (s *Store) CancelRequest(_ context.Context, id, passengerID string) (*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CancelRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if r.PassengerID != passengerID {
		return nil, model.ErrAccessDenied
	}
	if r.Status != model.RequestPending && r.Status != model.RequestAccepted {
		return nil, fmt.Errorf("%w: %s -> cancelled", model.ErrInvalidTransition, r.Status)
	}
	return s.updateLocked(r, func(r *model.RideRequest) { r.Status = model.RequestCancelled }), nil
}

func (s *Store) HideRequest(_ context.Context, id string, role model.Role, userID string) (*model.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("HideRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	switch role {
	case model.RoleDriver:
		if ride, ok := s.rides[r.RideID]; !ok || ride.DriverID != userID {
			return nil, model.ErrAccessDenied
		}
	case model.RolePassenger:
		if r.PassengerID != userID {
			return nil, model.ErrAccessDenied
		}
	default:
		return nil, model.ErrAccessDenied
	}
	if r.Status == model.RequestPending {
		return nil, fmt.Errorf("%w: hide while pending", model.ErrInvalidTransition)
	}
	return s.updateLocked(r, func(r *model.RideRequest) {
		if role == model.RoleDriver {
			r.HiddenByDriver = true
		} else {
			r.HiddenByPassenger = true
		}
	}), nil
}

func (s *Store) ListMessages(_ context.Context, requestID string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("ListMessages"); err != nil {
		return nil, err
	}
	var out []*model.Message
	for _, m := range s.messages {
		if m.RideRequestID == requestID {
			mc := *m
			out = append(out, &mc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.MessageLess(out[i], out[j]) })
	return out, nil
}

// CreateMessage сохраняет m с новым id и временем. Писать могут только
// две стороны принятой заявки.
func (s *Store) CreateMessage(_ context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CreateMessage"); err != nil {
		return nil, err
	}
	r, ok := s.requests[m.RideRequestID]
	if !ok {
		return nil, model.ErrNotFound
	}
	joined := s.joinedLocked(r)
	if !joined.ChatAllowed() || !joined.IsParty(m.SenderID) || joined.Counterpart(m.SenderID) != m.ReceiverID {
		return nil, model.ErrAccessDenied
	}
	stored := &model.Message{
		ID:            uuid.NewString(),
		RideRequestID: m.RideRequestID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		CreatedAt:     s.tickLocked(),
	}
	if m.ID != "" {
		stored.ID = m.ID
	}
	if !m.CreatedAt.IsZero() {
		stored.CreatedAt = m.CreatedAt
	}
	s.messages[stored.ID] = stored
	s.emitLocked(feed.TableMessages, feed.OpInsert, *stored, nil)
	out := *stored
	return &out, nil
}

func (s *Store) markLocked(match func(*model.Message) bool) []model.ReadMark {
	var marks []model.ReadMark
	for _, m := range s.messages {
		if m.IsRead || !match(m) {
			continue
		}
		old := *m
		m.IsRead = true
		marks = append(marks, model.ReadMark{ID: m.ID, RideRequestID: m.RideRequestID, CreatedAt: m.CreatedAt})
		s.emitLocked(feed.TableMessages, feed.OpUpdate, *m, old)
	}
	return marks
}

func (s *Store) MarkRead(_ context.Context, requestID, receiverID string) ([]model.ReadMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("MarkRead"); err != nil {
		return nil, err
	}
	return s.markLocked(func(m *model.Message) bool {
		return m.RideRequestID == requestID && m.ReceiverID == receiverID
	}), nil
}

func (s *Store) MarkMessageRead(_ context.Context, messageID, receiverID string) ([]model.ReadMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("MarkMessageRead"); err != nil {
		return nil, err
	}
	return s.markLocked(func(m *model.Message) bool {
		return m.ID == messageID && m.ReceiverID == receiverID
	}), nil
}

func (s *Store) CountUnreadByRequest(_ context.Context, receiverID string) (model.UnreadTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked("CountUnreadByRequest"); err != nil {
		return model.UnreadTally{}, err
	}
	t := model.UnreadTally{ByRequest: make(map[string]int), AsOf: s.tickLocked()}
	for _, m := range s.messages {
		if m.ReceiverID == receiverID && !m.IsRead {
			t.ByRequest[m.RideRequestID]++
		}
	}
	return t, nil
}
