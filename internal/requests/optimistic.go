package requests

import (
	"context"
	"fmt"

	"github.com/rideshare/internal/model"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionCancel Action = "cancel"
	ActionHide   Action = "hide"
)

// Undo: запись журнала отката одного оптимистичного изменения.
type Undo struct {
	id     string
	token  uint64
	merges uint64
	prior  model.RideRequest
}

func (u Undo) RequestID() string { return u.id }

// check проверяет, кто и куда может перевести заявку.
func (s *Store) check(cur model.RideRequest, a Action) error {
	switch a {
	case ActionAccept, ActionReject:
		if s.role != model.RoleDriver {
			return fmt.Errorf("%w: only the driver may %s", model.ErrAccessDenied, a)
		}
		if cur.Status != model.RequestPending {
			return fmt.Errorf("%w: %s from %s", model.ErrInvalidTransition, a, cur.Status)
		}
	case ActionCancel:
		if s.role != model.RolePassenger {
			return fmt.Errorf("%w: only the passenger may cancel", model.ErrAccessDenied)
		}
		if cur.Status != model.RequestPending && cur.Status != model.RequestAccepted {
			return fmt.Errorf("%w: cancel from %s", model.ErrInvalidTransition, cur.Status)
		}
	case ActionHide:
		if cur.Status == model.RequestPending {
			return fmt.Errorf("%w: hide before resolution", model.ErrInvalidTransition)
		}
		if cur.HiddenFor(s.role) {
			return fmt.Errorf("%w: already hidden", model.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", model.ErrInvalidTransition, a)
	}
	return nil
}

func actionFor(to model.RequestStatus) (Action, error) {
	switch to {
	case model.RequestAccepted:
		return ActionAccept, nil
	case model.RequestRejected:
		return ActionReject, nil
	case model.RequestCancelled:
		return ActionCancel, nil
	}
	return "", fmt.Errorf("%w: to %s", model.ErrInvalidTransition, to)
}

// ApplyOptimistic локально переводит заявку в статус `to` до ответа сервера.
// Возвращённый Undo затем передаётся в Confirm или Revert.
func (s *Store) ApplyOptimistic(id string, to model.RequestStatus) (Undo, error) {
	a, err := actionFor(to)
	if err != nil {
		return Undo{}, err
	}
	return s.apply(id, a)
}

// ApplyHide локально скрывает решённую заявку; она уходит через период grace.
func (s *Store) ApplyHide(id string) (Undo, error) {
	return s.apply(id, ActionHide)
}

func (s *Store) apply(id string, a Action) (Undo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Undo{}, model.ErrClosed
	}
	e, ok := s.entries[id]
	if !ok || e.gone {
		s.mu.Unlock()
		return Undo{}, model.ErrNotFound
	}
	if e.overlay != nil {
		s.mu.Unlock()
		return Undo{}, fmt.Errorf("%w: another change is in flight", model.ErrInvalidTransition)
	}
	if err := s.check(e.effective(s.role), a); err != nil {
		s.mu.Unlock()
		return Undo{}, err
	}
	s.seq++
	ov := &overlay{token: s.seq}
	switch a {
	case ActionAccept:
		ov.status = model.RequestAccepted
	case ActionReject:
		ov.status = model.RequestRejected
	case ActionCancel:
		ov.status = model.RequestCancelled
	case ActionHide:
		ov.hide = true
	}
	e.overlay = ov
	u := Undo{id: id, token: ov.token, merges: e.merges, prior: e.base}
	s.settleLocked(id, e)
	s.mu.Unlock()
	s.notify()
	return u, nil
}

// Confirm снимает оптимистичную пометку. server становится базовой записью,
// если в хранилище нет более новой версии строки.
func (s *Store) Confirm(u Undo, server *model.RideRequest) {
	s.mu.Lock()
	e, ok := s.entries[u.id]
	if s.closed || !ok || e.overlay == nil || e.overlay.token != u.token {
		s.mu.Unlock()
		return
	}
	switch {
	case server == nil:
		// Ответ без тела: оставляем оптимистичный результат, если не пришло событие.
		if e.merges == u.merges {
			e.base = e.effective(s.role)
		}
	case server.Older(&e.base):
		// Более новая версия уже пришла через ленту изменений.
	case e.merges == u.merges || e.base.Older(server):
		if server.Ride != nil {
			e.base = *server
		} else {
			mergeRow(&e.base, *server)
		}
	}
	e.overlay = nil
	s.touchLocked(e)
	s.settleLocked(u.id, e)
	s.mu.Unlock()
	s.notify()
}

// Revert восстанавливает состояние из u. Запись, ушедшая из списка
// за период grace, возвращается.
func (s *Store) Revert(u Undo) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.entries[u.id]
	switch {
	case ok && e.overlay != nil && e.overlay.token == u.token:
		e.overlay = nil
		s.settleLocked(u.id, e)
	case !ok:
		e = &entry{base: u.prior}
		delete(s.dropped, u.id)
		s.touchLocked(e)
		s.entries[u.id] = e
		s.settleLocked(u.id, e)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

// Transition выполняет оптимистичное действие целиком: локальное применение,
// вызов бэкенда, затем подтверждение или откат.
func (s *Store) Transition(ctx context.Context, id string, a Action) error {
	if s.userID == "" {
		return model.ErrNotAuthenticated
	}
	u, err := s.apply(id, a)
	if err != nil {
		return err
	}
	var server *model.RideRequest
	switch a {
	case ActionAccept:
		server, err = s.backend.DecideRequest(ctx, id, s.userID, model.RequestAccepted)
	case ActionReject:
		server, err = s.backend.DecideRequest(ctx, id, s.userID, model.RequestRejected)
	case ActionCancel:
		server, err = s.backend.CancelRequest(ctx, id, s.userID)
	case ActionHide:
		server, err = s.backend.HideRequest(ctx, id, s.role, s.userID)
	}
	if err != nil {
		s.Revert(u)
		return model.Transient("requests."+string(a), err)
	}
	s.Confirm(u, server)
	return nil
}
