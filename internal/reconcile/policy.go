// Package reconcile: политика мягкого удаления. Помеченная запись остаётся
// видимой в состоянии "removing" на время grace и затем исчезает.
package reconcile

import (
	"sync"
	"time"
)

// Policy планирует отложенные удаления по id записи.
// Повторное планирование заменяет таймер; устаревший таймер remove не вызывает.
type Policy struct {
	mu      sync.Mutex
	pending map[string]*schedule
	seq     uint64
	stopped bool
}

type schedule struct {
	token uint64
	timer *time.Timer
}

func New() *Policy {
	return &Policy{pending: make(map[string]*schedule)}
}

// SoftRemove вызывает remove через grace, если раньше не пришли Cancel или Stop.
// Возвращает false после Stop. remove вызывается без удержания блокировки.
func (p *Policy) SoftRemove(id string, grace time.Duration, remove func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if prev, ok := p.pending[id]; ok {
		prev.timer.Stop()
	}
	p.seq++
	token := p.seq
	s := &schedule{token: token}
	s.timer = time.AfterFunc(grace, func() {
		p.mu.Lock()
		cur, ok := p.pending[id]
		if !ok || cur.token != token || p.stopped {
			p.mu.Unlock()
			return
		}
		delete(p.pending, id)
		p.mu.Unlock()
		remove()
	})
	p.pending[id] = s
	return true
}

// Cancel отменяет запланированное удаление и сообщает, было ли оно.
func (p *Policy) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.pending[id]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(p.pending, id)
	return true
}

func (p *Policy) Pending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

// Stop отменяет всё; последующие SoftRemove игнорируются.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, s := range p.pending {
		s.timer.Stop()
		delete(p.pending, id)
	}
}
