package unread

import "time"

type seenState uint8

const (
	// stateCounted: сообщение даёт 1 в локальный счётчик.
	stateCounted seenState = iota + 1
	// stateRead: сообщение прочитано; позднее событие вставки игнорируется.
	stateRead
)

type seenEntry struct {
	state     seenState
	requestID string
	createdAt time.Time
}

// seenSet помнит недавние id сообщений и вытесняет старейшие сверх ёмкости.
type seenSet struct {
	max   int
	items map[string]*seenEntry
	order []string
}

func newSeenSet(max int) *seenSet {
	if max <= 0 {
		max = 1024
	}
	return &seenSet{max: max, items: make(map[string]*seenEntry, max)}
}

func (s *seenSet) get(id string) (*seenEntry, bool) {
	e, ok := s.items[id]
	return e, ok
}

func (s *seenSet) put(id string, e *seenEntry) {
	if _, ok := s.items[id]; ok {
		s.items[id] = e
		return
	}
	if len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	s.items[id] = e
	s.order = append(s.order, id)
}

func (s *seenSet) each(fn func(id string, e *seenEntry)) {
	for id, e := range s.items {
		fn(id, e)
	}
}

func (s *seenSet) reset() {
	s.items = make(map[string]*seenEntry, s.max)
	s.order = nil
}
