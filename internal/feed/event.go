// Package feed: клиент ленты изменений. Логические подписки на пары
// (таблица, фильтр) работают поверх одного upstream-транспорта; у каждой
// подписки упорядоченная доставка и ограниченный буфер, переподключение прозрачно.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	TableRideRequests = "ride_requests"
	TableMessages     = "messages"
	TableRides        = "rides"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

var ErrNoRow = errors.New("feed: event has no row snapshot")

// Event: одно изменение строки в том виде, в каком его шлют notify-триггеры.
type Event struct {
	Table      string          `json:"table"`
	Op         Op              `json:"type"`
	New        json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp"`
}

// Decode разбирает payload триггера.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("feed.Decode: %w", err)
	}
	switch ev.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Event{}, fmt.Errorf("feed.Decode: unknown operation %q", ev.Op)
	}
	if ev.Table == "" {
		return Event{}, errors.New("feed.Decode: missing table")
	}
	ev.New = nullToNil(ev.New)
	ev.Old = nullToNil(ev.Old)
	return ev, nil
}

// NewEvent собирает событие из значений строк; nil-строки пропускаются.
func NewEvent(table string, op Op, newRow, oldRow any) (Event, error) {
	ev := Event{Table: table, Op: op, CommitTime: time.Now().UTC()}
	var err error
	if newRow != nil {
		if ev.New, err = json.Marshal(newRow); err != nil {
			return Event{}, fmt.Errorf("feed.NewEvent new: %w", err)
		}
	}
	if oldRow != nil {
		if ev.Old, err = json.Marshal(oldRow); err != nil {
			return Event{}, fmt.Errorf("feed.NewEvent old: %w", err)
		}
	}
	return ev, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// DecodeNew декодирует новый снимок строки (insert/update).
func (e Event) DecodeNew(v any) error {
	if len(e.New) == 0 {
		return ErrNoRow
	}
	return json.Unmarshal(e.New, v)
}

// DecodeOld декодирует старый снимок строки (update/delete).
func (e Event) DecodeOld(v any) error {
	if len(e.Old) == 0 {
		return ErrNoRow
	}
	return json.Unmarshal(e.Old, v)
}

// DecodeRow берёт новый снимок, а для delete старый.
func (e Event) DecodeRow(v any) error {
	if len(e.New) > 0 {
		return e.DecodeNew(v)
	}
	return e.DecodeOld(v)
}

type row map[string]any

func parseRow(raw json.RawMessage) row {
	if len(raw) == 0 {
		return nil
	}
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return r
}

func (r row) get(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return fmt.Sprint(v), true
}
