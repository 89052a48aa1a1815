package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTable    = errors.New("feed: unknown table")
	ErrUnindexedFilter = errors.New("feed: filter column is not indexed")
	ErrBadFilter       = errors.New("feed: malformed filter")
)

// indexed: колонки, по которым подписке разрешено фильтровать, по таблицам.
var indexed = map[string]map[string]bool{
	TableRideRequests: {"id": true, "ride_id": true, "passenger_id": true},
	TableMessages:     {"id": true, "ride_request_id": true, "receiver_id": true, "sender_id": true},
	TableRides:        {"id": true, "driver_id": true},
}

// Filter: равенство по одной колонке. Нулевой Filter пропускает любую строку.
type Filter struct {
	Column string
	Value  string
}

// Eq строит column=eq.value.
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

// ParseFilter принимает текстовую форму "column=eq.value" и пустую строку.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q", ErrBadFilter, s)
	}
	val, ok := strings.CutPrefix(rest, "eq.")
	if !ok || col == "" || val == "" {
		return Filter{}, fmt.Errorf("%w: %q (only eq is supported)", ErrBadFilter, s)
	}
	return Filter{Column: col, Value: val}, nil
}

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

func (f Filter) validate(table string) error {
	cols, ok := indexed[table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if f.IsZero() {
		return nil
	}
	if f.Value == "" {
		return fmt.Errorf("%w: empty value for %s", ErrBadFilter, f.Column)
	}
	if !cols[f.Column] {
		return fmt.Errorf("%w: %s.%s", ErrUnindexedFilter, table, f.Column)
	}
	return nil
}

// matches проверяет новый снимок, затем старый, чтобы delete тоже маршрутизировались.
func (f Filter) matches(newRow, oldRow row) bool {
	if f.IsZero() {
		return true
	}
	if v, ok := newRow.get(f.Column); ok && v == f.Value {
		return true
	}
	if v, ok := oldRow.get(f.Column); ok && v == f.Value {
		return true
	}
	return false
}

// Matches сообщает, проходит ли ev фильтр.
func (f Filter) Matches(ev Event) bool {
	return f.matches(parseRow(ev.New), parseRow(ev.Old))
}
