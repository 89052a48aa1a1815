package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("receiver_id=eq.u-1")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "receiver_id", Value: "u-1"}, f)
	assert.Equal(t, "receiver_id=eq.u-1", f.String())

	f, err = ParseFilter("")
	require.NoError(t, err)
	assert.True(t, f.IsZero())

	for _, bad := range []string{"receiver_id", "receiver_id=u-1", "receiver_id=gt.3", "=eq.x", "id=eq."} {
		_, err := ParseFilter(bad)
		assert.ErrorIs(t, err, ErrBadFilter, bad)
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Eq("ride_request_id", "r1").validate(TableMessages))
	assert.NoError(t, Filter{}.validate(TableRides))
	assert.ErrorIs(t, Eq("content", "hi").validate(TableMessages), ErrUnindexedFilter)
	assert.ErrorIs(t, Eq("id", "1").validate("users"), ErrUnknownTable)
}

func TestFilterMatchesOldRowOnDelete(t *testing.T) {
	ev, err := NewEvent(TableRides, OpDelete, nil, map[string]any{"id": "ride-9", "driver_id": "d1"})
	require.NoError(t, err)
	assert.True(t, Eq("driver_id", "d1").Matches(ev))
	assert.False(t, Eq("driver_id", "d2").Matches(ev))
}

func TestFilterMatchesNonStringColumns(t *testing.T) {
	r := row{"is_read": true, "seats": float64(3)}
	v, ok := r.get("is_read")
	assert.True(t, ok)
	assert.Equal(t, "true", v)
	v, _ = r.get("seats")
	assert.Equal(t, "3", v)
	_, ok = r.get("missing")
	assert.False(t, ok)
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"table":"messages","type":"INSERT","record":{"id":"m1"},"old_record":null,"commit_timestamp":"2024-05-01T10:00:00.5+00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, OpInsert, ev.Op)
	assert.Nil(t, ev.Old)

	var m struct{ ID string }
	require.NoError(t, ev.DecodeRow(&m))
	assert.Equal(t, "m1", m.ID)
	assert.ErrorIs(t, ev.DecodeOld(&m), ErrNoRow)

	_, err = Decode([]byte(`{"table":"messages","type":"TRUNCATE"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":"INSERT"}`))
	assert.Error(t, err)
}
