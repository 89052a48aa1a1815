package unread

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/repository/memrepo"
)

func setup(t *testing.T) (*memrepo.Store, *model.RideRequest, *Counter) {
	t.Helper()
	store := memrepo.New()
	req, err := store.SeedRequest("driver", "passenger", model.RequestAccepted)
	require.NoError(t, err)
	return store, req, New("passenger", store, 64)
}

func seed(t *testing.T, store *memrepo.Store, requestID, sender string) *model.Message {
	t.Helper()
	m, err := store.SeedMessage(requestID, sender, "hello")
	require.NoError(t, err)
	return m
}

func TestRecountOnStart(t *testing.T) {
	store, req, c := setup(t)
	seed(t, store, req.ID, "driver")
	seed(t, store, req.ID, "driver")
	seed(t, store, req.ID, "passenger")

	require.NoError(t, c.Recount(context.Background()))
	assert.Equal(t, 2, c.Total())
	assert.Equal(t, 2, c.ForRequest(req.ID))
}

func TestIncrementIgnoresDuplicatesAndForeignMessages(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))

	m := seed(t, store, req.ID, "driver")
	assert.True(t, c.Increment(m))
	assert.False(t, c.Increment(m))
	assert.Equal(t, 1, c.Total())

	own := seed(t, store, req.ID, "passenger")
	assert.False(t, c.Increment(own))
	read := *m
	read.ID = "other"
	read.IsRead = true
	assert.False(t, c.Increment(&read))
	assert.Equal(t, 1, c.Total())
}

func TestIncrementSkipsMessagesCoveredByRecount(t *testing.T) {
	store, req, c := setup(t)
	m := seed(t, store, req.ID, "driver")
	require.NoError(t, c.Recount(context.Background()))
	assert.Equal(t, 1, c.Total())

	// Запоздалая вставка, уже вошедшая в пересчёт.
	assert.False(t, c.Increment(m))
	assert.Equal(t, 1, c.Total())

	// Отметка прочтения уменьшает счётчик ровно один раз.
	n, err := c.MarkRead(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Total())
}

func TestMarkReadDecrementsByAffectedRows(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))
	for i := 0; i < 3; i++ {
		c.Increment(seed(t, store, req.ID, "driver"))
	}
	assert.Equal(t, 3, c.Total())

	n, err := c.MarkRead(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, c.Total())

	n, err = c.MarkRead(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, c.Total())
}

func TestMarkReadBeforeInsertEventIsNotCountedLater(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))
	m := seed(t, store, req.ID, "driver")

	n, err := c.MarkRead(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "message was never counted")

	assert.False(t, c.Increment(m), "insert delivered after the mark is ignored")
	assert.Zero(t, c.Total())
}

func TestRecountKeepsMessagesNewerThanSnapshot(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))
	seed(t, store, req.ID, "driver")
	require.NoError(t, c.Recount(context.Background()))
	assert.Equal(t, 1, c.Total())

	m := seed(t, store, req.ID, "driver")
	c.Increment(m)
	require.NoError(t, c.Recount(context.Background()))
	assert.Equal(t, 2, c.Total())
}

func TestUpdateEventFromOtherTabDecrementsOnce(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))

	var events []feed.Event
	store.OnChange(func(ev feed.Event) { events = append(events, ev) })
	m := seed(t, store, req.ID, "driver")
	for _, ev := range events {
		c.HandleEvent(ev)
	}
	assert.Equal(t, 1, c.Total())
	events = nil

	_, err := store.MarkMessageRead(context.Background(), m.ID, "passenger")
	require.NoError(t, err)
	require.Len(t, events, 1)
	c.HandleEvent(events[0])
	c.HandleEvent(events[0])
	assert.Zero(t, c.Total())
}

func TestCounterNeverNegative(t *testing.T) {
	store, req, c := setup(t)
	require.NoError(t, c.Recount(context.Background()))
	m := seed(t, store, req.ID, "driver")
	c.Increment(m)

	mark := model.ReadMark{ID: m.ID, RideRequestID: req.ID, CreatedAt: m.CreatedAt}
	c.applyMarks([]model.ReadMark{mark, mark})
	c.applyMarks([]model.ReadMark{{ID: "ghost", RideRequestID: req.ID, CreatedAt: m.CreatedAt}})
	assert.Zero(t, c.Total())
	assert.Zero(t, c.ForRequest(req.ID))
}

func TestMarkReadFailureLeavesCount(t *testing.T) {
	store, req, c := setup(t)
	seed(t, store, req.ID, "driver")
	require.NoError(t, c.Recount(context.Background()))

	store.Fail("MarkRead", errors.New("connection reset"))
	_, err := c.MarkRead(context.Background(), req.ID)
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Equal(t, 1, c.Total())
}

func TestListenersAndClose(t *testing.T) {
	store, req, c := setup(t)
	var got []Snapshot
	stop := c.OnChange(func(s Snapshot) { got = append(got, s) })

	require.NoError(t, c.Recount(context.Background()))
	c.Increment(seed(t, store, req.ID, "driver"))
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[len(got)-1].Total)
	assert.Equal(t, map[string]int{req.ID: 1}, got[len(got)-1].ByRequest)

	stop()
	n := len(got)
	c.Increment(seed(t, store, req.ID, "driver"))
	assert.Len(t, got, n)

	c.Close()
	assert.False(t, c.Increment(seed(t, store, req.ID, "driver")))
	assert.ErrorIs(t, c.Recount(context.Background()), model.ErrClosed)
}

func TestNotAuthenticated(t *testing.T) {
	c := New("", memrepo.New(), 8)
	_, err := c.MarkRead(context.Background(), "r1")
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)
	assert.ErrorIs(t, c.Recount(context.Background()), model.ErrNotAuthenticated)
}
