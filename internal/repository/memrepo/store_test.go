package memrepo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/model"
)

func TestCreateRequestRejectsDuplicate(t *testing.T) {
	s := New()
	ride := s.AddRide(model.RideSummary{DriverID: "d1"})
	ctx := context.Background()

	first, err := s.CreateRequest(ctx, ride.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, first.Status)

	_, err = s.CreateRequest(ctx, ride.ID, "p1")
	assert.ErrorIs(t, err, model.ErrAlreadyRequested)

	_, err = s.CancelRequest(ctx, first.ID, "p1")
	require.NoError(t, err)
	_, err = s.CreateRequest(ctx, ride.ID, "p1")
	assert.NoError(t, err, "a cancelled request does not block a new one")

	_, err = s.CreateRequest(ctx, ride.ID, "d1")
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestDecideRequestRules(t *testing.T) {
	s := New()
	req, err := s.SeedRequest("d1", "p1", model.RequestPending)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.DecideRequest(ctx, req.ID, "p1", model.RequestAccepted)
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	got, err := s.DecideRequest(ctx, req.ID, "d1", model.RequestAccepted)
	require.NoError(t, err)
	assert.Equal(t, model.RequestAccepted, got.Status)

	_, err = s.DecideRequest(ctx, req.ID, "d1", model.RequestRejected)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestHideRequiresResolutionAndMovesVersion(t *testing.T) {
	s := New()
	req, err := s.SeedRequest("d1", "p1", model.RequestPending)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.HideRequest(ctx, req.ID, model.RolePassenger, "p1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	accepted, err := s.DecideRequest(ctx, req.ID, "d1", model.RequestAccepted)
	require.NoError(t, err)
	assert.True(t, accepted.UpdatedAt.After(req.UpdatedAt))

	hidden, err := s.HideRequest(ctx, req.ID, model.RolePassenger, "p1")
	require.NoError(t, err)
	assert.True(t, hidden.HiddenByPassenger)
	assert.True(t, hidden.UpdatedAt.After(accepted.UpdatedAt))
	assert.True(t, accepted.Older(hidden))
	assert.False(t, hidden.Older(accepted))
}

func TestDriverListFiltersHiddenAndResolved(t *testing.T) {
	s := New()
	pending, _ := s.SeedRequest("d1", "p1", model.RequestPending)
	accepted, _ := s.SeedRequest("d1", "p2", model.RequestAccepted)
	_, _ = s.SeedRequest("d1", "p3", model.RequestRejected)
	hidden, _ := s.SeedRequest("d1", "p4", model.RequestAccepted)
	_, err := s.HideRequest(context.Background(), hidden.ID, model.RoleDriver, "d1")
	require.NoError(t, err)

	list, err := s.ListForDriver(context.Background(), "d1")
	require.NoError(t, err)
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, accepted.ID}, ids)
	assert.Equal(t, accepted.ID, ids[0], "newest first")
}

func TestMarkReadReturnsChangedRowsOnly(t *testing.T) {
	s := New()
	req, _ := s.SeedRequest("d1", "p1", model.RequestAccepted)
	_, err := s.SeedMessage(req.ID, "d1", "hi")
	require.NoError(t, err)
	_, err = s.SeedMessage(req.ID, "d1", "there")
	require.NoError(t, err)
	_, err = s.SeedMessage(req.ID, "p1", "hello")
	require.NoError(t, err)

	ctx := context.Background()
	tally, err := s.CountUnreadByRequest(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Total())

	marks, err := s.MarkRead(ctx, req.ID, "p1")
	require.NoError(t, err)
	assert.Len(t, marks, 2)
	marks, err = s.MarkRead(ctx, req.ID, "p1")
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestCreateMessageRequiresAcceptedParties(t *testing.T) {
	s := New()
	req, _ := s.SeedRequest("d1", "p1", model.RequestPending)
	_, err := s.SeedMessage(req.ID, "d1", "hi")
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	accepted, _ := s.SeedRequest("d1", "p2", model.RequestAccepted)
	_, err = s.CreateMessage(context.Background(), &model.Message{RideRequestID: accepted.ID, SenderID: "x", ReceiverID: "p2", Content: "hi"})
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestEmitsEventsAndInjectsFailures(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var tables []string
	s.OnChange(func(ev feed.Event) {
		mu.Lock()
		tables = append(tables, ev.Table+":"+string(ev.Op))
		mu.Unlock()
	})
	req, err := s.SeedRequest("d1", "p1", model.RequestAccepted)
	require.NoError(t, err)
	assert.Equal(t, []string{"rides:INSERT", "ride_requests:INSERT", "ride_requests:UPDATE"}, tables)

	boom := errors.New("boom")
	s.Fail("ListMessages", boom)
	_, err = s.ListMessages(context.Background(), req.ID)
	assert.ErrorIs(t, err, boom)
	_, err = s.ListMessages(context.Background(), req.ID)
	assert.NoError(t, err)

	require.NoError(t, s.DeleteRide(req.RideID))
	assert.Equal(t, "rides:DELETE", tables[len(tables)-1])
	_, err = s.GetRequest(context.Background(), req.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
