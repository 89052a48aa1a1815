package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/chat"
	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/feed/feedtest"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/repository/memrepo"
	"github.com/rideshare/internal/requests"
	"github.com/rideshare/internal/unread"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type sink struct {
	mu       sync.Mutex
	unread   unread.Snapshot
	requests map[model.Role][]requests.Item
	chats    map[string]chat.View
	statuses []feed.Status
}

func newSink() *sink {
	return &sink{requests: make(map[model.Role][]requests.Item), chats: make(map[string]chat.View)}
}

func (s *sink) Unread(u unread.Snapshot) {
	s.mu.Lock()
	s.unread = u
	s.mu.Unlock()
}

func (s *sink) Requests(role model.Role, items []requests.Item) {
	s.mu.Lock()
	s.requests[role] = items
	s.mu.Unlock()
}

func (s *sink) Chat(v chat.View) {
	s.mu.Lock()
	s.chats[v.RequestID] = v
	s.mu.Unlock()
}

func (s *sink) LiveStatus(st feed.Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Total
}

func (s *sink) items(role model.Role) []requests.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[role]
}

func (s *sink) chat(id string) chat.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[id]
}

type world struct {
	repo   *memrepo.Store
	client *feed.Client
}

func newWorld(t *testing.T) *world {
	t.Helper()
	repo := memrepo.New()
	src := feedtest.New()
	repo.OnChange(src.Emit)
	return &world{repo: repo, client: feedtest.Start(t, src, feed.Options{})}
}

func (w *world) start(t *testing.T, userID string) (*Session, *sink) {
	t.Helper()
	out := newSink()
	s, err := Start(context.Background(), userID, w.repo, w.client, out, Options{
		RecountInterval: time.Minute,
		SoftRemoveGrace: 20 * time.Millisecond,
		EchoMatchWindow: 15 * time.Second,
		SeenIDs:         128,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, out
}

func TestStartRequiresUser(t *testing.T) {
	w := newWorld(t)
	_, err := Start(context.Background(), "", w.repo, w.client, newSink(), Options{})
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)
}

func TestUnreadFollowsFeedAndChat(t *testing.T) {
	w := newWorld(t)
	req, err := w.repo.SeedRequest("driver", "rider", model.RequestAccepted)
	require.NoError(t, err)
	_, err = w.repo.SeedMessage(req.ID, "driver", "before login")
	require.NoError(t, err)

	s, out := w.start(t, "rider")
	assert.Equal(t, 1, s.Counter().Total())

	_, err = w.repo.SeedMessage(req.ID, "driver", "after login")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.total() == 2 }, wait, tick)

	_, err = s.OpenChat(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Zero(t, s.Counter().Total())
	assert.Zero(t, out.total())
	assert.Len(t, out.chat(req.ID).Messages, 2)
}

func TestRequestAcceptChatFlow(t *testing.T) {
	w := newWorld(t)
	ride := w.repo.AddRide(model.RideSummary{DriverID: "driver", DepartureTime: time.Now().Add(time.Hour)})

	driver, driverOut := w.start(t, "driver")
	rider, riderOut := w.start(t, "rider")
	_, err := driver.WatchRequests(context.Background(), model.RoleDriver)
	require.NoError(t, err)
	_, err = rider.WatchRequests(context.Background(), model.RolePassenger)
	require.NoError(t, err)

	req, err := rider.RequestRide(context.Background(), ride.ID)
	require.NoError(t, err)
	_, err = rider.RequestRide(context.Background(), ride.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyRequested)

	require.Eventually(t, func() bool { return len(driverOut.items(model.RoleDriver)) == 1 }, wait, tick)
	require.Eventually(t, func() bool { return len(riderOut.items(model.RolePassenger)) == 1 }, wait, tick)

	_, err = rider.OpenChat(context.Background(), req.ID)
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	require.NoError(t, driver.Transition(context.Background(), req.ID, requests.ActionAccept))
	require.Eventually(t, func() bool {
		items := riderOut.items(model.RolePassenger)
		return len(items) == 1 && items[0].Status == model.RequestAccepted
	}, wait, tick)

	_, err = rider.OpenChat(context.Background(), req.ID)
	require.NoError(t, err)
	require.NoError(t, rider.SendMessage(context.Background(), req.ID, "thanks!"))
	require.Eventually(t, func() bool { return driver.Counter().Total() == 1 }, wait, tick)

	_, err = driver.OpenChat(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Zero(t, driver.Counter().Total())
	assert.Equal(t, "thanks!", driverOut.chat(req.ID).Messages[0].Content)
}

func TestCancelRevokesOpenChat(t *testing.T) {
	w := newWorld(t)
	req, _ := w.repo.SeedRequest("driver", "rider", model.RequestAccepted)
	driver, driverOut := w.start(t, "driver")
	rider, _ := w.start(t, "rider")

	_, err := driver.OpenChat(context.Background(), req.ID)
	require.NoError(t, err)
	require.NoError(t, rider.Transition(context.Background(), req.ID, requests.ActionCancel))

	require.Eventually(t, func() bool { return driver.Chat(req.ID) == nil }, wait, tick)
	assert.Equal(t, chat.StateClosed, driverOut.chat(req.ID).State)
	assert.Equal(t, chat.ReasonRevoked, driverOut.chat(req.ID).Reason)
}

func TestHideUsesOwnRole(t *testing.T) {
	w := newWorld(t)
	req, _ := w.repo.SeedRequest("driver", "rider", model.RequestAccepted)
	driver, driverOut := w.start(t, "driver")
	_, err := driver.WatchRequests(context.Background(), model.RoleDriver)
	require.NoError(t, err)
	require.Len(t, driverOut.items(model.RoleDriver), 1)

	require.NoError(t, driver.Transition(context.Background(), req.ID, requests.ActionHide))
	require.Eventually(t, func() bool { return len(driverOut.items(model.RoleDriver)) == 0 }, wait, tick)
	got, err := w.repo.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, got.HiddenByDriver)
	assert.False(t, got.HiddenByPassenger)
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	w := newWorld(t)
	req, _ := w.repo.SeedRequest("driver", "rider", model.RequestAccepted)
	s, _ := w.start(t, "rider")
	_, err := s.WatchRequests(context.Background(), model.RolePassenger)
	require.NoError(t, err)
	_, err = s.OpenChat(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, w.client.Subscriptions())

	s.Close()
	s.Close()
	assert.Zero(t, w.client.Subscriptions())
	_, err = s.OpenChat(context.Background(), req.ID)
	assert.ErrorIs(t, err, model.ErrClosed)
	assert.ErrorIs(t, s.SendMessage(context.Background(), req.ID, "hi"), model.ErrNotFound)
}
