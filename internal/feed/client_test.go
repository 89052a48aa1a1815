package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/feed/feedtest"
)

type recorder struct {
	mu       sync.Mutex
	ids      []string
	statuses []feed.Status
}

func (r *recorder) onEvent(ev feed.Event) {
	var row struct{ ID string }
	_ = ev.DecodeRow(&row)
	r.mu.Lock()
	r.ids = append(r.ids, row.ID)
	r.mu.Unlock()
}

func (r *recorder) onStatus(st feed.Status, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recorder) gotIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *recorder) has(st feed.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == st {
			return true
		}
	}
	return false
}

func msg(id, request, receiver string) map[string]any {
	return map[string]any{"id": id, "ride_request_id": request, "receiver_id": receiver, "sender_id": "s"}
}

func TestClientRoutesByFilterInOrder(t *testing.T) {
	src := feedtest.New()
	c := feedtest.Start(t, src, feed.Options{})

	var mine, other recorder
	_, err := c.Subscribe(feed.Spec{Table: feed.TableMessages, Filter: feed.Eq("receiver_id", "me")}, mine.onEvent, mine.onStatus)
	require.NoError(t, err)
	_, err = c.Subscribe(feed.Spec{Table: feed.TableMessages, Filter: feed.Eq("receiver_id", "you")}, other.onEvent, other.onStatus)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		src.EmitRow(t, feed.TableMessages, feed.OpInsert, msg(id, "r1", "me"), nil)
	}
	src.EmitRow(t, feed.TableMessages, feed.OpInsert, msg("4", "r1", "you"), nil)

	require.Eventually(t, func() bool { return len(mine.gotIDs()) == 3 && len(other.gotIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, mine.gotIDs())
	assert.Equal(t, []string{"4"}, other.gotIDs())
	assert.True(t, mine.has(feed.StatusSubscribed))
}

func TestClientOpsFilter(t *testing.T) {
	src := feedtest.New()
	c := feedtest.Start(t, src, feed.Options{})

	var r recorder
	_, err := c.Subscribe(feed.Spec{Table: feed.TableMessages, Ops: []feed.Op{feed.OpUpdate}}, r.onEvent, nil)
	require.NoError(t, err)
	src.EmitRow(t, feed.TableMessages, feed.OpInsert, msg("1", "r1", "me"), nil)
	src.EmitRow(t, feed.TableMessages, feed.OpUpdate, msg("2", "r1", "me"), msg("2", "r1", "me"))

	require.Eventually(t, func() bool { return len(r.gotIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2"}, r.gotIDs())
}

func TestClientRejectsUnindexedFilter(t *testing.T) {
	c := feed.NewClient(feedtest.New(), feed.Options{})
	_, err := c.Subscribe(feed.Spec{Table: feed.TableMessages, Filter: feed.Eq("content", "x")}, func(feed.Event) {}, nil)
	assert.ErrorIs(t, err, feed.ErrUnindexedFilter)
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	src := feedtest.New()
	c := feedtest.Start(t, src, feed.Options{})

	var r recorder
	sub, err := c.Subscribe(feed.Spec{Table: feed.TableMessages}, r.onEvent, nil)
	require.NoError(t, err)
	src.EmitRow(t, feed.TableMessages, feed.OpInsert, msg("1", "r1", "me"), nil)
	require.Eventually(t, func() bool { return len(r.gotIDs()) == 1 }, time.Second, 5*time.Millisecond)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, c.Subscriptions())
	src.EmitRow(t, feed.TableMessages, feed.OpInsert, msg("2", "r1", "me"), nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"1"}, r.gotIDs())
}

func TestClientReconnectNotifiesSubscribers(t *testing.T) {
	src := feedtest.New()
	c := feedtest.Start(t, src, feed.Options{})

	var r recorder
	_, err := c.Subscribe(feed.Spec{Table: feed.TableRideRequests}, r.onEvent, r.onStatus)
	require.NoError(t, err)

	src.Drop(errors.New("socket reset"))
	require.Eventually(t, func() bool { return r.has(feed.StatusReconnected) }, time.Second, 5*time.Millisecond)
	assert.True(t, r.has(feed.StatusDisconnected))
	assert.GreaterOrEqual(t, src.Connects(), 2)

	src.EmitRow(t, feed.TableRideRequests, feed.OpUpdate, map[string]any{"id": "rr1"}, nil)
	require.Eventually(t, func() bool { return len(r.gotIDs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClientFailsAfterMaxRetries(t *testing.T) {
	src := feedtest.New()
	src.Refuse(errors.New("connection refused"))
	c := feed.NewClient(src, feed.Options{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 3})

	var r recorder
	_, err := c.Subscribe(feed.Spec{Table: feed.TableMessages}, r.onEvent, r.onStatus)
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, feed.ErrFeedExhausted)
	assert.Equal(t, 4, src.Connects())
	require.Eventually(t, func() bool { return r.has(feed.StatusFailed) }, time.Second, 5*time.Millisecond)

	var late recorder
	_, err = c.Subscribe(feed.Spec{Table: feed.TableMessages}, late.onEvent, late.onStatus)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return late.has(feed.StatusFailed) }, time.Second, 5*time.Millisecond)
}

func TestClientShutdownClosesSubscriptions(t *testing.T) {
	src := feedtest.New()
	c := feed.NewClient(src, feed.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, c.Live, time.Second, time.Millisecond)

	var r recorder
	_, err := c.Subscribe(feed.Spec{Table: feed.TableMessages}, r.onEvent, r.onStatus)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return r.has(feed.StatusClosed) }, time.Second, 5*time.Millisecond)

	_, err = c.Subscribe(feed.Spec{Table: feed.TableMessages}, r.onEvent, nil)
	assert.ErrorIs(t, err, feed.ErrClientClosed)
}
