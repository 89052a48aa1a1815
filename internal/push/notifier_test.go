package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/feed/feedtest"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/storage"
	"github.com/rideshare/internal/storage/memory"
)

type fakeSender struct {
	mu       sync.Mutex
	status   map[string]int
	payloads map[string][]Payload
}

func newFakeSender() *fakeSender {
	return &fakeSender{status: map[string]int{}, payloads: map[string][]Payload{}}
}

func (f *fakeSender) Send(_ context.Context, sub storage.PushSubscription, body []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, err
	}
	f.payloads[sub.Endpoint] = append(f.payloads[sub.Endpoint], p)
	if st, ok := f.status[sub.Endpoint]; ok {
		return st, nil
	}
	return http.StatusCreated, nil
}

func (f *fakeSender) sent(endpoint string) []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.payloads[endpoint]...)
}

func subscribe(t *testing.T, st storage.Store, userID, endpoint string) {
	t.Helper()
	var s storage.PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p"
	s.Keys.Auth = "a"
	require.NoError(t, st.AddSubscription(context.Background(), userID, s))
}

func msg(receiver, content string) *model.Message {
	return &model.Message{
		ID: "m1", RideRequestID: "r1", SenderID: "driver", ReceiverID: receiver,
		Content: content, CreatedAt: time.Now(),
	}
}

func TestNotifyMessage_OfflineReceiver(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	fs := newFakeSender()
	subscribe(t, st, "pax", "https://push.example/a")

	n := NewNotifier(st, fs)
	assert.Equal(t, 1, n.NotifyMessage(ctx, msg("pax", "see you at 8")))

	got := fs.sent("https://push.example/a")
	require.Len(t, got, 1)
	assert.Equal(t, "see you at 8", got[0].Body)
	assert.Equal(t, "r1", got[0].Data["request_id"])
}

func TestNotifyMessage_OnlineReceiverSkipped(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	fs := newFakeSender()
	subscribe(t, st, "pax", "https://push.example/a")
	require.NoError(t, st.Touch(ctx, "pax", "conn-1"))

	n := NewNotifier(st, fs)
	assert.Equal(t, 0, n.NotifyMessage(ctx, msg("pax", "hi")))
	assert.Empty(t, fs.sent("https://push.example/a"))
}

func TestNotify_RemovesExpiredSubscriptions(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	fs := newFakeSender()
	subscribe(t, st, "pax", "https://push.example/gone")
	subscribe(t, st, "pax", "https://push.example/ok")
	fs.status["https://push.example/gone"] = http.StatusGone

	n := NewNotifier(st, fs)
	assert.Equal(t, 1, n.Notify(ctx, "pax", Payload{Title: "t"}))

	subs, err := st.Subscriptions(ctx, "pax")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ok", subs[0].Endpoint)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("я", previewLength+10)
	p := preview(long)
	assert.Equal(t, previewLength+1, len([]rune(p)))
}

func TestWatch_SendsOnMessageInsert(t *testing.T) {
	st := memory.New()
	fs := newFakeSender()
	subscribe(t, st, "pax", "https://push.example/a")

	src := feedtest.New()
	fc := feedtest.Start(t, src, feed.Options{})
	n := NewNotifier(st, fs)
	sub, err := n.Watch(fc)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	m := msg("pax", "running late")
	src.EmitRow(t, feed.TableMessages, feed.OpUpdate, m, m)
	src.EmitRow(t, feed.TableMessages, feed.OpInsert, m, nil)

	require.Eventually(t, func() bool {
		return len(fs.sent("https://push.example/a")) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fs.sent("https://push.example/a"), 1, "updates do not notify")
}
