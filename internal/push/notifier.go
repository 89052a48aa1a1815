package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/storage"
)

const (
	sendTimeout   = 10 * time.Second
	maxInFlight   = 32
	previewLength = 120
)

// Payload: JSON, который получает service worker.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier шлёт Web Push получателю нового сообщения, если у него нет открытого сокета.
type Notifier struct {
	store  storage.Store
	sender Sender
	slots  chan struct{}
}

func NewNotifier(store storage.Store, sender Sender) *Notifier {
	return &Notifier{store: store, sender: sender, slots: make(chan struct{}, maxInFlight)}
}

// Watch подписывает уведомитель на вставки сообщений. Подписку закрывает вызывающий.
func (n *Notifier) Watch(fc *feed.Client) (*feed.Subscription, error) {
	return fc.Subscribe(feed.Spec{Table: feed.TableMessages, Ops: []feed.Op{feed.OpInsert}}, n.onMessage, nil)
}

func (n *Notifier) onMessage(ev feed.Event) {
	var m model.Message
	if err := ev.DecodeNew(&m); err != nil || m.ReceiverID == "" {
		return
	}
	select {
	case n.slots <- struct{}{}:
	default:
		logger.Errorf("push: too many sends in flight, skip message %s", m.ID)
		metrics.PushSent.WithLabelValues("skipped").Inc()
		return
	}
	go func() {
		defer func() { <-n.slots }()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		n.NotifyMessage(ctx, &m)
	}()
}

// NotifyMessage возвращает число успешных доставок.
func (n *Notifier) NotifyMessage(ctx context.Context, m *model.Message) int {
	online, err := n.store.Online(ctx, m.ReceiverID)
	if err != nil {
		logger.Errorf("push: presence user=%s: %v", m.ReceiverID, err)
	}
	if online {
		return 0
	}
	return n.Notify(ctx, m.ReceiverID, Payload{
		Title: "New message",
		Body:  preview(m.Content),
		Data:  map[string]string{"request_id": m.RideRequestID, "message_id": m.ID},
	})
}

// Notify отправляет payload на все подписки пользователя; протухшие (404/410) удаляются.
func (n *Notifier) Notify(ctx context.Context, userID string, p Payload) int {
	defer logger.DeferLogDuration("push.Notify", time.Now())()
	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions user=%s: %v", userID, err)
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	body, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	sent := 0
	for _, sub := range subs {
		status, err := n.sender.Send(ctx, sub, body)
		switch {
		case err != nil:
			logger.Errorf("push: send %s: %v", shortEndpoint(sub.Endpoint), err)
			metrics.PushSent.WithLabelValues("error").Inc()
		case status == http.StatusGone || status == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			if err := n.store.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: remove subscription user=%s: %v", userID, err)
			}
		case status >= 300:
			logger.Errorf("push: send %s: status %d", shortEndpoint(sub.Endpoint), status)
			metrics.PushSent.WithLabelValues("error").Inc()
		default:
			metrics.PushSent.WithLabelValues("ok").Inc()
			sent++
		}
	}
	return sent
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "…"
}

func shortEndpoint(e string) string {
	if len(e) > 50 {
		return e[:50]
	}
	return e
}
