package push

import (
	"context"
	"fmt"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/rideshare/internal/storage"
)

// Sender доставляет зашифрованный payload по одной подписке и возвращает HTTP-статус push-сервиса.
type Sender interface {
	Send(ctx context.Context, sub storage.PushSubscription, payload []byte) (int, error)
}

// WebPushSender отправляет через webpush-go с VAPID-подписью.
type WebPushSender struct {
	opts *webpush.Options
}

// NewWebPushSender: subject это mailto: или https: контакт владельца ключей.
func NewWebPushSender(keys *VAPIDKeys, subject string) *WebPushSender {
	return &WebPushSender{opts: &webpush.Options{
		Subscriber:      subject,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             30,
	}}
}

func (s *WebPushSender) Send(ctx context.Context, sub storage.PushSubscription, payload []byte) (int, error) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.opts)
	if err != nil {
		return 0, fmt.Errorf("push.Send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
