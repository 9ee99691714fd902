// Package push delivers Web Push notifications for change-log events.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

// ErrExpired is returned when a push subscription is no longer valid (404 or
// 410 from the push service).
var ErrExpired = errors.New("push subscription expired")

// Notification is the JSON payload the service worker receives.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	URL   string            `json:"url,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Type  string            `json:"type"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sender delivers one notification to one device.
type Sender interface {
	Send(ctx context.Context, token model.PushToken, n Notification) error
}

// WebPushSender sends notifications signed with the server's VAPID keys.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	client     webpush.HTTPClient
}

func NewWebPushSender(publicKey, privateKey, subscriber string) *WebPushSender {
	return &WebPushSender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		client:     http.DefaultClient,
	}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *WebPushSender) VAPIDPublicKey() string {
	return s.publicKey
}

func (s *WebPushSender) Send(ctx context.Context, token model.PushToken, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: token.Endpoint,
		Keys: webpush.Keys{
			P256dh: token.P256dhKey,
			Auth:   token.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             86400,
		Topic:           topic(n.Tag),
	})
	if err != nil {
		return fmt.Errorf("send push: %w: %w", apperr.ErrExternalServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("push service returned %d: %w", resp.StatusCode, ErrExpired)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d: %w", resp.StatusCode, apperr.ErrExternalServiceUnavailable)
	}
	return nil
}

// topic turns a tag into a Topic header value, which allows only the URL-safe
// base64 alphabet and at most 32 characters.
func topic(tag string) string {
	out := make([]byte, 0, len(tag))
	for i := 0; i < len(tag) && len(out) < 32; i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		}
	}
	return string(out)
}

// LogSender only logs notifications. It stands in when no VAPID keys are
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, token model.PushToken, n Notification) error {
	s.Logger.Debug("push disabled, notification not sent", "type", n.Type, "title", n.Title, "endpoint", token.Endpoint)
	return nil
}

// GenerateVAPIDKeys generates a new P-256 key pair for VAPID, base64url
// encoded.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
