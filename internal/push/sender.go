package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/familysync/familysync/internal/familysync"
)

var ErrNotConfigured = errors.New("push notifications not configured")

// SendError is a non-2xx answer from a push service.
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service answered %d", e.StatusCode)
	}
	return fmt.Sprintf("push service answered %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the push service says the subscription no longer
// exists and should be dropped.
func (e *SendError) Gone() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

type Sender interface {
	Send(ctx context.Context, sub familysync.PushSubscription, payload []byte) error
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (c VAPIDConfig) Enabled() bool {
	return strings.TrimSpace(c.PublicKey) != "" && strings.TrimSpace(c.PrivateKey) != ""
}

type WebPushSender struct {
	vapid      VAPIDConfig
	ttl        int
	httpClient webpush.HTTPClient
}

func NewWebPushSender(vapid VAPIDConfig, httpClient *http.Client) (*WebPushSender, error) {
	if !vapid.Enabled() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(vapid.Subject) == "" {
		vapid.Subject = "mailto:admin@familysync.app"
	}
	sender := &WebPushSender{vapid: vapid, ttl: 60 * 60 * 24}
	if httpClient != nil {
		sender.httpClient = httpClient
	}
	return sender, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub familysync.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.AuthKey,
			P256dh: sub.P256dhKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.vapid.Subject,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
		TTL:             s.ttl,
		Urgency:         webpush.UrgencyNormal,
		Topic:           "shopping-update",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &SendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GenerateVAPIDKeys returns a fresh public/private key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
