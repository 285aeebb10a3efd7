// Package push sends web push notifications about new messages to
// participants that have no live connection.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const maxBodyRunes = 140

type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(endpoint string) error
}

type ConversationLookup interface {
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

type PresenceChecker interface {
	IsOnline(userID string) bool
}

// PresenceFunc adapts a function to PresenceChecker.
type PresenceFunc func(userID string) bool

func (f PresenceFunc) IsOnline(userID string) bool {
	return f(userID)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// TTL is how long the push service keeps an undelivered notification.
	TTL time.Duration
	// Timeout bounds the delivery to all recipients of one message.
	Timeout    time.Duration
	HTTPClient webpush.HTTPClient
	Logger     *slog.Logger
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
}

type Notifier struct {
	config   Config
	subs     SubscriptionStore
	convs    ConversationLookup
	presence PresenceChecker
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func New(config Config, subs SubscriptionStore, convs ConversationLookup, presence PresenceChecker) *Notifier {
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		config:   config,
		subs:     subs,
		convs:    convs,
		presence: presence,
		logger:   logger,
	}
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n.config.VAPIDPublicKey != "" && n.config.VAPIDPrivateKey != ""
}

// MessagePublished schedules notifications for offline participants and
// returns immediately.
func (n *Notifier) MessagePublished(msg models.Message) {
	if !n.Enabled() || msg.Deleted {
		return
	}
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
		defer cancel()
		n.notify(ctx, msg)
	})
}

// Wait blocks until scheduled notifications are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, msg models.Message) {
	conv, err := n.convs.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		n.logger.Error("push: failed to load conversation", "conversation_id", msg.ConversationID, "error", err)
		return
	}

	payload, err := json.Marshal(Payload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Body:           preview(msg),
	})
	if err != nil {
		n.logger.Error("push: failed to marshal payload", "message_id", msg.ID, "error", err)
		return
	}

	// Open conversations have no participant list to notify.
	for _, userID := range conv.Participants {
		if userID == msg.SenderID || n.presence.IsOnline(userID) {
			continue
		}
		subs, err := n.subs.ListPushSubscriptions(userID)
		if err != nil {
			n.logger.Error("push: failed to list subscriptions", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			n.send(ctx, payload, sub)
		}
	}
}

func (n *Notifier) send(ctx context.Context, payload []byte, sub models.PushSubscription) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.config.HTTPClient,
		Subscriber:      n.config.Subscriber,
		TTL:             int(n.config.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  n.config.VAPIDPublicKey,
		VAPIDPrivateKey: n.config.VAPIDPrivateKey,
	})
	if err != nil {
		n.logger.Warn("push: send failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The browser dropped the subscription.
		if err := n.subs.DeletePushSubscription(sub.Endpoint); err != nil {
			n.logger.Warn("push: failed to delete stale subscription", "user_id", sub.UserID, "error", err)
		}
	case resp.StatusCode >= 400:
		n.logger.Warn("push: rejected", "user_id", sub.UserID, "status", resp.StatusCode)
	}
}

func preview(msg models.Message) string {
	body := msg.Content
	if body == "" && len(msg.Attachments) > 0 {
		return "sent an attachment"
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		body = string([]rune(body)[:maxBodyRunes]) + "…"
	}
	return body
}
