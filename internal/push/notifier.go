// Package push delivers Web Push notifications. Browser subscriptions are
// kept in Redis lists keyed by user, capped and expiring so stale browsers
// age out on their own.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/branchtalk/internal/logger"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription is what the browser's PushManager hands over.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type notifyPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier sends Web Push messages directly. A nil vapid config turns
// Notify into a no-op while subscriptions are still stored.
type Notifier struct {
	redis *redis.Client
	vapid *webpush.Options
}

func NewNotifier(rdb *redis.Client, keys *VAPIDKeys) *Notifier {
	n := &Notifier{redis: rdb}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.vapid = &webpush.Options{
			Subscriber:      "branchtalk-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// PublicKey returns the VAPID public key for browser subscription, or "".
func (n *Notifier) PublicKey() string {
	if n.vapid == nil {
		return ""
	}
	return n.vapid.VAPIDPublicKey
}

// Subscribe stores a browser subscription for the user.
func (n *Notifier) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := n.redis.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Unsubscribe removes the subscription with the given endpoint.
func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	if err := n.redis.Del(ctx, key).Err(); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	pipe := n.redis.Pipeline()
	for _, v := range kept {
		pipe.RPush(ctx, key, v)
	}
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Notify pushes to every subscription of the user. Dead subscriptions
// (404/410 from the push service) are dropped.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Errorf("push: list subscriptions user=%s: %v", userID, err)
		return
	}
	if len(list) == 0 {
		return
	}
	payload, err := json.Marshal(notifyPayload{Title: title, Body: body, Data: data})
	if err != nil {
		return
	}
	for _, item := range list {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(item), &sub); err != nil {
			continue
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, n.vapid)
		if err != nil {
			logger.Errorf("push: send user=%s: %v", userID, err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			_ = n.Unsubscribe(ctx, userID, sub.Endpoint)
		}
		resp.Body.Close()
	}
}
