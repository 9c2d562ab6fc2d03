package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notification types published by the sync engine.
const (
	TypeDuplicate    = "duplicate_detected"
	TypeSyncResult   = "sync_completed"
	TypeConnectivity = "connectivity_changed"
)

// Notification is a small fan-out message telling observers (audio feedback,
// operator UI) that something happened, without coupling the synchronizer to
// any of them.
type Notification struct {
	Type    string    `json:"type"`
	EventID string    `json:"event_id,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Online  bool      `json:"online,omitempty"`
	At      time.Time `json:"at"`
}

// Bus is the abstraction over different backends.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context) (<-chan Notification, func(), error)
}

// InMemory fans notifications out to all subscribers over buffered channels.
// It is the default backend on a device; a full subscriber drops the oldest
// message rather than blocking the publisher.
type InMemory struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Notification
	size int
}

// NewInMemory creates a bus with per-subscriber buffers of the given size.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 16
	}
	return &InMemory{subs: make(map[int]chan Notification), size: size}
}

// Publish delivers to every current subscriber.
func (b *InMemory) Publish(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a new consumer. The cancel func must be called to
// release the subscription.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan Notification, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Notification, b.size)
	id := b.next
	b.next++
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Redis broadcasts notifications over Redis pub/sub, for installations where
// several consoles on the venue network watch one checkpoint's feed.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a bus over PUBLISH/SUBSCRIBE on the given channel.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "checkpoint:notifications"
	}
	return &Redis{client: client, channel: channel}
}

// Publish sends a JSON-encoded notification.
func (b *Redis) Publish(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe streams notifications until the context is cancelled or the
// returned cancel func is called. Undecodable payloads are skipped.
func (b *Redis) Subscribe(ctx context.Context) (<-chan Notification, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}
	out := make(chan Notification)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
