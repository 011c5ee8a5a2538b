// Package broadcast is the topic-scoped multicast primitive used to fan
// out form-state snapshots and record lifecycle events across sessions.
// Delivery is at-least-once-effort: every payload is a full snapshot, so a
// missed message is repaired by the next one.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message kinds carried on edit and lifecycle topics.
const (
	KindFormState     = "form_state"
	KindRecordCreated = "record_created"
	KindRecordUpdated = "record_updated"
	KindRecordDeleted = "record_deleted"
)

// Message is the wire envelope. Source carries the sender's unique tag so
// receivers can drop their own echoes.
type Message struct {
	Source  string          `json:"source"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Broker multicasts messages on Redis pub/sub channels, one per topic.
type Broker struct {
	client *redis.Client
	prefix string
}

// NewBroker connects to Redis and returns a broker.
func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewBrokerWithClient(client), nil
}

// NewBrokerWithClient creates a broker from an existing Redis client.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "broadcast:"}
}

func (b *Broker) channel(topic string) string {
	return b.prefix + topic
}

// Publish multicasts a message to every subscriber of the topic.
func (b *Broker) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Subscribe delivers every message published on the topic, including the
// subscriber's own; echo suppression by Source is the receiver's job. The
// returned cancel function releases the subscription.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 32)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("broadcast: bad payload on %s: %v", topic, err)
				continue
			}
			// a subscriber that stopped draining must not pin this goroutine
			select {
			case out <- msg:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
		_ = sub.Close()
	}
	return out, cancel, nil
}

// Ping checks if Redis is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}
