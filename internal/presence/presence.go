// Package presence implements the topic-scoped presence primitive backing
// collaborative edit sessions: who currently holds an open session on a
// topic, in join order, with a mutable metadata slot per participant.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one tracked participant on a topic.
type Entry struct {
	ParticipantID string         `json:"participant_id"`
	UserID        string         `json:"user_id"`
	UserName      string         `json:"user_name"`
	JoinedAt      time.Time      `json:"joined_at"`
	Meta          map[string]any `json:"meta"`
}

// Diff is the membership change event delivered to watchers.
type Diff struct {
	Topic  string   `json:"topic"`
	Joins  []Entry  `json:"joins"`
	Leaves []string `json:"leaves"`
}

// Store tracks presence in a Redis hash per topic and publishes membership
// diffs on a per-topic channel.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore connects to Redis and returns a presence store. Topic hashes
// expire after ttl unless refreshed by Heartbeat, so a crashed process
// cannot hold a topic forever.
func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
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

	return NewStoreWithClient(client, ttl), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{client: client, prefix: "presence:", ttl: ttl}
}

func (s *Store) key(topic string) string {
	return s.prefix + topic
}

func (s *Store) channel(topic string) string {
	return s.prefix + topic + ":diff"
}

// Track registers a participant on a topic and announces the join.
func (s *Store) Track(ctx context.Context, topic string, entry Entry) error {
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	key := s.key(topic)
	if err := s.client.HSet(ctx, key, entry.ParticipantID, payload).Err(); err != nil {
		return fmt.Errorf("track participant: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence ttl: %w", err)
	}

	s.publishDiff(ctx, topic, Diff{Topic: topic, Joins: []Entry{entry}})
	return nil
}

// Untrack removes a participant from a topic and announces the leave.
func (s *Store) Untrack(ctx context.Context, topic, participantID string) error {
	if err := s.client.HDel(ctx, s.key(topic), participantID).Err(); err != nil {
		return fmt.Errorf("untrack participant: %w", err)
	}
	s.publishDiff(ctx, topic, Diff{Topic: topic, Leaves: []string{participantID}})
	return nil
}

// SetMeta replaces one key of a participant's metadata slot. Metadata
// changes are not membership changes, so no diff is published.
func (s *Store) SetMeta(ctx context.Context, topic, participantID, metaKey string, value any) error {
	key := s.key(topic)
	raw, err := s.client.HGet(ctx, key, participantID).Result()
	if err == redis.Nil {
		return fmt.Errorf("participant %s not tracked on %s", participantID, topic)
	}
	if err != nil {
		return fmt.Errorf("read presence entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("unmarshal presence entry: %w", err)
	}
	if entry.Meta == nil {
		entry.Meta = map[string]any{}
	}
	entry.Meta[metaKey] = value

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := s.client.HSet(ctx, key, participantID, payload).Err(); err != nil {
		return fmt.Errorf("update presence meta: %w", err)
	}
	return nil
}

// List returns the topic's participants ordered by join time, ties broken
// by participant id so every node resolves the same order.
func (s *Store) List(ctx context.Context, topic string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for id, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			log.Printf("presence: skipping corrupt entry %s on %s: %v", id, topic, err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ParticipantID < entries[j].ParticipantID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// Heartbeat refreshes the topic's TTL while at least one session is open.
func (s *Store) Heartbeat(ctx context.Context, topic string) error {
	if err := s.client.Expire(ctx, s.key(topic), s.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Watch subscribes to a topic's membership diffs. The returned cancel
// function must be called to release the subscription.
func (s *Store) Watch(ctx context.Context, topic string) (<-chan Diff, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe presence diff: %w", err)
	}

	out := make(chan Diff, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var diff Diff
			if err := json.Unmarshal([]byte(msg.Payload), &diff); err != nil {
				log.Printf("presence: bad diff payload on %s: %v", topic, err)
				continue
			}
			// a watcher that stopped draining must not pin this goroutine
			select {
			case out <- diff:
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

// publishDiff is best effort: a participant that cannot announce itself is
// still tracked, watchers catch up on their next List.
func (s *Store) publishDiff(ctx context.Context, topic string, diff Diff) {
	payload, err := json.Marshal(diff)
	if err != nil {
		log.Printf("presence: marshal diff for %s: %v", topic, err)
		return
	}
	if err := s.client.Publish(ctx, s.channel(topic), payload).Err(); err != nil {
		log.Printf("presence: publish diff for %s: %v", topic, err)
	}
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
