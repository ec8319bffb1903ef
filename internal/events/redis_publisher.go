// Package events publishes merge engine events to a Redis stream consumed by
// the plugin system.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypeConsensusReached   = "consensus.reached"
	TypeStreamMerged       = "stream.merged"
	TypeStreamConflicted   = "stream.conflicted"
	TypeStreamAbandoned    = "stream.abandoned"
	TypePromotionCompleted = "promotion.completed"
	TypeBufferReverted     = "buffer.reverted"
)

const (
	defaultStream    = "conclave:events"
	defaultDedupeTTL = 7 * 24 * time.Hour
	defaultMaxLen    = 10000
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	RepoID     string         `json:"repoId"`
	StreamID   string         `json:"streamId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) (bool, error)
}

// Key builds the de-duplication key for an event from its type and the
// values that identify one occurrence of it.
func Key(eventType string, parts ...string) string {
	return eventType + ":" + strings.Join(parts, ":")
}

// RedisPublisher appends events to a capped Redis stream. Each event key is
// claimed with SET NX first, so republishing the same occurrence is a no-op.
type RedisPublisher struct {
	client    *redis.Client
	stream    string
	prefix    string
	dedupeTTL time.Duration
	maxLen    int64
	now       func() time.Time
}

func NewRedisPublisher(redisURL, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, stream), nil
}

func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisPublisher{
		client:    client,
		stream:    stream,
		prefix:    stream + ":seen:",
		dedupeTTL: defaultDedupeTTL,
		maxLen:    defaultMaxLen,
		now:       time.Now,
	}
}

// Publish appends event to the stream. It reports false without error when an
// event with the same key was already published.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) (bool, error) {
	if event.Type == "" || event.Key == "" {
		return false, fmt.Errorf("publish event: type and key are required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	claimed, err := p.client.SetNX(ctx, p.prefix+event.Key, event.OccurredAt.Format(time.RFC3339Nano), p.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event key: %w", err)
	}
	if !claimed {
		return false, nil
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		p.release(event.Key)
		return false, fmt.Errorf("marshal event payload: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":        event.Type,
			"key":         event.Key,
			"repo_id":     event.RepoID,
			"stream_id":   event.StreamID,
			"payload":     string(payload),
			"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		p.release(event.Key)
		return false, fmt.Errorf("append event: %w", err)
	}
	return true, nil
}

// release frees a claimed key after a failed append so a retry can publish.
func (p *RedisPublisher) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Del(ctx, p.prefix+key).Err()
}

// Recent returns up to count events, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, count int64) ([]Event, error) {
	if count <= 0 {
		count = 50
	}
	messages, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	items := make([]Event, 0, len(messages))
	for _, message := range messages {
		event, err := decode(message)
		if err != nil {
			return nil, err
		}
		items = append(items, event)
	}
	return items, nil
}

func decode(message redis.XMessage) (Event, error) {
	field := func(name string) string {
		value, _ := message.Values[name].(string)
		return value
	}
	event := Event{
		ID:       message.ID,
		Type:     field("type"),
		Key:      field("key"),
		RepoID:   field("repo_id"),
		StreamID: field("stream_id"),
	}
	if raw := field("payload"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &event.Payload); err != nil {
			return Event{}, fmt.Errorf("decode event %s payload: %w", message.ID, err)
		}
	}
	if raw := field("occurred_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("decode event %s time: %w", message.ID, err)
		}
		event.OccurredAt = parsed
	}
	return event, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Discard drops every event. It is used when no Redis URL is configured.
type Discard struct{}

func (Discard) Publish(context.Context, Event) (bool, error) { return false, nil }
