package telemetry

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists telemetry events in a capped Redis list so
// multiple gateway instances share one failure record. Events are
// pushed newest-first; LTRIM enforces the cap atomically with each
// append.
type RedisStore struct {
	client    redis.UniversalClient
	key       string
	maxEvents int64
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisKey overrides the list key (default "aigateway:telemetry").
func WithRedisKey(key string) RedisStoreOption {
	return func(s *RedisStore) { s.key = key }
}

// WithRedisMaxEvents overrides the retained event cap.
func WithRedisMaxEvents(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxEvents = int64(n)
		}
	}
}

// NewRedisStore creates a Redis-backed event store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		key:       "aigateway:telemetry",
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append pushes the event and trims the list to the cap in one
// pipeline.
func (s *RedisStore) Append(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.maxEvents-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n events matching filter, newest first.
func (s *RedisStore) Recent(ctx context.Context, n int, filter Filter) ([]*Event, error) {
	if n <= 0 {
		n = int(s.maxEvents)
	}

	raw, err := s.client.LRange(ctx, s.key, 0, s.maxEvents-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Event, 0, n)
	for _, item := range raw {
		if len(out) >= n {
			break
		}
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// A corrupt entry should not poison the whole read.
			continue
		}
		if filter.matches(&e) {
			out = append(out, &e)
		}
	}
	return out, nil
}

// Clear deletes the list.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
