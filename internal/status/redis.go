package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the latest state of every job.
const DefaultRedisKey = "barkeeper:scheduler_status"

// RedisSink keeps the latest state per job in a hash, and the latest outcome
// per dataset in a second hash suffixed ":outcomes".
type RedisSink struct {
	client *redis.Client
	key    string
}

type redisEntry struct {
	Status    Status    `json:"status"`
	Details   string    `json:"details,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRedisSink creates a sink writing under key.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, e Event) error {
	var (
		hash string
		data []byte
		err  error
	)
	if e.Type == EventOutcome && e.Outcome != nil {
		hash = s.key + ":outcomes"
		data, err = json.Marshal(e.Outcome)
	} else {
		hash = s.key
		data, err = json.Marshal(redisEntry{Status: e.Status, Details: e.Details, UpdatedAt: e.Timestamp})
	}
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := s.client.HSet(ctx, hash, e.Job, data).Err(); err != nil {
		return fmt.Errorf("failed to set status in redis: %w", err)
	}
	return nil
}

// Latest returns the stored state of job, or nil when none is recorded.
func (s *RedisSink) Latest(ctx context.Context, job string) (*JobRecord, error) {
	data, err := s.client.HGet(ctx, s.key, job).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &JobRecord{Job: job, Status: entry.Status, Details: entry.Details, CreatedAt: entry.UpdatedAt}, nil
}

// Close implements Sink. The client is owned by the caller.
func (s *RedisSink) Close() error { return nil }
