// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue wraps a Redis stream and its consumer group. Producers
// append flat field maps; consumers read through the group, acknowledge what
// they have handled, and reclaim entries other consumers left pending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// Stream is a named Redis stream read through one consumer group.
type Stream struct {
	rdb   *redis.Client
	name  string
	group string
}

// NewStream creates a handle for the given stream and consumer group.
func NewStream(rdb *redis.Client, name, group string) *Stream {
	return &Stream{
		rdb:   rdb,
		name:  name,
		group: group,
	}
}

// Name returns the stream key.
func (s *Stream) Name() string { return s.name }

// Group returns the consumer group name.
func (s *Stream) Group() string { return s.group }

// Append adds an entry to the stream and returns its ID.
func (s *Stream) Append(ctx context.Context, fields map[string]any) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD %s: %w", s.name, err)
	}
	return id, nil
}

// EnsureGroup creates the stream and consumer group if they do not exist.
// The group starts at the beginning of the stream so entries appended before
// the first consumer started are still delivered.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis XGROUP CREATE %s/%s: %w", s.name, s.group, err)
	}
	return nil
}

// ReadGroup reads up to count new entries for consumer, blocking for at most
// block. An empty slice with a nil error means the wait timed out.
func (s *Stream) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]models.StreamMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis XREADGROUP %s: %w", s.name, err)
	}

	var out []models.StreamMessage
	for _, stream := range res {
		out = append(out, convert(stream.Messages)...)
	}
	return out, nil
}

// Ack acknowledges handled entries so they leave the pending list.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.name, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("redis XACK %s: %w", s.name, err)
	}
	return nil
}

// PendingEntry describes an entry delivered to a consumer but not yet
// acknowledged.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Pending lists up to count pending entries idle for at least minIdle.
func (s *Stream) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis XPENDING %s: %w", s.name, err)
	}

	entries := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

// Claim transfers ownership of pending entries to consumer and returns
// their contents. Entries deleted from the stream are skipped.
func (s *Stream) Claim(ctx context.Context, consumer string, minIdle time.Duration, ids ...string) ([]models.StreamMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.name,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XCLAIM %s: %w", s.name, err)
	}
	return convert(msgs), nil
}

// Len returns the number of entries in the stream.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XLEN %s: %w", s.name, err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (s *Stream) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func convert(msgs []redis.XMessage) []models.StreamMessage {
	out := make([]models.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		out = append(out, models.StreamMessage{ID: m.ID, Fields: fields})
	}
	return out
}
