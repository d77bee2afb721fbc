// internal/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Slade66/resumable-fetcher/pkg/task"
)

const (
	// DefaultStream is the Redis stream tasks are posted to.
	DefaultStream = "download_tasks"
	// DefaultGroup is the consumer group workers read with.
	DefaultGroup = "download-group"

	payloadField = "payload"
)

// Message is one delivered task. Ack it once the task reached a final state.
type Message struct {
	ID   string
	Task *task.DownloadTask
}

// ErrBadPayload marks a stream entry that does not hold a task. Such a
// message is returned with a nil Task so it can be acked and skipped.
var ErrBadPayload = errors.New("queue: malformed task payload")

// Queue is a Redis stream of download tasks consumed by a consumer group.
type Queue struct {
	rdb    redis.UniversalClient
	stream string
	group  string
}

// New creates a queue. Empty names mean the defaults.
func New(rdb redis.UniversalClient, stream, group string) *Queue {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	return &Queue{rdb: rdb, stream: stream, group: group}
}

// Enqueue posts t to the stream.
func (q *Queue) Enqueue(ctx context.Context, t *task.DownloadTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (q *Queue) EnsureGroup(ctx context.Context) (created bool, err error) {
	err = q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return false, nil
		}
		return false, fmt.Errorf("create consumer group: %w", err)
	}
	return true, nil
}

// Read blocks up to block for the next task delivered to consumer. It
// returns nil, nil when nothing arrived in time.
func (q *Queue) Read(ctx context.Context, consumer string, block time.Duration) (*Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return decode(streams[0].Messages[0])
}

// Pending returns the messages delivered to consumer earlier and never
// acked, oldest first. Malformed ones come back with a nil Task.
func (q *Queue) Pending(ctx context.Context, consumer string) ([]*Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, "0"},
		Count:    100,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msg, _ := decode(m)
			out = append(out, msg)
		}
	}
	return out, nil
}

func decode(msg redis.XMessage) (*Message, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return &Message{ID: msg.ID}, ErrBadPayload
	}
	var t task.DownloadTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return &Message{ID: msg.ID}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Message{ID: msg.ID, Task: &t}, nil
}

// Ack marks a message as handled.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.rdb.XAck(ctx, q.stream, q.group, id).Err()
}
