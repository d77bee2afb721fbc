// internal/status/manager.go
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Task states stored in the status hash.
const (
	Queued    = "queued"
	Running   = "running"
	Completed = "completed"
	Canceled  = "canceled"
	Failed    = "failed"
	Rejected  = "rejected"
)

// CancelChannel carries the ids of tasks to cancel, one per message.
const CancelChannel = "task:cancel"

// ErrTaskNotFound is returned for an id with no status record.
var ErrTaskNotFound = errors.New("status: task not found")

// StatusInfo is the status record of one task as stored in a Redis hash.
type StatusInfo struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	OutputPath  string `json:"output_path"`
	Status      string `json:"status"`
	EndCause    string `json:"end_cause,omitempty"`
	ResumeCause string `json:"resume_cause,omitempty"`
	TotalLength int64  `json:"total_length"`
	Offset      int64  `json:"offset"`
	SubmitTime  string `json:"submit_time"`
	StartTime   string `json:"start_time,omitempty"`
	FinishTime  string `json:"finish_time,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Manager keeps task status in Redis and relays task events and cancel
// requests over pub/sub.
type Manager struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewManager creates a status manager on rdb.
func NewManager(rdb redis.UniversalClient, logger zerolog.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger.With().Str("component", "status").Logger()}
}

func taskKey(taskID string) string {
	return "task:status:" + taskID
}

func eventChannel(taskID string) string {
	return "task:events:" + taskID
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// StatusFor maps an end cause to the state shown to users.
func StatusFor(c cause.EndCause) string {
	switch c {
	case cause.Completed:
		return Completed
	case cause.Canceled:
		return Canceled
	case cause.FileBusy, cause.SameTaskBusy:
		return Rejected
	default:
		return Failed
	}
}

// InitTaskStatus records a newly submitted task as queued.
func (m *Manager) InitTaskStatus(ctx context.Context, t *task.DownloadTask) error {
	return m.rdb.HSet(ctx, taskKey(t.ID.String()), map[string]any{
		"id":           t.ID.String(),
		"url":          t.URL,
		"output_path":  t.OutputPath,
		"status":       Queued,
		"total_length": -1,
		"offset":       0,
		"submit_time":  now(),
	}).Err()
}

// MarkRunning records that a worker picked the task up.
func (m *Manager) MarkRunning(ctx context.Context, taskID string) error {
	return m.rdb.HSet(ctx, taskKey(taskID), map[string]any{
		"status":     Running,
		"start_time": now(),
	}).Err()
}

// UpdateInfo records how the download starts: its length, its offset and why
// it could not resume, if it could not.
func (m *Manager) UpdateInfo(ctx context.Context, taskID string, total, offset int64, resume cause.ResumeFailedCause) error {
	fields := map[string]any{
		"total_length": total,
		"offset":       offset,
	}
	if resume != cause.None {
		fields["resume_cause"] = resume.String()
	}
	return m.rdb.HSet(ctx, taskKey(taskID), fields).Err()
}

// UpdateProgress records the bytes written so far.
func (m *Manager) UpdateProgress(ctx context.Context, taskID string, offset int64) error {
	return m.rdb.HSet(ctx, taskKey(taskID), "offset", offset).Err()
}

// FinishTask records the end of a run.
func (m *Manager) FinishTask(ctx context.Context, taskID string, c cause.EndCause, realCause error) error {
	fields := map[string]any{
		"status":      StatusFor(c),
		"end_cause":   c.String(),
		"finish_time": now(),
	}
	if realCause != nil {
		fields["error"] = realCause.Error()
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), fields)
	if realCause == nil {
		pipe.HDel(ctx, taskKey(taskID), "error")
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetTask returns the status record of one task.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*StatusInfo, error) {
	data, err := m.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrTaskNotFound
	}
	info := fromHash(data)
	return &info, nil
}

// GetAllTasks returns the status of every known task.
func (m *Manager) GetAllTasks(ctx context.Context) ([]StatusInfo, error) {
	tasks := []StatusInfo{}
	iter := m.rdb.Scan(ctx, 0, "task:status:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := m.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			// Skip unreadable records and keep going.
			m.logger.Warn().Err(err).Str("key", key).Msg("Failed to read task status")
			continue
		}
		if len(data) > 0 {
			tasks = append(tasks, fromHash(data))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func fromHash(data map[string]string) StatusInfo {
	total, _ := strconv.ParseInt(data["total_length"], 10, 64)
	offset, _ := strconv.ParseInt(data["offset"], 10, 64)
	return StatusInfo{
		ID:          data["id"],
		URL:         data["url"],
		OutputPath:  data["output_path"],
		Status:      data["status"],
		EndCause:    data["end_cause"],
		ResumeCause: data["resume_cause"],
		TotalLength: total,
		Offset:      offset,
		SubmitTime:  data["submit_time"],
		StartTime:   data["start_time"],
		FinishTime:  data["finish_time"],
		Error:       data["error"],
	}
}

// PublishEvent sends ev to the subscribers of its task.
func (m *Manager) PublishEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, eventChannel(ev.TaskID), data).Err()
}

// SubscribeEvents streams the events of one task until ctx ends. The
// returned channel is closed when the subscription ends.
func (m *Manager) SubscribeEvents(ctx context.Context, taskID string) (<-chan Event, error) {
	sub := m.rdb.Subscribe(ctx, eventChannel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to events of %s: %w", taskID, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					m.logger.Warn().Err(err).Str("task", taskID).Msg("Dropping malformed event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishCancel asks whichever worker runs taskID to stop it.
func (m *Manager) PublishCancel(ctx context.Context, taskID string) error {
	return m.rdb.Publish(ctx, CancelChannel, taskID).Err()
}

// SubscribeCancel calls fn with every task id published on CancelChannel
// until ctx ends.
func (m *Manager) SubscribeCancel(ctx context.Context, fn func(taskID string)) error {
	sub := m.rdb.Subscribe(ctx, CancelChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to cancel requests: %w", err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
