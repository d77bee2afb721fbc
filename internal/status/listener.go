package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/listener"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Event types published for a task.
const (
	EventStarted  = "started"
	EventInfo     = "info"
	EventProgress = "progress"
	EventBlockEnd = "block_end"
	EventEnd      = "end"
)

// Event is one step of a task as seen by API clients.
type Event struct {
	TaskID      string    `json:"task_id"`
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	Block       int       `json:"block,omitempty"`
	Offset      int64     `json:"offset"`
	TotalLength int64     `json:"total_length"`
	Resumed     bool      `json:"resumed,omitempty"`
	ResumeCause string    `json:"resume_cause,omitempty"`
	EndCause    string    `json:"end_cause,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Sink receives status updates. *Manager is the Redis implementation.
type Sink interface {
	MarkRunning(ctx context.Context, taskID string) error
	UpdateInfo(ctx context.Context, taskID string, total, offset int64, resume cause.ResumeFailedCause) error
	UpdateProgress(ctx context.Context, taskID string, offset int64) error
	FinishTask(ctx context.Context, taskID string, c cause.EndCause, realCause error) error
	PublishEvent(ctx context.Context, ev Event) error
}

var _ Sink = (*Manager)(nil)

// DefaultProgressInterval limits how often progress reaches Redis.
const DefaultProgressInterval = 500 * time.Millisecond

const writeTimeout = 5 * time.Second

// reporter turns listener callbacks into status writes. Callbacks of one
// task never run concurrently, so it needs no lock.
type reporter struct {
	sink     Sink
	logger   zerolog.Logger
	interval time.Duration

	total        int64
	resumeCause  cause.ResumeFailedCause
	lastProgress time.Time
}

// NewListener returns a listener that mirrors a task run into sink. Progress
// is written at most once per interval; the final offset is always written.
func NewListener(sink Sink, logger zerolog.Logger, interval time.Duration) *listener.Listener {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	r := &reporter{
		sink:     sink,
		logger:   logger.With().Str("component", "status").Logger(),
		interval: interval,
		total:    -1,
	}
	return listener.New(r.taskEnd,
		listener.OnTaskStart(r.taskStart),
		listener.OnDownloadFromBeginning(func(_ *task.DownloadTask, _ *breakpoint.Info, c cause.ResumeFailedCause) {
			r.resumeCause = c
		}),
		listener.OnInfoReady(r.infoReady),
		listener.OnProgress(r.progress),
		listener.OnBlockEnd(r.blockEnd),
	)
}

func (r *reporter) do(t *task.DownloadTask, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn().Err(err).Str("task", t.ID.String()).Msgf("Failed to %s", what)
	}
}

func (r *reporter) event(t *task.DownloadTask, typ string) Event {
	return Event{TaskID: t.ID.String(), Type: typ, Time: time.Now().UTC(), TotalLength: r.total}
}

func (r *reporter) publish(t *task.DownloadTask, ev Event) {
	r.do(t, "publish event", func(ctx context.Context) error { return r.sink.PublishEvent(ctx, ev) })
}

func (r *reporter) taskStart(t *task.DownloadTask) {
	r.do(t, "mark task running", func(ctx context.Context) error { return r.sink.MarkRunning(ctx, t.ID.String()) })
	r.publish(t, r.event(t, EventStarted))
}

func (r *reporter) infoReady(t *task.DownloadTask, info *breakpoint.Info, fromBreakpoint bool, model *listener.Model) {
	r.total = info.TotalLength
	r.do(t, "update task info", func(ctx context.Context) error {
		return r.sink.UpdateInfo(ctx, t.ID.String(), info.TotalLength, model.CurrentOffset, r.resumeCause)
	})
	ev := r.event(t, EventInfo)
	ev.Offset = model.CurrentOffset
	ev.Resumed = fromBreakpoint
	if r.resumeCause != cause.None {
		ev.ResumeCause = r.resumeCause.String()
	}
	r.publish(t, ev)
}

func (r *reporter) progress(t *task.DownloadTask, offset int64) {
	if time.Since(r.lastProgress) < r.interval {
		return
	}
	r.lastProgress = time.Now()
	r.do(t, "update progress", func(ctx context.Context) error { return r.sink.UpdateProgress(ctx, t.ID.String(), offset) })
	ev := r.event(t, EventProgress)
	ev.Offset = offset
	r.publish(t, ev)
}

func (r *reporter) blockEnd(t *task.DownloadTask, idx int, b breakpoint.Block) {
	ev := r.event(t, EventBlockEnd)
	ev.Block = idx
	ev.Offset = b.CurrentOffset
	r.publish(t, ev)
}

func (r *reporter) taskEnd(t *task.DownloadTask, c cause.EndCause, realCause error, model *listener.Model) {
	id := t.ID.String()
	r.do(t, "update progress", func(ctx context.Context) error { return r.sink.UpdateProgress(ctx, id, model.CurrentOffset) })
	r.do(t, "finish task", func(ctx context.Context) error { return r.sink.FinishTask(ctx, id, c, realCause) })

	ev := r.event(t, EventEnd)
	ev.Offset = model.CurrentOffset
	ev.EndCause = c.String()
	if realCause != nil {
		ev.Error = realCause.Error()
	}
	r.publish(t, ev)
}
